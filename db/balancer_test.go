package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernijsansons/pgrouter/consts"
	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/testutils"
)

func newTopology(writes, reads, analytics []string) (*db.Registry, *db.Balancer) {
	r := db.NewRegistry()
	for _, name := range writes {
		r.Register(db.NewPoolEntry(name, db.RoleWrite, testutils.NewFakePool()))
	}
	for _, name := range reads {
		r.Register(db.NewPoolEntry(name, db.RoleRead, testutils.NewFakePool()))
	}
	for _, name := range analytics {
		r.Register(db.NewPoolEntry(name, db.RoleAnalytics, testutils.NewFakePool()))
	}
	return r, db.NewBalancer(r)
}

func mustGet(t *testing.T, r *db.Registry, name string) *db.PoolEntry {
	t.Helper()
	e, ok := r.Get(name)
	require.True(t, ok)
	return e
}

func TestWritePoolFirstHealthy(t *testing.T) {
	r, b := newTopology([]string{"w1", "w2"}, nil, nil)

	e, degraded, err := b.WritePool()
	require.NoError(t, err)
	assert.Equal(t, "w1", e.Name)
	assert.False(t, degraded)

	mustGet(t, r, "w1").SetHealthy(false)
	e, degraded, err = b.WritePool()
	require.NoError(t, err)
	assert.Equal(t, "w2", e.Name)
	assert.False(t, degraded)
}

// The write path is the system of record: with every write pool
// unhealthy, the first one is still returned, flagged degraded.
func TestWritePoolDegradedFallback(t *testing.T) {
	r, b := newTopology([]string{"w1", "w2"}, nil, nil)
	mustGet(t, r, "w1").SetHealthy(false)
	mustGet(t, r, "w2").SetHealthy(false)

	e, degraded, err := b.WritePool()
	require.NoError(t, err)
	assert.Equal(t, "w1", e.Name)
	assert.True(t, degraded)
}

func TestWritePoolNoneRegistered(t *testing.T) {
	_, b := newTopology(nil, nil, nil)
	_, _, err := b.WritePool()
	assert.ErrorIs(t, err, consts.ErrNoPoolAvailable)
}

func TestReadPoolRoundRobinFairness(t *testing.T) {
	_, b := newTopology([]string{"primary"}, []string{"r1", "r2", "r3"}, nil)

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		e, degraded, err := b.ReadPool()
		require.NoError(t, err)
		assert.False(t, degraded)
		seen[e.Name]++
	}

	// N calls over N healthy replicas visit each exactly once.
	assert.Equal(t, map[string]int{"r1": 1, "r2": 1, "r3": 1}, seen)
}

func TestReadPoolSkipsUnhealthy(t *testing.T) {
	r, b := newTopology([]string{"primary"}, []string{"r1", "r2"}, nil)
	mustGet(t, r, "r1").SetHealthy(false)

	for i := 0; i < 4; i++ {
		e, _, err := b.ReadPool()
		require.NoError(t, err)
		assert.Equal(t, "r2", e.Name)
	}
}

func TestReadPoolAllUnhealthyFallsBackToWrite(t *testing.T) {
	r, b := newTopology([]string{"primary"}, []string{"r1", "r2"}, nil)
	mustGet(t, r, "r1").SetHealthy(false)
	mustGet(t, r, "r2").SetHealthy(false)

	e, degraded, err := b.ReadPool()
	require.NoError(t, err)
	assert.Equal(t, "primary", e.Name)
	assert.False(t, degraded)
}

func TestReadPoolNoReplicasUsesWrite(t *testing.T) {
	_, b := newTopology([]string{"primary"}, nil, nil)

	e, _, err := b.ReadPool()
	require.NoError(t, err)
	assert.Equal(t, "primary", e.Name)
}

func TestAnalyticsPoolLeastLoaded(t *testing.T) {
	r := db.NewRegistry()
	busy := testutils.NewFakePool()
	busy.TotalConns = 10
	busy.AcquiredConns = 8
	idle := testutils.NewFakePool()
	idle.TotalConns = 10
	idle.AcquiredConns = 2

	r.Register(db.NewPoolEntry("olap1", db.RoleAnalytics, busy))
	r.Register(db.NewPoolEntry("olap2", db.RoleAnalytics, idle))
	b := db.NewBalancer(r)

	e, degraded, err := b.AnalyticsPool()
	require.NoError(t, err)
	assert.Equal(t, "olap2", e.Name)
	assert.False(t, degraded)
}

func TestAnalyticsPoolFallsBackToRead(t *testing.T) {
	r, b := newTopology([]string{"primary"}, []string{"r1"}, []string{"olap"})
	mustGet(t, r, "olap").SetHealthy(false)

	e, _, err := b.AnalyticsPool()
	require.NoError(t, err)
	assert.Equal(t, "r1", e.Name)
}

func TestAnalyticsPoolNoneRegisteredFallsBackToRead(t *testing.T) {
	_, b := newTopology([]string{"primary"}, []string{"r1"}, nil)

	e, _, err := b.AnalyticsPool()
	require.NoError(t, err)
	assert.Equal(t, "r1", e.Name)
}

func TestPoolForRoleDispatch(t *testing.T) {
	_, b := newTopology([]string{"primary"}, []string{"r1"}, []string{"olap"})

	e, _, err := b.PoolForRole(db.RoleWrite)
	require.NoError(t, err)
	assert.Equal(t, "primary", e.Name)

	e, _, err = b.PoolForRole(db.RoleAnalytics)
	require.NoError(t, err)
	assert.Equal(t, "olap", e.Name)

	e, _, err = b.PoolForRole(db.RoleRead)
	require.NoError(t, err)
	assert.Equal(t, "r1", e.Name)
}
