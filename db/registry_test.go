package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/testutils"
)

func TestRegistryGroupsByRole(t *testing.T) {
	r := db.NewRegistry()
	r.Register(db.NewPoolEntry("primary", db.RoleWrite, testutils.NewFakePool()))
	r.Register(db.NewPoolEntry("r1", db.RoleRead, testutils.NewFakePool()))
	r.Register(db.NewPoolEntry("r2", db.RoleRead, testutils.NewFakePool()))
	r.Register(db.NewPoolEntry("olap", db.RoleAnalytics, testutils.NewFakePool()))

	assert.Len(t, r.WritePools(), 1)
	assert.Len(t, r.ReadPools(), 2)
	assert.Len(t, r.AnalyticsPools(), 1)
	assert.Len(t, r.All(), 4)

	e, ok := r.Get("r2")
	require.True(t, ok)
	assert.Equal(t, db.RoleRead, e.Role)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	// Registration order preserved
	assert.Equal(t, "r1", r.ReadPools()[0].Name)
	assert.Equal(t, "r2", r.ReadPools()[1].Name)
}

func TestPoolEntryStartsHealthy(t *testing.T) {
	e := db.NewPoolEntry("p", db.RoleWrite, testutils.NewFakePool())
	assert.True(t, e.IsHealthy())
}

func TestRecordQueryRunningAverage(t *testing.T) {
	e := db.NewPoolEntry("p", db.RoleRead, testutils.NewFakePool())

	e.RecordQuery(100*time.Millisecond, false, false)
	e.RecordQuery(300*time.Millisecond, false, false)

	snap := e.Snapshot()
	assert.Equal(t, int64(2), snap.QueryCount)
	assert.Equal(t, 200*time.Millisecond, snap.AvgQueryTime)

	e.RecordQuery(200*time.Millisecond, false, false)
	snap = e.Snapshot()
	assert.Equal(t, 200*time.Millisecond, snap.AvgQueryTime)
}

func TestRecordQueryCounters(t *testing.T) {
	e := db.NewPoolEntry("p", db.RoleRead, testutils.NewFakePool())

	e.RecordQuery(2*time.Second, true, false)
	e.RecordQuery(10*time.Millisecond, false, true)

	snap := e.Snapshot()
	assert.Equal(t, int64(2), snap.QueryCount)
	assert.Equal(t, int64(1), snap.SlowQueryCount)
	assert.Equal(t, int64(1), snap.ConnectionErrors)
	assert.GreaterOrEqual(t, snap.AvgQueryTime, time.Duration(0))
}

func TestRecordHealthCheck(t *testing.T) {
	e := db.NewPoolEntry("p", db.RoleRead, testutils.NewFakePool())

	e.RecordHealthCheck(false)
	assert.False(t, e.IsHealthy())
	snap := e.Snapshot()
	assert.Equal(t, int64(1), snap.ConnectionErrors)
	assert.False(t, snap.LastHealthCheck.IsZero())

	// Healthy again on the very next successful probe.
	e.RecordHealthCheck(true)
	assert.True(t, e.IsHealthy())
}

func TestSnapshotMergesPoolStats(t *testing.T) {
	pool := testutils.NewFakePool()
	pool.TotalConns = 8
	pool.AcquiredConns = 3
	pool.IdleConns = 5

	e := db.NewPoolEntry("p", db.RoleAnalytics, pool)
	snap := e.Snapshot()

	assert.Equal(t, int32(8), snap.TotalConns)
	assert.Equal(t, int32(3), snap.ActiveConns)
	assert.Equal(t, int32(5), snap.IdleConns)
	assert.LessOrEqual(t, snap.ActiveConns, snap.TotalConns)
	assert.InDelta(t, 0.375, e.Utilization(), 0.001)
}

func TestRecordQueryConcurrent(t *testing.T) {
	e := db.NewPoolEntry("p", db.RoleRead, testutils.NewFakePool())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.RecordQuery(time.Millisecond, false, false)
			}
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.Equal(t, int64(1000), snap.QueryCount)
	assert.Equal(t, time.Millisecond, snap.AvgQueryTime)
}

func TestRegistryCloseClosesEachPoolOnce(t *testing.T) {
	shared := testutils.NewFakePool()
	other := testutils.NewFakePool()

	r := db.NewRegistry()
	r.Register(db.NewPoolEntry("r1", db.RoleRead, shared))
	// Analytics aliases the read pool, as happens when no dedicated
	// analytics endpoint is configured.
	r.Register(db.NewPoolEntry("olap", db.RoleAnalytics, shared))
	r.Register(db.NewPoolEntry("primary", db.RoleWrite, other))

	r.Close()

	assert.Equal(t, 1, shared.CloseCount())
	assert.Equal(t, 1, other.CloseCount())
}

func TestFakePoolAcquireRelease(t *testing.T) {
	pool := testutils.NewFakePool()
	pool.AcquireErr = errors.New("saturated")

	_, err := pool.Acquire(context.Background())
	require.Error(t, err)
}
