package db

import (
	"sync"
	"time"
)

// PoolMetrics holds the mutable per-pool statistics. Counters and the
// health flag are guarded by the entry's own mutex so that unrelated
// pools never serialize each other's traffic.
type PoolMetrics struct {
	mu sync.Mutex

	queryCount       int64
	slowQueryCount   int64
	connectionErrors int64
	avgQueryTime     time.Duration
	lastHealthCheck  time.Time
	healthy          bool
}

// PoolMetricsSnapshot is an immutable copy of a pool's metrics merged
// with the live connection counts from the underlying pool.
type PoolMetricsSnapshot struct {
	Name             string        `json:"name"`
	Role             Role          `json:"role"`
	TotalConns       int32         `json:"total_connections"`
	ActiveConns      int32         `json:"active_connections"`
	IdleConns        int32         `json:"idle_connections"`
	WaitingClients   int32         `json:"waiting_clients"`
	QueryCount       int64         `json:"query_count"`
	SlowQueryCount   int64         `json:"slow_query_count"`
	ConnectionErrors int64         `json:"connection_errors"`
	AvgQueryTime     time.Duration `json:"avg_query_time"`
	LastHealthCheck  time.Time     `json:"last_health_check"`
	Healthy          bool          `json:"healthy"`
}

// PoolEntry identifies one physical target: a unique name, the
// underlying pool handle and the role it serves. Entries are created at
// manager initialization and destroyed only at shutdown.
type PoolEntry struct {
	Name    string
	Role    Role
	Pool    Pool
	metrics PoolMetrics
}

func NewPoolEntry(name string, role Role, pool Pool) *PoolEntry {
	e := &PoolEntry{Name: name, Role: role, Pool: pool}
	e.metrics.healthy = true
	return e
}

// RecordQuery folds one query execution into the pool's counters. The
// latency is a running weighted average: avg' = (avg*(n-1) + d) / n.
func (e *PoolEntry) RecordQuery(duration time.Duration, slow bool, failed bool) {
	m := &e.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryCount++
	n := m.queryCount
	m.avgQueryTime = (m.avgQueryTime*time.Duration(n-1) + duration) / time.Duration(n)
	if slow {
		m.slowQueryCount++
	}
	if failed {
		m.connectionErrors++
	}
}

// RecordHealthCheck updates the health flag after a probe. A pool flips
// back to healthy on the very next successful probe; routing already
// skips unhealthy pools, so no re-entry hysteresis is needed.
func (e *PoolEntry) RecordHealthCheck(healthy bool) {
	m := &e.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHealthCheck = time.Now()
	m.healthy = healthy
	if !healthy {
		m.connectionErrors++
	}
}

func (e *PoolEntry) IsHealthy() bool {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return e.metrics.healthy
}

// SetHealthy flips the health flag without touching the probe
// timestamp. Used by tests and administrative overrides.
func (e *PoolEntry) SetHealthy(healthy bool) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.healthy = healthy
}

// Utilization returns activeConnections/totalConnections for the pool,
// or 0 when the pool has no connections yet.
func (e *PoolEntry) Utilization() float64 {
	stat := e.Pool.Stat()
	if stat.TotalConns == 0 {
		return 0
	}
	return float64(stat.AcquiredConns) / float64(stat.TotalConns)
}

// Snapshot copies the pool's counters and merges in the live
// connection counts.
func (e *PoolEntry) Snapshot() PoolMetricsSnapshot {
	stat := e.Pool.Stat()

	m := &e.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	return PoolMetricsSnapshot{
		Name:             e.Name,
		Role:             e.Role,
		TotalConns:       stat.TotalConns,
		ActiveConns:      stat.AcquiredConns,
		IdleConns:        stat.IdleConns,
		WaitingClients:   stat.WaitingConns,
		QueryCount:       m.queryCount,
		SlowQueryCount:   m.slowQueryCount,
		ConnectionErrors: m.connectionErrors,
		AvgQueryTime:     m.avgQueryTime,
		LastHealthCheck:  m.lastHealthCheck,
		Healthy:          m.healthy,
	}
}

// Registry owns every pool entry, grouped by role in registration
// order. It is populated once at construction and read-only afterwards;
// the mutable state lives inside the individual entries.
type Registry struct {
	write     []*PoolEntry
	read      []*PoolEntry
	analytics []*PoolEntry
	byName    map[string]*PoolEntry
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*PoolEntry)}
}

// Register adds an entry to the registry. Registration order is
// preserved; write selection depends on it.
func (r *Registry) Register(entry *PoolEntry) {
	switch entry.Role {
	case RoleWrite:
		r.write = append(r.write, entry)
	case RoleRead:
		r.read = append(r.read, entry)
	case RoleAnalytics:
		r.analytics = append(r.analytics, entry)
	}
	r.byName[entry.Name] = entry
}

func (r *Registry) WritePools() []*PoolEntry     { return r.write }
func (r *Registry) ReadPools() []*PoolEntry      { return r.read }
func (r *Registry) AnalyticsPools() []*PoolEntry { return r.analytics }

func (r *Registry) Get(name string) (*PoolEntry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// All returns every entry in registration order: write, read, analytics.
func (r *Registry) All() []*PoolEntry {
	all := make([]*PoolEntry, 0, len(r.write)+len(r.read)+len(r.analytics))
	all = append(all, r.write...)
	all = append(all, r.read...)
	all = append(all, r.analytics...)
	return all
}

// Close closes every registered pool. Pools shared between roles (an
// analytics entry aliasing a read pool) are closed only once.
func (r *Registry) Close() {
	closed := make(map[Pool]bool)
	for _, e := range r.All() {
		if closed[e.Pool] {
			continue
		}
		closed[e.Pool] = true
		e.Pool.Close()
	}
}
