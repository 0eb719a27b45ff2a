package db

import (
	"sync/atomic"

	"github.com/ernijsansons/pgrouter/consts"
	"github.com/ernijsansons/pgrouter/logger"
)

// Balancer selects a pool for a given role. Selection strategies:
//
//   - write: first healthy pool in registration order. If none are
//     healthy, the first pool is returned anyway with degraded=true:
//     the write path is the system of record, and attempting against a
//     possibly-degraded primary beats refusing writes outright.
//   - read: round-robin over the read pools, skipping unhealthy ones.
//     If every read pool is unhealthy, reads are served by the write
//     selection instead of failing.
//   - analytics: least-loaded healthy analytics pool by
//     active/total utilization, falling back to read selection.
//
// The round-robin index is shared mutable state that persists across
// calls, guaranteeing fairness over time rather than per-call
// determinism.
type Balancer struct {
	registry *Registry
	readIdx  atomic.Uint64
}

func NewBalancer(registry *Registry) *Balancer {
	return &Balancer{registry: registry}
}

// WritePool returns the pool to use for write traffic. degraded is
// true when no healthy write pool exists and the first one is being
// used as a last resort.
func (b *Balancer) WritePool() (entry *PoolEntry, degraded bool, err error) {
	pools := b.registry.WritePools()
	if len(pools) == 0 {
		return nil, false, consts.ErrNoPoolAvailable
	}

	for _, e := range pools {
		if e.IsHealthy() {
			return e, false, nil
		}
	}

	logger.Warn("no healthy write pool, using first pool as last resort", "pool", pools[0].Name)
	return pools[0], true, nil
}

// ReadPool returns the next read pool in round-robin order, skipping
// unhealthy pools. With no usable read pool it falls back to write
// selection so reads are served by the primary rather than failing.
func (b *Balancer) ReadPool() (entry *PoolEntry, degraded bool, err error) {
	pools := b.registry.ReadPools()
	if len(pools) == 0 {
		return b.WritePool()
	}

	start := b.readIdx.Add(1) - 1
	for i := 0; i < len(pools); i++ {
		candidate := pools[(start+uint64(i))%uint64(len(pools))]
		if candidate.IsHealthy() {
			return candidate, false, nil
		}
	}

	logger.Warn("no healthy read pool, falling back to write selection")
	return b.WritePool()
}

// AnalyticsPool returns the least-loaded healthy analytics pool, or
// falls back to read selection when no analytics pool is usable.
func (b *Balancer) AnalyticsPool() (entry *PoolEntry, degraded bool, err error) {
	pools := b.registry.AnalyticsPools()

	var best *PoolEntry
	bestUtil := 2.0 // Utilization is in [0,1]
	for _, e := range pools {
		if !e.IsHealthy() {
			continue
		}
		if util := e.Utilization(); util < bestUtil {
			best = e
			bestUtil = util
		}
	}
	if best != nil {
		return best, false, nil
	}

	return b.ReadPool()
}

// PoolForRole dispatches to the strategy for the given role.
func (b *Balancer) PoolForRole(role Role) (entry *PoolEntry, degraded bool, err error) {
	switch role {
	case RoleWrite:
		return b.WritePool()
	case RoleAnalytics:
		return b.AnalyticsPool()
	default:
		return b.ReadPool()
	}
}
