package manager

import (
	"context"
	"sync"
	"time"

	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/pkg/metrics"
	"github.com/ernijsansons/pgrouter/pkg/retry"
)

// healthLoop probes every pool on a fixed interval and flips their
// health flags. It never runs on the request path; routing reads the
// flags the probes maintain.
func (m *Manager) healthLoop(interval, timeout time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("started health monitoring", "interval", interval, "timeout", timeout)

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("stopped health monitoring")
			return
		case <-ticker.C:
			m.probePools(timeout)
		}
	}
}

// probePools checks all pools concurrently and waits for the cycle to
// finish so probes never pile up across ticks.
func (m *Manager) probePools(timeout time.Duration) {
	var wg sync.WaitGroup
	seen := make(map[db.Pool]bool)
	for _, entry := range m.registry.All() {
		// Aliased pools (analytics reusing a read pool) are probed once;
		// both entries share the result.
		if seen[entry.Pool] {
			continue
		}
		seen[entry.Pool] = true

		wg.Add(1)
		go func(e *db.PoolEntry) {
			defer wg.Done()
			m.probePool(e, timeout)
		}(entry)
	}
	wg.Wait()
}

func (m *Manager) probePool(entry *db.PoolEntry, timeout time.Duration) {
	probeQuery := m.cfg.HealthCheck.GetProbeQuery()

	probe := func() error {
		probeCtx, cancel := context.WithTimeout(m.ctx, timeout)
		defer cancel()

		if probeQuery == "SELECT 1" {
			return entry.Pool.Ping(probeCtx)
		}
		conn, err := entry.Pool.Acquire(probeCtx)
		if err != nil {
			return err
		}
		defer conn.Release()
		_, err = conn.Exec(probeCtx, probeQuery)
		return err
	}

	// A probe cycle may retry before declaring the pool unhealthy so a
	// single dropped packet does not pull a pool out of rotation.
	var err error
	if m.cfg.HealthCheck.Retries > 0 {
		err = retry.WithRetry(m.ctx, probe, retry.BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			MaxRetries:      m.cfg.HealthCheck.Retries,
		})
	} else {
		err = probe()
	}

	wasHealthy := entry.IsHealthy()
	healthy := err == nil

	// Mirror the result onto every entry sharing this pool handle.
	for _, e := range m.registry.All() {
		if e.Pool == entry.Pool {
			e.RecordHealthCheck(healthy)
			setHealthGauge(e, healthy)
		}
	}

	if healthy {
		metrics.HealthChecksTotal.WithLabelValues(entry.Name, "success").Inc()
		if !wasHealthy {
			logger.Info("pool recovered", "pool", entry.Name)
		}
		return
	}

	metrics.HealthChecksTotal.WithLabelValues(entry.Name, "failure").Inc()
	logger.Warn("pool failed health check", "pool", entry.Name, "error", err)
	if wasHealthy {
		m.emit(Event{Type: EventPoolUnhealthy, Pool: entry.Name, Err: err})
	}
}

func setHealthGauge(e *db.PoolEntry, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	metrics.PoolHealthy.WithLabelValues(e.Name, string(e.Role)).Set(v)
}
