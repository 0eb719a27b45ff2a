package manager

import (
	"time"

	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/pkg/metrics"
)

// scaleStep is how many connections a single scaling trigger adds to
// or removes from each pool's ceiling.
const scaleStep = 5

// scaleLoop evaluates global pool utilization on a fixed interval and
// triggers coarse-grained scaling. A cooldown shared between scale-up
// and scale-down (the longer of the two configured values) prevents
// oscillation.
func (m *Manager) scaleLoop(interval, upCooldown, downCooldown time.Duration) {
	defer m.wg.Done()

	cooldown := upCooldown
	if downCooldown > cooldown {
		cooldown = downCooldown
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("started auto-scaler", "interval", interval, "cooldown", cooldown)

	var lastAction time.Time
	for {
		select {
		case <-m.ctx.Done():
			logger.Info("stopped auto-scaler")
			return
		case <-ticker.C:
			if m.evaluateScaling(lastAction, cooldown) {
				lastAction = time.Now()
			}
		}
	}
}

// evaluateScaling computes global utilization and triggers at most one
// scaling action. Returns true when an action was taken.
func (m *Manager) evaluateScaling(lastAction time.Time, cooldown time.Duration) bool {
	var total, active int32
	for _, e := range m.registry.All() {
		stat := e.Pool.Stat()
		total += stat.TotalConns
		active += stat.AcquiredConns
	}
	if total == 0 {
		return false
	}

	utilization := float64(active) / float64(total)
	metrics.PoolUtilization.Set(utilization)

	if !lastAction.IsZero() && time.Since(lastAction) < cooldown {
		return false
	}

	cfg := m.cfg.AutoScale
	switch {
	case utilization > cfg.ScaleUpThreshold && int(total) < cfg.MaxConnections:
		logger.Info("scaling up pools",
			"utilization", utilization,
			"threshold", cfg.ScaleUpThreshold,
			"total_conns", total)
		metrics.ScalingEventsTotal.WithLabelValues("up").Inc()
		m.emit(Event{Type: EventScalingUp})
		m.resizePools(scaleStep, int32(cfg.MaxConnections))
		return true

	case utilization < cfg.ScaleDownThreshold && int(total) > cfg.MinConnections:
		logger.Info("scaling down pools",
			"utilization", utilization,
			"threshold", cfg.ScaleDownThreshold,
			"total_conns", total)
		metrics.ScalingEventsTotal.WithLabelValues("down").Inc()
		m.emit(Event{Type: EventScalingDown})
		m.resizePools(-scaleStep, int32(cfg.MinConnections))
		return true
	}

	return false
}

// resizePools delegates the actual size change to pools whose library
// supports live adjustment. Pools without Resize support only get the
// scaling event; pgxpool sizes are fixed at construction.
func (m *Manager) resizePools(delta, bound int32) {
	seen := make(map[db.Pool]bool)
	for _, e := range m.registry.All() {
		if seen[e.Pool] {
			continue
		}
		seen[e.Pool] = true

		resizer, ok := e.Pool.(db.Resizer)
		if !ok {
			continue
		}

		target := e.Pool.Stat().TotalConns + delta
		if delta > 0 && target > bound {
			target = bound
		}
		if delta < 0 && target < bound {
			target = bound
		}
		if target < 1 {
			target = 1
		}

		if err := resizer.Resize(target); err != nil {
			logger.Warn("pool resize failed", "pool", e.Name, "target", target, "error", err)
		}
	}
}
