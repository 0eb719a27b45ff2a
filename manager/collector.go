package manager

import (
	"time"

	"github.com/ernijsansons/pgrouter/pkg/metrics"
)

// collectLoop periodically exports every pool's connection stats to
// the Prometheus gauges.
func (m *Manager) collectLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collectPoolStats()
		}
	}
}

func (m *Manager) collectPoolStats() {
	for _, e := range m.registry.All() {
		stat := e.Pool.Stat()
		role := string(e.Role)
		metrics.PoolTotalConns.WithLabelValues(e.Name, role).Set(float64(stat.TotalConns))
		metrics.PoolIdleConns.WithLabelValues(e.Name, role).Set(float64(stat.IdleConns))
		metrics.PoolInUseConns.WithLabelValues(e.Name, role).Set(float64(stat.AcquiredConns))
		metrics.PoolWaitingClients.WithLabelValues(e.Name, role).Set(float64(stat.WaitingConns))
	}
	m.emit(Event{Type: EventMetricsCollected})
}
