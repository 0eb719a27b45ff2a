package manager

import (
	"time"

	"github.com/ernijsansons/pgrouter/router"
)

// EventType identifies an observability event emitted by the manager.
type EventType string

const (
	EventQueryExecuted        EventType = "query_executed"
	EventQueryError           EventType = "query_error"
	EventPoolUnhealthy        EventType = "pool_unhealthy"
	EventMetricsCollected     EventType = "metrics_collected"
	EventScalingUp            EventType = "scaling_up"
	EventScalingDown          EventType = "scaling_down"
	EventTransactionCompleted EventType = "transaction_completed"
	EventTransactionError     EventType = "transaction_error"
)

// Event carries the pool name and relevant timing/error data for one
// observability occurrence.
type Event struct {
	Type     EventType
	Pool     string
	Class    router.Class
	Duration time.Duration
	Err      error
	Time     time.Time
}

// EventListener receives manager events. Listeners are invoked
// synchronously on the emitting goroutine and must not block.
type EventListener func(Event)

// AddEventListener registers a listener for all subsequent events.
func (m *Manager) AddEventListener(fn EventListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(event Event) {
	event.Time = time.Now()

	m.listenerMu.RLock()
	listeners := make([]EventListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}
