// Package manager is the public entry point of the pool manager. It
// combines the query router and the load balancer to execute single
// queries and multi-statement transactions against the right pool,
// keeps per-pool metrics, and owns the background health-check,
// auto-scale and metrics-export loops.
//
// A Manager is safe for concurrent use. Each Query or Transaction call
// independently acquires a connection from the selected pool; callers
// block only on their own pool's acquire timeout, never on each other.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ernijsansons/pgrouter/config"
	"github.com/ernijsansons/pgrouter/consts"
	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/pkg/metrics"
	"github.com/ernijsansons/pgrouter/router"
)

// Options configures a Manager. The registry is injected and
// explicitly owned, so multiple independently-configured managers can
// coexist in one process.
type Options struct {
	Registry   *db.Registry
	Classifier *router.Classifier // Optional; built from Config.Routing when nil
	Config     *config.DatabaseConfig
}

// Manager routes queries to pools and owns their lifecycle.
type Manager struct {
	registry   *db.Registry
	balancer   *db.Balancer
	classifier *router.Classifier
	cfg        *config.DatabaseConfig

	slowQueryThreshold time.Duration
	history            *queryHistory

	listenerMu sync.RWMutex
	listeners  []EventListener

	// Base unit of the transaction retry backoff; attempt n sleeps
	// 2^(n-1) times this. Tests shrink it.
	backoffBase time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
}

// New creates a manager over an existing registry and starts the
// background loops selected by the configuration. The supplied context
// bounds the lifetime of those loops; Shutdown stops them as well.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}

	classifier := opts.Classifier
	if classifier == nil {
		var err error
		classifier, err = router.NewClassifier(cfg.Routing)
		if err != nil {
			return nil, fmt.Errorf("invalid routing patterns: %w", err)
		}
	}

	slowThreshold, err := cfg.Monitoring.GetSlowQueryThreshold()
	if err != nil {
		return nil, fmt.Errorf("invalid slow_query_threshold: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		registry:           opts.Registry,
		balancer:           db.NewBalancer(opts.Registry),
		classifier:         classifier,
		cfg:                cfg,
		slowQueryThreshold: slowThreshold,
		history:            newQueryHistory(cfg.Monitoring.GetMaxMetricsHistory()),
		backoffBase:        time.Second,
		ctx:                loopCtx,
		cancel:             cancel,
	}

	if err := m.startLoops(); err != nil {
		cancel()
		return nil, err
	}

	return m, nil
}

// NewFromConfig builds the pgx-backed pool topology described by the
// configuration and wraps it in a manager. One pool is created for the
// write target, one per read-replica host, and one for the analytics
// target (defaulting to the first read replica).
func NewFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Manager, error) {
	registry, err := BuildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m, err := New(ctx, Options{Registry: registry, Config: cfg})
	if err != nil {
		registry.Close()
		return nil, err
	}
	return m, nil
}

// BuildRegistry constructs pgx pools for every endpoint host in the
// configuration. The write pool is required; read replicas that fail
// to connect are skipped with a warning so one dead replica does not
// block startup.
func BuildRegistry(ctx context.Context, cfg *config.DatabaseConfig) (*db.Registry, error) {
	if cfg.Write == nil || len(cfg.Write.Hosts) == 0 {
		return nil, fmt.Errorf("write endpoint with at least one host is required")
	}

	registry := db.NewRegistry()

	writeHost := cfg.Write.Hosts[0]
	writePool, err := db.NewPgxPool(ctx, cfg.Write, writeHost, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}
	registry.Register(db.NewPoolEntry("write-"+writeHost, db.RoleWrite, writePool))

	if cfg.Read != nil {
		for _, host := range cfg.Read.Hosts {
			readPool, err := db.NewPgxPool(ctx, cfg.Read, host, cfg.Debug)
			if err != nil {
				logger.Warn("skipping unreachable read replica", "host", host, "error", err)
				continue
			}
			registry.Register(db.NewPoolEntry("read-"+host, db.RoleRead, readPool))
		}
	}

	switch {
	case cfg.Analytics != nil && len(cfg.Analytics.Hosts) > 0:
		host := cfg.Analytics.Hosts[0]
		analyticsPool, err := db.NewPgxPool(ctx, cfg.Analytics, host, cfg.Debug)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to create analytics pool: %w", err)
		}
		registry.Register(db.NewPoolEntry("analytics-"+host, db.RoleAnalytics, analyticsPool))
	case len(registry.ReadPools()) > 0:
		// No dedicated analytics target: alias the first read replica.
		first := registry.ReadPools()[0]
		registry.Register(db.NewPoolEntry("analytics-"+first.Name, db.RoleAnalytics, first.Pool))
	default:
		logger.Info("no analytics or read endpoint configured, analytics queries will use the write pool")
	}

	return registry, nil
}

func (m *Manager) startLoops() error {
	if m.cfg.HealthCheck.Enabled {
		interval, err := m.cfg.HealthCheck.GetInterval()
		if err != nil {
			return fmt.Errorf("invalid health check interval: %w", err)
		}
		timeout, err := m.cfg.HealthCheck.GetTimeout()
		if err != nil {
			return fmt.Errorf("invalid health check timeout: %w", err)
		}
		m.wg.Add(1)
		go m.healthLoop(interval, timeout)
	}

	if m.cfg.AutoScale.Enabled {
		interval, err := m.cfg.AutoScale.GetInterval()
		if err != nil {
			return fmt.Errorf("invalid auto-scale interval: %w", err)
		}
		upCooldown, err := m.cfg.AutoScale.GetScaleUpCooldown()
		if err != nil {
			return fmt.Errorf("invalid scale_up_cooldown: %w", err)
		}
		downCooldown, err := m.cfg.AutoScale.GetScaleDownCooldown()
		if err != nil {
			return fmt.Errorf("invalid scale_down_cooldown: %w", err)
		}
		m.wg.Add(1)
		go m.scaleLoop(interval, upCooldown, downCooldown)
	}

	metricsInterval, err := m.cfg.Monitoring.GetMetricsInterval()
	if err != nil {
		return fmt.Errorf("invalid metrics interval: %w", err)
	}
	m.wg.Add(1)
	go m.collectLoop(metricsInterval)

	return nil
}

// QueryResult is the materialized outcome of a routed query.
type QueryResult struct {
	Columns  []string      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	RowCount int           `json:"row_count"`
	Duration time.Duration `json:"duration"`
	Pool     string        `json:"pool"`
	Class    router.Class  `json:"class"`
	// Degraded is true when the query was served by a pool that is
	// currently failing health checks because no healthy alternative
	// existed. Callers should treat results with suspicion.
	Degraded bool `json:"degraded,omitempty"`
}

func (m *Manager) roleFor(ctx context.Context, class router.Class) db.Role {
	if usePrimary, ok := ctx.Value(consts.UsePrimaryKey).(bool); ok && usePrimary {
		return db.RoleWrite
	}
	switch class {
	case router.ClassWrite:
		return db.RoleWrite
	case router.ClassAnalytics:
		return db.RoleAnalytics
	default:
		return db.RoleRead
	}
}

// Query classifies sql, selects a pool and executes the statement,
// returning the fully materialized result set. Metrics and the query
// history are updated on both success and failure.
func (m *Manager) Query(ctx context.Context, sql string, args ...any) (*QueryResult, error) {
	if m.shuttingDown.Load() {
		return nil, consts.ErrShuttingDown
	}

	class := m.classifier.Classify(sql)
	entry, degraded, err := m.balancer.PoolForRole(m.roleFor(ctx, class))
	if err != nil {
		return nil, err
	}

	start := time.Now()

	conn, err := entry.Pool.Acquire(ctx)
	if err != nil {
		return nil, m.finishQueryError(entry, class, sql, time.Since(start), err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, m.finishQueryError(entry, class, sql, time.Since(start), err)
	}

	columns := rows.Columns()
	var values [][]any
	for rows.Next() {
		rowValues, rowErr := rows.Values()
		if rowErr != nil {
			rows.Close()
			return nil, m.finishQueryError(entry, class, sql, time.Since(start), rowErr)
		}
		values = append(values, rowValues)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, m.finishQueryError(entry, class, sql, time.Since(start), err)
	}

	duration := time.Since(start)
	slow := duration > m.slowQueryThreshold
	if slow {
		logger.Warn("slow query detected",
			"pool", entry.Name,
			"duration", duration,
			"threshold", m.slowQueryThreshold,
			"query", truncateSQL(sql))
	}

	entry.RecordQuery(duration, slow, false)
	metrics.QueriesTotal.WithLabelValues(entry.Name, string(class), "success").Inc()
	metrics.QueryDuration.WithLabelValues(entry.Name, string(class)).Observe(duration.Seconds())
	if slow {
		metrics.SlowQueriesTotal.WithLabelValues(entry.Name).Inc()
	}

	m.history.Append(QueryRecord{
		Query:    sql,
		Class:    class,
		Pool:     entry.Name,
		Duration: duration,
		RowCount: len(values),
	})
	m.emit(Event{Type: EventQueryExecuted, Pool: entry.Name, Class: class, Duration: duration})

	return &QueryResult{
		Columns:  columns,
		Rows:     values,
		RowCount: len(values),
		Duration: duration,
		Pool:     entry.Name,
		Class:    class,
		Degraded: degraded,
	}, nil
}

// finishQueryError records a failed query in metrics and history and
// wraps the driver error with pool name and elapsed time.
func (m *Manager) finishQueryError(entry *db.PoolEntry, class router.Class, sql string, duration time.Duration, err error) error {
	entry.RecordQuery(duration, false, true)
	metrics.QueriesTotal.WithLabelValues(entry.Name, string(class), "failure").Inc()
	metrics.QueryDuration.WithLabelValues(entry.Name, string(class)).Observe(duration.Seconds())
	metrics.ConnectionErrorsTotal.WithLabelValues(entry.Name).Inc()

	m.history.Append(QueryRecord{
		Query:    sql,
		Class:    class,
		Pool:     entry.Name,
		Duration: duration,
		Error:    err.Error(),
	})
	m.emit(Event{Type: EventQueryError, Pool: entry.Name, Class: class, Duration: duration, Err: err})

	return &QueryError{Pool: entry.Name, Duration: duration, Err: err}
}

func truncateSQL(sql string) string {
	if len(sql) > maxRecordedQueryLen {
		return sql[:maxRecordedQueryLen]
	}
	return sql
}

// Client is an escape hatch for multi-statement work the manager does
// not model. The caller owns the connection and must call Release.
type Client struct {
	Conn db.Conn
	Pool string

	releaseOnce sync.Once
}

// Release returns the connection to its pool. Safe to call more than
// once.
func (c *Client) Release() {
	c.releaseOnce.Do(func() {
		c.Conn.Release()
	})
}

// GetClient acquires a raw connection from the pool serving the given
// class.
func (m *Manager) GetClient(ctx context.Context, class router.Class) (*Client, error) {
	if m.shuttingDown.Load() {
		return nil, consts.ErrShuttingDown
	}

	entry, _, err := m.balancer.PoolForRole(m.roleFor(ctx, class))
	if err != nil {
		return nil, err
	}
	conn, err := entry.Pool.Acquire(ctx)
	if err != nil {
		return nil, &QueryError{Pool: entry.Name, Err: err}
	}
	return &Client{Conn: conn, Pool: entry.Name}, nil
}

// RecentQueryCounts aggregates recent query volume by routing class.
type RecentQueryCounts struct {
	Window    time.Duration `json:"window"`
	Read      int           `json:"read"`
	Write     int           `json:"write"`
	Analytics int           `json:"analytics"`
}

// MetricsSnapshot is a point-in-time view of every pool plus recent
// aggregate query counts.
type MetricsSnapshot struct {
	Pools         []db.PoolMetricsSnapshot `json:"pools"`
	RecentQueries RecentQueryCounts        `json:"recent_queries"`
}

const recentQueryWindow = 5 * time.Minute

// GetMetrics snapshots all pool metrics and the query volume of the
// last five minutes split by routing class.
func (m *Manager) GetMetrics() MetricsSnapshot {
	entries := m.registry.All()
	pools := make([]db.PoolMetricsSnapshot, 0, len(entries))
	for _, e := range entries {
		pools = append(pools, e.Snapshot())
	}

	counts := m.history.CountsSince(time.Now().Add(-recentQueryWindow))
	return MetricsSnapshot{
		Pools: pools,
		RecentQueries: RecentQueryCounts{
			Window:    recentQueryWindow,
			Read:      counts[router.ClassRead],
			Write:     counts[router.ClassWrite],
			Analytics: counts[router.ClassAnalytics],
		},
	}
}

// RecentQueries returns up to n history records, newest first.
func (m *Manager) RecentQueries(n int) []QueryRecord {
	return m.history.Recent(n)
}

// Healthy reports whether every registered pool currently passes
// health checks.
func (m *Manager) Healthy() bool {
	for _, e := range m.registry.All() {
		if !e.IsHealthy() {
			return false
		}
	}
	return true
}

// Shutdown stops the background loops, waits for them, and closes all
// pools. In-flight queries complete naturally; operations started after
// shutdown begins fail with ErrShuttingDown. Idempotent.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.shuttingDown.Store(true)
		m.cancel()
		m.wg.Wait()
		m.registry.Close()
		logger.Info("pool manager shut down")
	})
}
