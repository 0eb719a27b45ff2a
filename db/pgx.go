package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ernijsansons/pgrouter/config"
	"github.com/ernijsansons/pgrouter/logger"
)

// PgxPool adapts a pgxpool.Pool to the Pool interface.
type PgxPool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// queryTracer logs every statement at debug level when query logging
// is enabled in the configuration.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("executing query", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("query failed", "error", data.Err)
	}
}

// NewPgxPool creates a connection pool for a single host of an
// endpoint. The host may carry an explicit port; otherwise the
// endpoint's port field or the PostgreSQL default applies.
func NewPgxPool(ctx context.Context, endpoint *config.EndpointConfig, host string, debug bool) (*PgxPool, error) {
	// Handle host:port combination
	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(host, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML parsers often use int64 for numbers
				portStr = strconv.FormatInt(v, 10)
			default:
				return nil, fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432"
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		host = fmt.Sprintf("%s:%d", host, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode)

	logger.Info("connecting to database", "host", host, "database", endpoint.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}

	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	acquireTimeout, err := endpoint.GetAcquireTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid acquire_timeout: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("pool created",
		"host", host,
		"max_conns", pool.Config().MaxConns,
		"min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime,
		"max_idle", pool.Config().MaxConnIdleTime)

	return &PgxPool{pool: pool, acquireTimeout: acquireTimeout}, nil
}

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *PgxPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PgxPool) Stat() Stat {
	s := p.pool.Stat()
	return Stat{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		// pgxpool does not expose a current waiting-client count;
		// acquire waits surface through AcquireDuration instead.
		WaitingConns: 0,
	}
}

func (p *PgxPool) Close() {
	p.pool.Close()
}

func (p *PgxPool) AcquireTimeout() time.Duration {
	return p.acquireTimeout
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Values() ([]any, error) { return r.rows.Values() }
func (r *pgxRows) Err() error             { return r.rows.Err() }
func (r *pgxRows) Close()                 { r.rows.Close() }

func (r *pgxRows) Columns() []string {
	fields := r.rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return cols
}
