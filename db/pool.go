// Package db owns the physical connection pools: the driver-facing
// Pool/Conn abstraction, the pgx-backed production implementation, the
// registry of named pools and the load balancer selecting among them.
package db

import (
	"context"
	"time"
)

// Role identifies which traffic a pool serves.
type Role string

const (
	RoleWrite     Role = "write"
	RoleRead      Role = "read"
	RoleAnalytics Role = "analytics"
)

// Stat is a point-in-time view of a pool's connection counts.
type Stat struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
	WaitingConns  int32
}

// Rows is the minimal result-set surface the manager needs. It mirrors
// the pgx.Rows iteration contract: Next/Values until Next returns
// false, then Err, and Close releases the underlying connection state.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
	Columns() []string
}

// Conn is a single connection checked out of a pool. Release returns
// it to the pool and must always be called, exactly once.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Release()
}

// Pool is the shape any SQL-speaking connection library must satisfy
// to be managed. The manager depends only on this abstraction; the
// production implementation wraps pgxpool.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Stat() Stat
	Close()
}

// Resizer is optionally implemented by pools whose connection library
// supports live pool-size adjustment. The auto-scaler uses it when
// present and otherwise only emits scaling events.
type Resizer interface {
	Resize(maxConns int32) error
}

// AcquireTimeouter is optionally implemented by pools that carry their
// own acquire timeout; the manager bounds Acquire with it.
type AcquireTimeouter interface {
	AcquireTimeout() time.Duration
}
