package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/ernijsansons/pgrouter/db"
)

// FakeRows is a canned result set implementing db.Rows.
type FakeRows struct {
	columns []string
	rows    [][]any
	idx     int
	err     error
}

// NewFakeRows builds a result set from column names and row values.
func NewFakeRows(columns []string, rows [][]any) *FakeRows {
	return &FakeRows{columns: columns, rows: rows, idx: -1}
}

func (r *FakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *FakeRows) Values() ([]any, error) {
	return r.rows[r.idx], nil
}

func (r *FakeRows) Err() error        { return r.err }
func (r *FakeRows) Close()            {}
func (r *FakeRows) Columns() []string { return r.columns }

// FakePool is an in-memory db.Pool with controllable behavior. All
// fields must be set before the pool is shared between goroutines;
// the execution log and counters are internally synchronized.
type FakePool struct {
	mu sync.Mutex

	// Behavior knobs
	PingErr    error                                                  // Ping result
	AcquireErr error                                                  // Acquire failure
	QueryErr   error                                                  // Query failure
	QueryRows  *FakeRows                                              // Result template; nil means empty result
	QueryDelay time.Duration                                          // Simulated execution time
	ExecFn     func(ctx context.Context, sql string) (int64, error)   // Optional Exec hook
	ResizeErr  error

	// Reported pool stats
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	WaitingConns  int32

	// Observed state
	executed    []string
	acquires    int
	releases    int
	closeCount  int
	resizeCalls []int32
}

func NewFakePool() *FakePool {
	return &FakePool{TotalConns: 10, IdleConns: 10}
}

func (p *FakePool) Acquire(ctx context.Context) (db.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	p.acquires++
	return &fakeConn{pool: p}, nil
}

func (p *FakePool) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

// SetPingErr flips the probe result; safe to call concurrently with a
// running health monitor.
func (p *FakePool) SetPingErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PingErr = err
}

func (p *FakePool) Stat() db.Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return db.Stat{
		TotalConns:    p.TotalConns,
		IdleConns:     p.IdleConns,
		AcquiredConns: p.AcquiredConns,
		WaitingConns:  p.WaitingConns,
	}
}

func (p *FakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
}

func (p *FakePool) Resize(maxConns int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ResizeErr != nil {
		return p.ResizeErr
	}
	p.resizeCalls = append(p.resizeCalls, maxConns)
	return nil
}

// Executed returns the SQL statements run against this pool, in order.
func (p *FakePool) Executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.executed))
	copy(out, p.executed)
	return out
}

func (p *FakePool) Acquires() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *FakePool) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

func (p *FakePool) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

func (p *FakePool) ResizeCalls() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int32, len(p.resizeCalls))
	copy(out, p.resizeCalls)
	return out
}

func (p *FakePool) record(sql string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, sql)
}

type fakeConn struct {
	pool     *FakePool
	released bool
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	c.pool.record(sql)
	if c.pool.QueryDelay > 0 {
		select {
		case <-time.After(c.pool.QueryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pool.QueryErr != nil {
		return nil, c.pool.QueryErr
	}
	rows := c.pool.QueryRows
	if rows == nil {
		return NewFakeRows(nil, nil), nil
	}
	// Hand out a fresh iterator over the template data.
	return NewFakeRows(rows.columns, rows.rows), nil
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.pool.record(sql)
	if c.pool.ExecFn != nil {
		return c.pool.ExecFn(ctx, sql)
	}
	return 0, nil
}

func (c *fakeConn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.pool.mu.Lock()
	c.pool.releases++
	c.pool.mu.Unlock()
}
