package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/ernijsansons/pgrouter/consts"
	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/logger"
	"github.com/ernijsansons/pgrouter/pkg/metrics"
	"github.com/ernijsansons/pgrouter/pkg/retry"
)

// TxFunc is the body of a transaction. It receives a connection with
// an open transaction; the manager issues BEGIN/COMMIT/ROLLBACK around
// it. The context is cancelled when the attempt times out and the body
// should stop work when it fires.
type TxFunc func(ctx context.Context, conn db.Conn) error

// TxOptions controls transaction retry behavior.
type TxOptions struct {
	Retries int           // Retry attempts after the first failure (default 3)
	Timeout time.Duration // Per-attempt timeout for the body (default 30s)
}

func (o *TxOptions) withDefaults() TxOptions {
	opts := TxOptions{Retries: 3, Timeout: 30 * time.Second}
	if o != nil {
		if o.Retries > 0 {
			opts.Retries = o.Retries
		}
		if o.Timeout > 0 {
			opts.Timeout = o.Timeout
		}
	}
	return opts
}

// Transaction runs fn inside BEGIN/COMMIT on the write pool, retrying
// failed attempts with exponential backoff (1s, 2s, 4s, ... between
// attempts, no jitter) against a freshly selected write pool each
// time. On failure or timeout the transaction is rolled back; rollback
// errors are logged, never propagated over the original error. After
// exhausting retries the last error is returned wrapped in a TxError.
func (m *Manager) Transaction(ctx context.Context, fn TxFunc, opts *TxOptions) error {
	if m.shuttingDown.Load() {
		return consts.ErrShuttingDown
	}

	o := opts.withDefaults()
	backoff := retry.ExponentialBackoff(retry.BackoffConfig{
		InitialInterval: m.backoffBase,
		Multiplier:      2.0,
	})

	start := time.Now()
	var lastErr error
	var lastPool string

	for attempt := 0; attempt <= o.Retries; attempt++ {
		if attempt > 0 {
			metrics.TransactionRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return &TxError{Attempts: attempt, Pool: lastPool, Err: ctx.Err()}
			case <-time.After(backoff(attempt)):
			}
		}
		if m.shuttingDown.Load() {
			return consts.ErrShuttingDown
		}

		// Transactions always target the write pool, re-selected on
		// every attempt so a failover between attempts is picked up.
		entry, degraded, err := m.balancer.WritePool()
		if err != nil {
			return err
		}
		if degraded {
			logger.Warn("transaction attempting against degraded write pool", "pool", entry.Name, "attempt", attempt+1)
		}
		lastPool = entry.Name

		err = m.runTxAttempt(ctx, entry, fn, o.Timeout)
		if err == nil {
			duration := time.Since(start)
			metrics.TransactionsTotal.WithLabelValues("commit").Inc()
			metrics.TransactionDuration.Observe(duration.Seconds())
			m.emit(Event{Type: EventTransactionCompleted, Pool: entry.Name, Duration: duration})
			return nil
		}

		lastErr = err
		logger.Warn("transaction attempt failed",
			"pool", entry.Name,
			"attempt", attempt+1,
			"max_attempts", o.Retries+1,
			"error", err)
	}

	duration := time.Since(start)
	metrics.TransactionDuration.Observe(duration.Seconds())
	m.emit(Event{Type: EventTransactionError, Pool: lastPool, Duration: duration, Err: lastErr})

	return &TxError{Attempts: o.Retries + 1, Pool: lastPool, Err: lastErr}
}

// runTxAttempt executes one BEGIN/body/COMMIT cycle. The connection is
// always released, even when the body outlives the attempt timeout.
func (m *Manager) runTxAttempt(ctx context.Context, entry *db.PoolEntry, fn TxFunc, timeout time.Duration) error {
	conn, err := entry.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection from pool %s: %w", entry.Name, err)
	}

	txCtx, cancel := context.WithTimeout(ctx, timeout)

	if _, err := conn.Exec(txCtx, "BEGIN"); err != nil {
		cancel()
		conn.Release()
		return fmt.Errorf("begin failed on pool %s: %w", entry.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(txCtx, conn)
	}()

	select {
	case err = <-done:
	case <-txCtx.Done():
		// The body still owns the connection. Statements are not
		// forcibly cancelled; once the body returns, roll back and
		// release in the background.
		go func() {
			<-done
			m.rollback(conn, entry.Name)
			conn.Release()
			cancel()
		}()
		return fmt.Errorf("transaction timed out after %s on pool %s: %w", timeout, entry.Name, txCtx.Err())
	}

	if err == nil {
		if _, commitErr := conn.Exec(txCtx, "COMMIT"); commitErr != nil {
			err = fmt.Errorf("commit failed on pool %s: %w", entry.Name, commitErr)
		}
	}

	if err != nil {
		m.rollback(conn, entry.Name)
	}

	cancel()
	conn.Release()
	return err
}

// rollback issues ROLLBACK on a connection whose attempt context may
// already be dead. Failures are logged only: the original error is
// what callers need to see.
func (m *Manager) rollback(conn db.Conn, pool string) {
	rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.Exec(rbCtx, "ROLLBACK"); err != nil {
		logger.Warn("rollback failed", "pool", pool, "error", err)
	}
	metrics.TransactionsTotal.WithLabelValues("rollback").Inc()
}
