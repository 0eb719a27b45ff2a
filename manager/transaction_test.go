package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernijsansons/pgrouter/config"
	"github.com/ernijsansons/pgrouter/db"
	"github.com/ernijsansons/pgrouter/testutils"
)

func TestTransactionCommit(t *testing.T) {
	topo := newTestManager(t, nil)

	var calls int
	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		calls++
		_, execErr := conn.Exec(ctx, "UPDATE accounts SET balance = balance - 10 WHERE id = 1")
		return execErr
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	assert.Equal(t, []string{
		"BEGIN",
		"UPDATE accounts SET balance = balance - 10 WHERE id = 1",
		"COMMIT",
	}, topo.primary.Executed())
	assert.Equal(t, 1, topo.primary.Releases())
}

func TestTransactionRetriesThenSucceeds(t *testing.T) {
	topo := newTestManager(t, nil)
	topo.manager.backoffBase = 20 * time.Millisecond

	var mu sync.Mutex
	var invocations []time.Time
	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		mu.Lock()
		invocations = append(invocations, time.Now())
		n := len(invocations)
		mu.Unlock()
		if n < 3 {
			return errors.New("deadlock detected")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Len(t, invocations, 3)

	// Backoff doubles: first retry waits one base unit, second two.
	assert.GreaterOrEqual(t, invocations[1].Sub(invocations[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, invocations[2].Sub(invocations[1]), 40*time.Millisecond)

	// Two failed attempts rolled back, the third committed.
	executed := topo.primary.Executed()
	assert.Equal(t, []string{"BEGIN", "ROLLBACK", "BEGIN", "ROLLBACK", "BEGIN", "COMMIT"}, executed)
	assert.Equal(t, 3, topo.primary.Releases())
}

func TestTransactionExhaustsRetries(t *testing.T) {
	topo := newTestManager(t, nil)

	boom := errors.New("x")
	var calls int
	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		calls++
		return boom
	}, &TxOptions{Retries: 2, Timeout: time.Second})
	require.Error(t, err)

	// Retries=2 means three attempts total.
	assert.Equal(t, 3, calls)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 3, txErr.Attempts)
	assert.Equal(t, "primary", txErr.Pool)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "x")
}

func TestTransactionEvents(t *testing.T) {
	topo := newTestManager(t, nil)

	var mu sync.Mutex
	var events []EventType
	topo.manager.AddEventListener(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		return nil
	}, nil)
	require.NoError(t, err)

	err = topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		return errors.New("boom")
	}, &TxOptions{Retries: 1, Timeout: time.Second})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventTransactionCompleted, EventTransactionError}, events)
}

func TestTransactionTimeout(t *testing.T) {
	topo := newTestManager(t, nil)

	// The body ignores its context and outlives the attempt timeout on
	// both attempts.
	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}, &TxOptions{Retries: 1, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// Once each body returns, its connection is rolled back and
	// released in the background.
	require.Eventually(t, func() bool {
		return topo.primary.Releases() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTransactionRollbackFailureDoesNotMaskBodyError(t *testing.T) {
	topo := newTestManager(t, nil)

	rollbackErr := errors.New("connection reset")
	topo.primary.ExecFn = func(ctx context.Context, sql string) (int64, error) {
		if sql == "ROLLBACK" {
			return 0, rollbackErr
		}
		return 0, nil
	}

	boom := errors.New("constraint violation")
	err := topo.manager.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		return boom
	}, &TxOptions{Retries: 1, Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, rollbackErr)
}

func TestTransactionFailsOverBetweenAttempts(t *testing.T) {
	registry := db.NewRegistry()
	w1Pool := testutils.NewFakePool()
	w2Pool := testutils.NewFakePool()
	w1 := db.NewPoolEntry("w1", db.RoleWrite, w1Pool)
	registry.Register(w1)
	registry.Register(db.NewPoolEntry("w2", db.RoleWrite, w2Pool))

	m, err := New(context.Background(), Options{Registry: registry, Config: &config.DatabaseConfig{}})
	require.NoError(t, err)
	m.backoffBase = time.Millisecond
	t.Cleanup(m.Shutdown)

	var attempt int
	err = m.Transaction(context.Background(), func(ctx context.Context, conn db.Conn) error {
		attempt++
		if attempt == 1 {
			// Simulate the primary going down mid-transaction.
			w1.SetHealthy(false)
			return errors.New("server closed the connection")
		}
		return nil
	}, &TxOptions{Retries: 2, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	// The retry re-selects the write pool and lands on the standby.
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, w1Pool.Executed())
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, w2Pool.Executed())
}

func TestTransactionContextCancelledDuringBackoff(t *testing.T) {
	topo := newTestManager(t, nil)
	topo.manager.backoffBase = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := topo.manager.Transaction(ctx, func(ctx context.Context, conn db.Conn) error {
		return errors.New("transient")
	}, &TxOptions{Retries: 3, Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
