package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const TxKey contextKey = "db_tx"

// ErrTxConflict is returned by a TxRunner when a transaction could not be
// committed within the configured retry budget because of serialization
// failures, deadlocks, or lock-wait timeouts. Callers may retry the whole
// operation.
var ErrTxConflict = errors.New("transaction conflict")

// WithTx begins a transaction on the tenant-scoped connection carried by ctx
// and returns a derived context that routes repository calls through the
// transaction. The caller owns commit/rollback.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	return WithTxOptions(ctx, pgx.TxOptions{})
}

// WithTxOptions is WithTx with explicit isolation/access options.
func WithTxOptions(ctx context.Context, opts pgx.TxOptions) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no tenant connection on context")
	}
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, TxKey, tx), tx, nil
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// TxRunner executes a function inside a single database transaction. The
// engine's check-then-mutate sequences depend on this boundary: either every
// statement issued by fn commits, or none do.
type TxRunner interface {
	RunSerializable(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgxTxRunner runs functions in serializable transactions on the tenant
// connection from context (falling back to the pool), with a bounded
// lock timeout and automatic retry on serialization conflict.
type PgxTxRunner struct {
	pool        *pgxpool.Pool
	maxRetries  int
	lockTimeout time.Duration
}

func NewTxRunner(pool *pgxpool.Pool, maxRetries int, lockTimeout time.Duration) *PgxTxRunner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &PgxTxRunner{pool: pool, maxRetries: maxRetries, lockTimeout: lockTimeout}
}

// RunSerializable executes fn inside a serializable transaction. fn receives a
// context carrying the transaction so repositories route through it. On
// serialization failure, deadlock, or lock timeout the transaction is retried
// up to maxRetries times with linear backoff; after that the error wraps
// ErrTxConflict. Any error from fn rolls the transaction back and is returned
// unchanged.
func (r *PgxTxRunner) RunSerializable(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrTxConflict, lastErr)
}

func (r *PgxTxRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}

	var tx pgx.Tx
	var err error
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.BeginTx(ctx, opts)
	} else {
		tx, err = r.pool.BeginTx(ctx, opts)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock waits must surface as retryable failures, never hang.
	millis := r.lockTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", millis)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	txCtx := context.WithValue(ctx, TxKey, tx)
	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Postgres error codes that indicate transient transaction contention.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}
