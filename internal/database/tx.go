package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	// LockTimeout bounds every row-lock wait inside the transaction.
	// Zero leaves the server default in place.
	LockTimeout time.Duration
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		LockTimeout:    5 * time.Second,
	}
}

// WithTransaction runs fn inside a single transaction. Any error from fn, or
// from commit, rolls back every statement fn issued.
func WithTransaction(ctx context.Context, db *sql.DB, opts TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.LockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

type RetryOptions struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable decides which errors earn another attempt. Nil means
	// optimistic lock failures plus IsRetryable.
	Retryable func(error) bool
}

const maxBackoff = 500 * time.Millisecond

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		Backoff:    10 * time.Millisecond,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxRetries extra attempts have been spent. Waits grow exponentially with
// jitter. It never opens a transaction itself; callers use it for single
// statements that may lose an optimistic race.
func Retry(ctx context.Context, opts RetryOptions, fn func(attempt int) error) error {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = func(err error) bool {
			return errors.Is(err, ErrOptimisticLockFailed) || IsRetryable(err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		if attempt == opts.MaxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff/4) + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("%w: max retries (%d) exceeded: %w", ErrRetriesExhausted, opts.MaxRetries, lastErr)
}
