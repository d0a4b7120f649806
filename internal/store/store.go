package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/pharmacy-sales/internal/config"
	"github.com/safar/pharmacy-sales/internal/database"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Options struct {
	LockTimeout       time.Duration
	LockMode          config.LockMode
	ReserveMaxRetries int
}

func OptionsFromConfig(cfg config.StockConfig) Options {
	return Options{
		LockTimeout:       cfg.LockTimeout,
		LockMode:          cfg.LockMode,
		ReserveMaxRetries: cfg.ReserveMaxRetries,
	}
}

// Store implements sales.Store on PostgreSQL. Each atomic unit is one
// READ COMMITTED transaction; stock rows are serialized by row locks.
type Store struct {
	db   *sql.DB
	opts Options
}

var _ sales.Store = (*Store)(nil)

func New(db *sql.DB, opts Options) *Store {
	if opts.LockMode == "" {
		opts.LockMode = config.LockModePessimistic
	}
	return &Store{db: db, opts: opts}
}

func (s *Store) RunAtomic(ctx context.Context, fn func(sales.Tx) error) error {
	txOpts := database.DefaultTxOptions()
	if s.opts.LockTimeout > 0 {
		txOpts.LockTimeout = s.opts.LockTimeout
	}

	err := database.WithTransaction(ctx, s.db, txOpts, func(tx *sql.Tx) error {
		return fn(&pgTx{q: tx, opts: s.opts})
	})
	if err == nil || errors.Is(err, sales.ErrConcurrencyAborted) {
		return err
	}
	if database.IsAborted(err) {
		return fmt.Errorf("%w: %s: %w", sales.ErrConcurrencyAborted, database.ClassifyError(err), err)
	}
	return err
}

func (s *Store) GetSale(ctx context.Context, number string) (*models.Sale, error) {
	return getSale(ctx, s.db, number, false)
}

// pgTx implements sales.Tx on one open transaction.
type pgTx struct {
	q    querier
	opts Options
}

var _ sales.Tx = (*pgTx)(nil)
