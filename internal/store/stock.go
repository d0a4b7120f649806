package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/pharmacy-sales/internal/config"
	"github.com/safar/pharmacy-sales/internal/database"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
)

// SetStock creates or replaces the stock record of a medicine.
func SetStock(ctx context.Context, db *sql.DB, medicineID int64, quantity, minQuantity, maxQuantity int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_records (medicine_id, quantity, min_quantity, max_quantity, updated_at, version)
		VALUES ($1, $2, $3, $4, NOW(), 1)
		ON CONFLICT (medicine_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    min_quantity = EXCLUDED.min_quantity,
		    max_quantity = EXCLUDED.max_quantity,
		    updated_at = NOW(),
		    version = stock_records.version + 1`,
		medicineID, quantity, minQuantity, maxQuantity)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func GetStock(ctx context.Context, db *sql.DB, medicineID int64) (*models.StockRecord, error) {
	rec := &models.StockRecord{}
	err := db.QueryRowContext(ctx, `
		SELECT medicine_id, quantity, min_quantity, max_quantity, updated_at, version
		FROM stock_records
		WHERE medicine_id = $1`,
		medicineID).Scan(
		&rec.MedicineID,
		&rec.Quantity,
		&rec.MinQuantity,
		&rec.MaxQuantity,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.NotFoundError{Kind: "stock record", ID: fmt.Sprint(medicineID)}
		}
		return nil, fmt.Errorf("get stock: %w", err)
	}
	return rec, nil
}

// ListMovements returns the stock audit trail of a medicine, oldest first.
func ListMovements(ctx context.Context, db *sql.DB, medicineID int64) ([]models.StockMovement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, medicine_id, sale_id, kind, delta, created_at
		FROM stock_movements
		WHERE medicine_id = $1
		ORDER BY created_at, id`,
		medicineID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var movements []models.StockMovement
	for rows.Next() {
		var mv models.StockMovement
		if err := rows.Scan(&mv.ID, &mv.MedicineID, &mv.SaleID, &mv.Kind, &mv.Delta, &mv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return movements, nil
}

func (t *pgTx) TryReserve(ctx context.Context, itemID int64, quantity int) (*sales.Reservation, error) {
	if t.opts.LockMode == config.LockModeOptimistic {
		return t.reserveOptimistic(ctx, itemID, quantity)
	}
	return t.reserveLocked(ctx, itemID, quantity)
}

// reserveLocked holds the stock row with FOR UPDATE until the unit ends.
// Waits are bounded by the transaction's lock_timeout.
func (t *pgTx) reserveLocked(ctx context.Context, itemID int64, quantity int) (*sales.Reservation, error) {
	var available, minQuantity int
	err := t.q.QueryRowContext(ctx, `
		SELECT quantity, min_quantity
		FROM stock_records
		WHERE medicine_id = $1
		FOR UPDATE`,
		itemID).Scan(&available, &minQuantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.InsufficientStockError{ItemID: itemID, Available: 0, Requested: quantity}
		}
		return nil, lockError(fmt.Errorf("lock stock %d: %w", itemID, err))
	}

	if available < quantity {
		return nil, &sales.InsufficientStockError{ItemID: itemID, Available: available, Requested: quantity}
	}

	_, err = t.q.ExecContext(ctx, `
		UPDATE stock_records
		SET quantity = quantity - $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE medicine_id = $2`,
		quantity, itemID)
	if err != nil {
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	remaining := available - quantity
	return &sales.Reservation{
		ItemID:       itemID,
		Quantity:     quantity,
		Remaining:    remaining,
		BelowMinimum: remaining < minQuantity,
	}, nil
}

// reserveOptimistic reads without locking and applies the decrement only if
// the version is unchanged, retrying a bounded number of times.
func (t *pgTx) reserveOptimistic(ctx context.Context, itemID int64, quantity int) (*sales.Reservation, error) {
	var reservation *sales.Reservation

	// Any SQL error aborts the surrounding transaction, so only a lost
	// version race is worth another attempt.
	retry := database.DefaultRetryOptions()
	if t.opts.ReserveMaxRetries > 0 {
		retry.MaxRetries = t.opts.ReserveMaxRetries
	}
	retry.Retryable = func(err error) bool {
		return errors.Is(err, database.ErrOptimisticLockFailed)
	}

	err := database.Retry(ctx, retry, func(int) error {
		var available, minQuantity, version int
		err := t.q.QueryRowContext(ctx, `
			SELECT quantity, min_quantity, version
			FROM stock_records
			WHERE medicine_id = $1`,
			itemID).Scan(&available, &minQuantity, &version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &sales.InsufficientStockError{ItemID: itemID, Available: 0, Requested: quantity}
			}
			return lockError(fmt.Errorf("read stock %d: %w", itemID, err))
		}

		if available < quantity {
			return &sales.InsufficientStockError{ItemID: itemID, Available: available, Requested: quantity}
		}

		result, err := t.q.ExecContext(ctx, `
			UPDATE stock_records
			SET quantity = quantity - $1,
			    version = version + 1,
			    updated_at = NOW()
			WHERE medicine_id = $2 AND version = $3`,
			quantity, itemID, version)
		if err != nil {
			return lockError(fmt.Errorf("decrement stock: %w", err))
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return database.ErrOptimisticLockFailed
		}

		remaining := available - quantity
		reservation = &sales.Reservation{
			ItemID:       itemID,
			Quantity:     quantity,
			Remaining:    remaining,
			BelowMinimum: remaining < minQuantity,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrRetriesExhausted) {
			return nil, fmt.Errorf("%w: reserve item %d: %w", sales.ErrConcurrencyAborted, itemID, err)
		}
		return nil, err
	}
	return reservation, nil
}

func (t *pgTx) Restore(ctx context.Context, itemID int64, quantity int) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_records (medicine_id, quantity, updated_at, version)
		VALUES ($1, $2, NOW(), 1)
		ON CONFLICT (medicine_id) DO UPDATE
		SET quantity = stock_records.quantity + EXCLUDED.quantity,
		    version = stock_records.version + 1,
		    updated_at = NOW()`,
		itemID, quantity)
	if err != nil {
		return lockError(fmt.Errorf("restore stock: %w", err))
	}
	return nil
}

func (t *pgTx) RecordMovement(ctx context.Context, mv models.StockMovement) error {
	if mv.ID == "" {
		mv.ID = uuid.NewString()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, medicine_id, sale_id, kind, delta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		mv.ID, mv.MedicineID, mv.SaleID, mv.Kind, mv.Delta, mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// lockError reports a lock_not_available failure as database.ErrLockTimeout.
func lockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
		return fmt.Errorf("%w: %w", database.ErrLockTimeout, err)
	}
	return err
}
