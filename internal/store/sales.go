package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
)

const saleColumns = `id, sale_number, customer_id, cashier_id, subtotal, tax_amount, discount_amount,
	total_amount, payment_method, status, notes, created_at, updated_at`

func (t *pgTx) NextSequence(ctx context.Context, period string) (int64, error) {
	var value int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (period, last_value)
		VALUES ($1, 1)
		ON CONFLICT (period) DO UPDATE
		SET last_value = sale_sequences.last_value + 1
		RETURNING last_value`,
		period).Scan(&value)
	if err != nil {
		return 0, lockError(fmt.Errorf("next sale sequence: %w", err))
	}
	return value, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale *models.Sale) error {
	var customerID sql.NullInt64
	if sale.CustomerID != nil {
		customerID = sql.NullInt64{Int64: *sale.CustomerID, Valid: true}
	}

	err := t.q.QueryRowContext(ctx, `
		INSERT INTO sales (sale_number, customer_id, cashier_id, subtotal, tax_amount, discount_amount,
		                   total_amount, payment_method, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		sale.Number, customerID, sale.CashierID, sale.Subtotal, sale.TaxAmount, sale.DiscountAmount,
		sale.TotalAmount, sale.PaymentMethod, sale.Status, sale.Notes, sale.CreatedAt, sale.UpdatedAt,
	).Scan(&sale.ID)
	if err != nil {
		return fmt.Errorf("create sale: %w", err)
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		item.SaleID = sale.ID

		var expiry sql.NullTime
		if item.ExpiryDate != nil {
			expiry = sql.NullTime{Time: *item.ExpiryDate, Valid: true}
		}

		err := t.q.QueryRowContext(ctx, `
			INSERT INTO sale_items (sale_id, medicine_id, quantity, unit_price, discount, line_total,
			                        batch_number, expiry_date, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			item.SaleID, item.MedicineID, item.Quantity, item.UnitPrice, item.Discount, item.LineTotal,
			item.BatchNumber, expiry, item.CreatedAt,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("create sale item: %w", err)
		}
	}

	return nil
}

func (t *pgTx) LockSale(ctx context.Context, number string) (*models.Sale, error) {
	return getSale(ctx, t.q, number, true)
}

func (t *pgTx) MarkRefunded(ctx context.Context, saleID int64, notes string, at time.Time) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE sales
		SET status = $1, notes = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.SaleStatusRefunded, notes, at, saleID, models.SaleStatusCompleted)
	if err != nil {
		return fmt.Errorf("update sale status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: sale %d is no longer completed", sales.ErrNotRefundable, saleID)
	}
	return nil
}

func getSale(ctx context.Context, q querier, number string, forUpdate bool) (*models.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE sale_number = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	sale := &models.Sale{}
	var customerID sql.NullInt64
	err := q.QueryRowContext(ctx, query, number).Scan(
		&sale.ID,
		&sale.Number,
		&customerID,
		&sale.CashierID,
		&sale.Subtotal,
		&sale.TaxAmount,
		&sale.DiscountAmount,
		&sale.TotalAmount,
		&sale.PaymentMethod,
		&sale.Status,
		&sale.Notes,
		&sale.CreatedAt,
		&sale.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.NotFoundError{Kind: "sale", ID: number}
		}
		return nil, lockError(fmt.Errorf("get sale: %w", err))
	}
	if customerID.Valid {
		id := customerID.Int64
		sale.CustomerID = &id
	}

	items, err := getSaleItems(ctx, q, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	return sale, nil
}

func getSaleItems(ctx context.Context, q querier, saleID int64) ([]models.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, medicine_id, quantity, unit_price, discount, line_total,
		       batch_number, expiry_date, created_at
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id`,
		saleID)
	if err != nil {
		return nil, fmt.Errorf("get sale items: %w", err)
	}
	defer rows.Close()

	var items []models.SaleItem
	for rows.Next() {
		var item models.SaleItem
		var expiry sql.NullTime
		err := rows.Scan(
			&item.ID,
			&item.SaleID,
			&item.MedicineID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Discount,
			&item.LineTotal,
			&item.BatchNumber,
			&expiry,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sale item: %w", err)
		}
		if expiry.Valid {
			item.ExpiryDate = &expiry.Time
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// CountSales returns how many sales carry the given status.
func CountSales(ctx context.Context, db *sql.DB, status models.SaleStatus) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sales: %w", err)
	}
	return n, nil
}
