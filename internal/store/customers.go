package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/shopspring/decimal"
)

const customerColumns = `id, name, phone, is_active, loyalty_points, total_spent, created_at, updated_at`

func scanCustomer(row rowScanner) (*models.Customer, error) {
	c := &models.Customer{}
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Phone,
		&c.IsActive,
		&c.LoyaltyPoints,
		&c.TotalSpent,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func CreateCustomer(ctx context.Context, db *sql.DB, name, phone string, active bool) (*models.Customer, error) {
	query := `
		INSERT INTO customers (name, phone, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING ` + customerColumns

	c, err := scanCustomer(db.QueryRowContext(ctx, query, name, phone, active))
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}

func GetCustomer(ctx context.Context, db *sql.DB, id int64) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	c, err := scanCustomer(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.NotFoundError{Kind: "customer", ID: strconv.FormatInt(id, 10)}
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (t *pgTx) FindActive(ctx context.Context, customerID int64) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1 AND is_active`

	c, err := scanCustomer(t.q.QueryRowContext(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.NotFoundError{Kind: "customer", ID: strconv.FormatInt(customerID, 10)}
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (t *pgTx) Credit(ctx context.Context, customerID int64, points int64, spend decimal.Decimal) error {
	return t.adjustLoyalty(ctx, `
		UPDATE customers
		SET loyalty_points = loyalty_points + $1,
		    total_spent = total_spent + $2,
		    updated_at = NOW()
		WHERE id = $3`,
		customerID, points, spend)
}

func (t *pgTx) Debit(ctx context.Context, customerID int64, points int64, spend decimal.Decimal) error {
	return t.adjustLoyalty(ctx, `
		UPDATE customers
		SET loyalty_points = GREATEST(loyalty_points - $1, 0),
		    total_spent = GREATEST(total_spent - $2, 0),
		    updated_at = NOW()
		WHERE id = $3`,
		customerID, points, spend)
}

func (t *pgTx) adjustLoyalty(ctx context.Context, query string, customerID int64, points int64, spend decimal.Decimal) error {
	result, err := t.q.ExecContext(ctx, query, points, spend, customerID)
	if err != nil {
		return fmt.Errorf("adjust loyalty: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &sales.NotFoundError{Kind: "customer", ID: strconv.FormatInt(customerID, 10)}
	}
	return nil
}
