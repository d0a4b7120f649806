package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
)

const medicineColumns = `id, sku, name, selling_price, batch_number, expiry_date, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedicine(row rowScanner) (*models.Medicine, error) {
	med := &models.Medicine{}
	var expiry sql.NullTime

	err := row.Scan(
		&med.ID,
		&med.SKU,
		&med.Name,
		&med.SellingPrice,
		&med.BatchNumber,
		&expiry,
		&med.IsActive,
		&med.CreatedAt,
		&med.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		med.ExpiryDate = &expiry.Time
	}
	return med, nil
}

// CreateMedicine inserts a catalog item. Catalog maintenance lives outside
// the sales engine; this exists for seeding and tests.
func CreateMedicine(ctx context.Context, db *sql.DB, med models.Medicine) (*models.Medicine, error) {
	var expiry sql.NullTime
	if med.ExpiryDate != nil {
		expiry = sql.NullTime{Time: *med.ExpiryDate, Valid: true}
	}

	query := `
		INSERT INTO medicines (sku, name, selling_price, batch_number, expiry_date, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING ` + medicineColumns

	created, err := scanMedicine(db.QueryRowContext(ctx, query,
		med.SKU, med.Name, med.SellingPrice, med.BatchNumber, expiry, med.IsActive))
	if err != nil {
		return nil, fmt.Errorf("create medicine: %w", err)
	}
	return created, nil
}

func (t *pgTx) FindSellable(ctx context.Context, itemID int64) (*models.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE id = $1`

	med, err := scanMedicine(t.q.QueryRowContext(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sales.NotFoundError{Kind: "item", ID: strconv.FormatInt(itemID, 10)}
		}
		return nil, fmt.Errorf("get medicine: %w", err)
	}
	return med, nil
}
