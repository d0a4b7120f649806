package sales

import (
	"context"
	"time"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/shopspring/decimal"
)

// ItemCatalog resolves catalog items. FindSellable returns a *NotFoundError
// for unknown ids; inactive and expired items are returned as-is and judged
// by the coordinator.
type ItemCatalog interface {
	FindSellable(ctx context.Context, itemID int64) (*models.Medicine, error)
}

// CustomerDirectory returns a *NotFoundError for unknown or inactive customers.
type CustomerDirectory interface {
	FindActive(ctx context.Context, customerID int64) (*models.Customer, error)
}

// Reservation is the result of a successful TryReserve.
type Reservation struct {
	ItemID       int64
	Quantity     int
	Remaining    int
	BelowMinimum bool
}

// StockLedger mutates per-item stock counters. TryReserve is linearizable
// per item: it either decrements by quantity or returns an
// *InsufficientStockError without changing anything. Restore is additive.
type StockLedger interface {
	TryReserve(ctx context.Context, itemID int64, quantity int) (*Reservation, error)
	Restore(ctx context.Context, itemID int64, quantity int) error
	RecordMovement(ctx context.Context, m models.StockMovement) error
}

type SaleRepository interface {
	// NextSequence atomically increments and returns the counter for period.
	NextSequence(ctx context.Context, period string) (int64, error)
	// InsertSale stores the sale and its items, filling in generated ids.
	InsertSale(ctx context.Context, sale *models.Sale) error
	// LockSale loads a sale with its items and holds it against concurrent
	// refunds until the enclosing unit ends.
	LockSale(ctx context.Context, number string) (*models.Sale, error)
	MarkRefunded(ctx context.Context, saleID int64, notes string, at time.Time) error
}

type LoyaltyAccounts interface {
	Credit(ctx context.Context, customerID int64, points int64, spend decimal.Decimal) error
	// Debit subtracts points and spend, flooring both at zero.
	Debit(ctx context.Context, customerID int64, points int64, spend decimal.Decimal) error
}

// Tx is the set of collaborators available inside one atomic unit.
type Tx interface {
	ItemCatalog
	CustomerDirectory
	StockLedger
	SaleRepository
	LoyaltyAccounts
}

// Store is the transactional envelope. RunAtomic commits every mutation fn
// made through its Tx when fn returns nil, and none of them otherwise.
type Store interface {
	RunAtomic(ctx context.Context, fn func(Tx) error) error
	GetSale(ctx context.Context, number string) (*models.Sale, error)
}
