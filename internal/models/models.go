package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Medicine is a catalog item as seen by the sales engine.
type Medicine struct {
	ID           int64           `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	BatchNumber  string          `json:"batch_number,omitempty"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExpiredOn reports whether the item is past its expiry date on day.
func (m *Medicine) ExpiredOn(day time.Time) bool {
	if m.ExpiryDate == nil {
		return false
	}
	y, mo, d := day.Date()
	y2, mo2, d2 := m.ExpiryDate.Date()
	return time.Date(y2, mo2, d2, 0, 0, 0, 0, time.UTC).Before(time.Date(y, mo, d, 0, 0, 0, 0, time.UTC))
}

type StockRecord struct {
	MedicineID  int64     `json:"medicine_id"`
	Quantity    int       `json:"quantity"`
	MinQuantity int       `json:"min_quantity"`
	MaxQuantity int       `json:"max_quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

type MovementKind string

const (
	MovementSale   MovementKind = "sale"
	MovementRefund MovementKind = "refund"
)

// StockMovement is one immutable entry of the stock audit trail. Delta is
// negative for sales and positive for refund restores.
type StockMovement struct {
	ID         string       `json:"id"`
	MedicineID int64        `json:"medicine_id"`
	SaleID     int64        `json:"sale_id"`
	Kind       MovementKind `json:"kind"`
	Delta      int          `json:"delta"`
	CreatedAt  time.Time    `json:"created_at"`
}

type Customer struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone,omitempty"`
	IsActive      bool            `json:"is_active"`
	LoyaltyPoints int64           `json:"loyalty_points"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentInsurance PaymentMethod = "insurance"
	PaymentCredit    PaymentMethod = "credit"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentInsurance, PaymentCredit:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusRefunded  SaleStatus = "refunded"
	SaleStatusCancelled SaleStatus = "cancelled"
)

type Sale struct {
	ID             int64           `json:"id"`
	Number         string          `json:"sale_number"`
	CustomerID     *int64          `json:"customer_id,omitempty"`
	CashierID      int64           `json:"cashier_id"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	Status         SaleStatus      `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []SaleItem      `json:"items,omitempty"`
}

// SaleItem freezes price and batch data at the moment of sale.
type SaleItem struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"sale_id"`
	MedicineID  int64           `json:"medicine_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	LineTotal   decimal.Decimal `json:"line_total"`
	BatchNumber string          `json:"batch_number,omitempty"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type RestoredItem struct {
	MedicineID int64 `json:"medicine_id"`
	Quantity   int   `json:"quantity"`
}

type RefundReceipt struct {
	SaleID         int64           `json:"sale_id"`
	SaleNumber     string          `json:"sale_number"`
	Amount         decimal.Decimal `json:"amount"`
	SaleTotal      decimal.Decimal `json:"sale_total"`
	Partial        bool            `json:"partial"`
	Reason         string          `json:"reason"`
	PointsReversed int64           `json:"points_reversed"`
	Restored       []RestoredItem  `json:"restored"`
	RefundedAt     time.Time       `json:"refunded_at"`
}
