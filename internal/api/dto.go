package api

import (
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/shopspring/decimal"
)

// Money fields accept either JSON strings ("12.50") or numbers.

type LineItemDTO struct {
	ItemID    int64            `json:"item_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  decimal.Decimal  `json:"discount"`
}

type CreateSaleRequest struct {
	CustomerID    *int64          `json:"customer_id,omitempty"`
	CashierID     int64           `json:"cashier_id"`
	Items         []LineItemDTO   `json:"items"`
	PaymentMethod string          `json:"payment_method"`
	Discount      decimal.Decimal `json:"discount"`
	Notes         string          `json:"notes"`
}

func (r CreateSaleRequest) toDomain() sales.CreateSaleRequest {
	items := make([]sales.LineItemRequest, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, sales.LineItemRequest{
			ItemID:    item.ItemID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
		})
	}
	return sales.CreateSaleRequest{
		CustomerID:    r.CustomerID,
		CashierID:     r.CashierID,
		Items:         items,
		PaymentMethod: models.PaymentMethod(r.PaymentMethod),
		Discount:      r.Discount,
		Notes:         r.Notes,
	}
}

type RefundRequest struct {
	Reason string           `json:"reason"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type ErrorResponse struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Field   string          `json:"field,omitempty"`
	Stock   *StockShortfall `json:"stock,omitempty"`
}

type StockShortfall struct {
	ItemID    int64 `json:"item_id"`
	Available int   `json:"available"`
	Requested int   `json:"requested"`
}
