package sales

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RefundRequest struct {
	SaleNumber string
	Reason     string
	// Amount defaults to the sale total. Stock is restored in full either way.
	Amount *decimal.Decimal
}

func (r RefundRequest) validate() error {
	if strings.TrimSpace(r.SaleNumber) == "" {
		return invalid("sale_number", "is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return invalid("reason", "is required")
	}
	return nil
}

// RefundSale reverses a completed sale: stock for every line is restored,
// loyalty is debited by the refunded amount, and the sale moves to refunded.
// The status change is the last write of the unit and guards against a
// second refund.
func (s *Service) RefundSale(ctx context.Context, req RefundRequest) (*models.RefundReceipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reason := strings.TrimSpace(req.Reason)
	var receipt *models.RefundReceipt

	err := s.store.RunAtomic(ctx, func(tx Tx) error {
		sale, err := tx.LockSale(ctx, req.SaleNumber)
		if err != nil {
			return err
		}

		switch sale.Status {
		case models.SaleStatusCompleted:
		case models.SaleStatusRefunded:
			return &AlreadyRefundedError{SaleNumber: sale.Number}
		default:
			return fmt.Errorf("%w: sale %s is %s", ErrNotRefundable, sale.Number, sale.Status)
		}

		amount, err := refundAmount(sale, req.Amount)
		if err != nil {
			return err
		}

		restored := restoredItems(sale.Items)
		for _, item := range restored {
			if err := tx.Restore(ctx, item.MedicineID, item.Quantity); err != nil {
				return fmt.Errorf("restore item %d: %w", item.MedicineID, err)
			}
			err := tx.RecordMovement(ctx, models.StockMovement{
				MedicineID: item.MedicineID,
				SaleID:     sale.ID,
				Kind:       models.MovementRefund,
				Delta:      item.Quantity,
				CreatedAt:  now,
			})
			if err != nil {
				return fmt.Errorf("record stock movement: %w", err)
			}
		}

		var points int64
		if sale.CustomerID != nil {
			points = s.loyalty.Points(amount)
			if err := tx.Debit(ctx, *sale.CustomerID, points, amount); err != nil {
				return fmt.Errorf("debit loyalty: %w", err)
			}
		}

		notes := appendNote(sale.Notes, fmt.Sprintf("[%s] refunded %s: %s",
			now.Format(time.RFC3339), amount.StringFixed(pricing.MinorUnits), reason))
		if err := tx.MarkRefunded(ctx, sale.ID, notes, now); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}

		receipt = &models.RefundReceipt{
			SaleID:         sale.ID,
			SaleNumber:     sale.Number,
			Amount:         amount,
			SaleTotal:      sale.TotalAmount,
			Partial:        amount.LessThan(sale.TotalAmount),
			Reason:         reason,
			PointsReversed: points,
			Restored:       restored,
			RefundedAt:     now,
		}
		return nil
	})
	if err != nil {
		err = abortReason(err)
		s.logger.Warn("refund rolled back",
			zap.String("sale_number", req.SaleNumber),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("sale refunded",
		zap.String("sale_number", receipt.SaleNumber),
		zap.String("amount", receipt.Amount.StringFixed(pricing.MinorUnits)),
		zap.Bool("partial", receipt.Partial),
		zap.Int64("points_reversed", receipt.PointsReversed),
	)
	return receipt, nil
}

func refundAmount(sale *models.Sale, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return sale.TotalAmount, nil
	}

	amount := *requested
	fail := func(reason string) error {
		return &InvalidRefundAmountError{Requested: amount, SaleTotal: sale.TotalAmount, Reason: reason}
	}

	switch {
	case !amount.IsPositive():
		return decimal.Zero, fail("must be positive")
	case !inMinorUnits(amount):
		return decimal.Zero, fail("too many decimal places")
	case amount.GreaterThan(sale.TotalAmount):
		return decimal.Zero, fail("exceeds sale total")
	}
	return amount, nil
}

// restoredItems sums line quantities per item, in ascending item id order.
func restoredItems(items []models.SaleItem) []models.RestoredItem {
	totals := make(map[int64]int, len(items))
	for _, item := range items {
		totals[item.MedicineID] += item.Quantity
	}

	out := make([]models.RestoredItem, 0, len(totals))
	for id, q := range totals {
		out = append(out, models.RestoredItem{MedicineID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicineID < out[j].MedicineID })
	return out
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
