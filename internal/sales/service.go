package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/safar/pharmacy-sales/internal/loyalty"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Policy carries the business constants of the engine.
type Policy struct {
	TaxRate       decimal.Decimal
	PointsDivisor decimal.Decimal
	NumberPrefix  string
}

// Service coordinates sale creation and refunds. It holds only immutable
// configuration and is safe for concurrent use.
type Service struct {
	store   Store
	pricing pricing.Policy
	loyalty loyalty.Policy
	prefix  string
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps and sale numbers.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, policy Policy, opts ...Option) *Service {
	prefix := policy.NumberPrefix
	if prefix == "" {
		prefix = "SALE"
	}

	s := &Service{
		store:   store,
		pricing: pricing.Policy{TaxRate: policy.TaxRate},
		loyalty: loyalty.Policy{PointsDivisor: policy.PointsDivisor},
		prefix:  prefix,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type LineItemRequest struct {
	ItemID   int64
	Quantity int
	// UnitPrice overrides the catalog selling price when set.
	UnitPrice *decimal.Decimal
	Discount  decimal.Decimal
}

type CreateSaleRequest struct {
	CustomerID    *int64
	CashierID     int64
	Items         []LineItemRequest
	PaymentMethod models.PaymentMethod
	Discount      decimal.Decimal
	Notes         string
}

func (r CreateSaleRequest) validate() error {
	if r.CashierID <= 0 {
		return invalid("cashier_id", "must be a positive id")
	}
	if r.CustomerID != nil && *r.CustomerID <= 0 {
		return invalid("customer_id", "must be a positive id")
	}
	if len(r.Items) == 0 {
		return invalid("items", "at least one line item is required")
	}
	if !r.PaymentMethod.Valid() {
		return invalid("payment_method", "unsupported payment method %q", r.PaymentMethod)
	}
	if r.Discount.IsNegative() {
		return invalid("discount", "must not be negative")
	}
	if !inMinorUnits(r.Discount) {
		return invalid("discount", "too many decimal places")
	}
	for i, item := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ItemID <= 0 {
			return invalid(field+".item_id", "must be a positive id")
		}
		if item.Quantity <= 0 {
			return invalid(field+".quantity", "must be positive")
		}
		if item.Discount.IsNegative() {
			return invalid(field+".discount", "must not be negative")
		}
		if !inMinorUnits(item.Discount) {
			return invalid(field+".discount", "too many decimal places")
		}
		if item.UnitPrice != nil {
			if item.UnitPrice.IsNegative() {
				return invalid(field+".unit_price", "must not be negative")
			}
			if !inMinorUnits(*item.UnitPrice) {
				return invalid(field+".unit_price", "too many decimal places")
			}
		}
	}
	return nil
}

func inMinorUnits(d decimal.Decimal) bool {
	return d.Equal(d.Round(pricing.MinorUnits))
}

// Phase is the step a sale attempt is in.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseReserving  Phase = "reserving"
	PhasePricing    Phase = "pricing"
	PhasePersisting Phase = "persisting"
	PhaseCommitted  Phase = "committed"
)

// CreateSale validates the request, reserves stock for every distinct item,
// prices the cart, persists the sale and posts loyalty, all in one atomic
// unit. Nothing is retried; on any error the attempt leaves no trace.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest) (*models.Sale, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	phase := PhaseValidating
	var (
		sale         *models.Sale
		reservations []Reservation
	)

	err := s.store.RunAtomic(ctx, func(tx Tx) error {
		phase = PhaseValidating
		catalog, err := s.resolve(ctx, tx, req, now)
		if err != nil {
			return err
		}

		phase = PhaseReserving
		reservations, err = reserveAll(ctx, tx, demand(req.Items), s.logger)
		if err != nil {
			return err
		}

		phase = PhasePricing
		lines := make([]pricing.Line, len(req.Items))
		for i, item := range req.Items {
			price := catalog[item.ItemID].SellingPrice
			if item.UnitPrice != nil {
				price = *item.UnitPrice
			}
			lines[i] = pricing.Line{Quantity: item.Quantity, UnitPrice: price, Discount: item.Discount}
		}
		totals, err := s.pricing.Compute(lines, req.Discount)
		if err != nil {
			return pricingError(err)
		}

		phase = PhasePersisting
		number, err := s.nextNumber(ctx, tx, now)
		if err != nil {
			return err
		}

		sale = &models.Sale{
			Number:         number,
			CustomerID:     req.CustomerID,
			CashierID:      req.CashierID,
			Subtotal:       totals.Subtotal,
			TaxAmount:      totals.Tax,
			DiscountAmount: totals.Discount,
			TotalAmount:    totals.Total,
			PaymentMethod:  req.PaymentMethod,
			Status:         models.SaleStatusCompleted,
			Notes:          strings.TrimSpace(req.Notes),
			CreatedAt:      now,
			UpdatedAt:      now,
			Items:          make([]models.SaleItem, len(req.Items)),
		}
		for i, item := range req.Items {
			med := catalog[item.ItemID]
			sale.Items[i] = models.SaleItem{
				MedicineID:  item.ItemID,
				Quantity:    item.Quantity,
				UnitPrice:   lines[i].UnitPrice,
				Discount:    item.Discount,
				LineTotal:   totals.Lines[i],
				BatchNumber: med.BatchNumber,
				ExpiryDate:  med.ExpiryDate,
				CreatedAt:   now,
			}
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}

		for _, r := range reservations {
			err := tx.RecordMovement(ctx, models.StockMovement{
				MedicineID: r.ItemID,
				SaleID:     sale.ID,
				Kind:       models.MovementSale,
				Delta:      -r.Quantity,
				CreatedAt:  now,
			})
			if err != nil {
				return fmt.Errorf("record stock movement: %w", err)
			}
		}

		if req.CustomerID != nil {
			points := s.loyalty.Points(sale.TotalAmount)
			if err := tx.Credit(ctx, *req.CustomerID, points, sale.TotalAmount); err != nil {
				return fmt.Errorf("credit loyalty: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		err = abortReason(err)
		s.logger.Warn("sale rolled back",
			zap.String("phase", string(phase)),
			zap.Int64("cashier_id", req.CashierID),
			zap.Int("lines", len(req.Items)),
			zap.Error(err),
		)
		return nil, err
	}

	phase = PhaseCommitted
	s.logger.Info("sale committed",
		zap.String("phase", string(phase)),
		zap.String("sale_number", sale.Number),
		zap.Int64("sale_id", sale.ID),
		zap.String("total", sale.TotalAmount.StringFixed(2)),
		zap.String("payment_method", string(sale.PaymentMethod)),
	)
	for _, r := range reservations {
		if r.BelowMinimum {
			s.logger.Warn("stock below minimum",
				zap.Int64("item_id", r.ItemID),
				zap.Int("remaining", r.Remaining),
			)
		}
	}

	return sale, nil
}

// GetSale returns a persisted sale with its line items.
func (s *Service) GetSale(ctx context.Context, number string) (*models.Sale, error) {
	if strings.TrimSpace(number) == "" {
		return nil, invalid("sale_number", "is required")
	}
	return s.store.GetSale(ctx, number)
}

func (s *Service) resolve(ctx context.Context, tx Tx, req CreateSaleRequest, now time.Time) (map[int64]*models.Medicine, error) {
	if req.CustomerID != nil {
		if _, err := tx.FindActive(ctx, *req.CustomerID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &ValidationError{Field: "customer_id", Reason: "no active customer", Err: err}
			}
			return nil, fmt.Errorf("find customer: %w", err)
		}
	}

	catalog := make(map[int64]*models.Medicine, len(req.Items))
	for i, item := range req.Items {
		if _, ok := catalog[item.ItemID]; ok {
			continue
		}
		field := fmt.Sprintf("items[%d].item_id", i)

		med, err := tx.FindSellable(ctx, item.ItemID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &ValidationError{Field: field, Reason: "unknown item", Err: err}
			}
			return nil, fmt.Errorf("find item %d: %w", item.ItemID, err)
		}
		if !med.IsActive {
			return nil, invalid(field, "item %d is not active", item.ItemID)
		}
		if med.ExpiredOn(now) {
			return nil, invalid(field, "item %d expired on %s", item.ItemID, med.ExpiryDate.Format(time.DateOnly))
		}
		catalog[item.ItemID] = med
	}
	return catalog, nil
}

type itemDemand struct {
	itemID   int64
	quantity int
}

// demand sums quantities per distinct item, sorted by item id. Every sale
// acquires stock rows in this order, so overlapping sales cannot wait on
// each other in a cycle.
func demand(items []LineItemRequest) []itemDemand {
	totals := make(map[int64]int, len(items))
	for _, item := range items {
		totals[item.ItemID] += item.Quantity
	}

	out := make([]itemDemand, 0, len(totals))
	for id, q := range totals {
		out = append(out, itemDemand{itemID: id, quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].itemID < out[j].itemID })
	return out
}

func reserveAll(ctx context.Context, ledger StockLedger, wanted []itemDemand, logger *zap.Logger) ([]Reservation, error) {
	taken := make([]Reservation, 0, len(wanted))
	for _, w := range wanted {
		r, err := ledger.TryReserve(ctx, w.itemID, w.quantity)
		if err != nil {
			// Any other failure has already poisoned the unit; rollback
			// alone undoes what was taken.
			if errors.Is(err, ErrInsufficientStock) {
				release(ctx, ledger, taken, logger)
			}
			return nil, err
		}
		taken = append(taken, *r)
	}
	return taken, nil
}

// release hands back reservations taken earlier in a failed attempt. The
// enclosing unit is rolled back anyway, so a release error is only logged.
func release(ctx context.Context, ledger StockLedger, taken []Reservation, logger *zap.Logger) {
	for i := len(taken) - 1; i >= 0; i-- {
		if err := ledger.Restore(ctx, taken[i].ItemID, taken[i].Quantity); err != nil {
			logger.Warn("release reservation",
				zap.Int64("item_id", taken[i].ItemID),
				zap.Int("quantity", taken[i].Quantity),
				zap.Error(err),
			)
			return
		}
	}
}

func (s *Service) nextNumber(ctx context.Context, tx Tx, now time.Time) (string, error) {
	period := now.Format("20060102")
	seq, err := tx.NextSequence(ctx, period)
	if err != nil {
		return "", fmt.Errorf("next sale sequence: %w", err)
	}
	return fmt.Sprintf("%s-%s-%06d", s.prefix, period, seq), nil
}

func pricingError(err error) error {
	var lineErr *pricing.LineError
	if errors.As(err, &lineErr) {
		return &ValidationError{Field: fmt.Sprintf("items[%d]", lineErr.Index), Reason: lineErr.Err.Error(), Err: err}
	}
	return &ValidationError{Field: "discount", Reason: err.Error(), Err: err}
}

// abortReason maps a cancelled or expired context to ErrConcurrencyAborted.
// Lock and retry failures are mapped by the Store.
func abortReason(err error) error {
	if errors.Is(err, ErrConcurrencyAborted) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrConcurrencyAborted, err)
	}
	return err
}
