// Package memory provides an in-memory sales.Store for tests and local runs.
//
// RunAtomic admits one unit at a time. Every mutation made inside a unit
// pushes an undo step onto a journal; if the unit fails, the journal is
// replayed backwards, so a failed unit leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/safar/pharmacy-sales/internal/loyalty"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/shopspring/decimal"
)

// Op names a mutation point where a fault can be injected.
type Op string

const (
	OpTryReserve   Op = "try_reserve"
	OpRestore      Op = "restore"
	OpInsertSale   Op = "insert_sale"
	OpCredit       Op = "credit"
	OpDebit        Op = "debit"
	OpMarkRefunded Op = "mark_refunded"
	OpCommit       Op = "commit"
)

type Memory struct {
	// sem is a one-slot semaphore so lock waits can honor ctx.
	sem chan struct{}

	medicines map[int64]models.Medicine
	stock     map[int64]*models.StockRecord
	customers map[int64]*models.Customer
	sales     map[string]*models.Sale
	numbers   map[int64]string
	sequences map[string]int64
	movements []models.StockMovement
	faults    map[Op]error

	nextMedicineID int64
	nextCustomerID int64
	nextSaleID     int64
	nextItemID     int64
}

var _ sales.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		sem:       make(chan struct{}, 1),
		medicines: make(map[int64]models.Medicine),
		stock:     make(map[int64]*models.StockRecord),
		customers: make(map[int64]*models.Customer),
		sales:     make(map[string]*models.Sale),
		numbers:   make(map[int64]string),
		sequences: make(map[string]int64),
		faults:    make(map[Op]error),
	}
}

func (m *Memory) lock()   { m.sem <- struct{}{} }
func (m *Memory) unlock() { <-m.sem }

func (m *Memory) RunAtomic(ctx context.Context, fn func(sales.Tx) error) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for store lock: %w", sales.ErrConcurrencyAborted, ctx.Err())
	}
	defer m.unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("%w: %w", sales.ErrConcurrencyAborted, err)
	}
	if err := m.fault(OpCommit); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// FailNext makes the next call of op fail with err. The fault fires once.
func (m *Memory) FailNext(op Op, err error) {
	m.lock()
	defer m.unlock()
	m.faults[op] = err
}

func (m *Memory) fault(op Op) error {
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return err
}

// AddMedicine stores a catalog item and returns its id.
func (m *Memory) AddMedicine(med models.Medicine) int64 {
	m.lock()
	defer m.unlock()

	m.nextMedicineID++
	med.ID = m.nextMedicineID
	m.medicines[med.ID] = med
	return med.ID
}

// SetStock creates or replaces the stock record of an item.
func (m *Memory) SetStock(medicineID int64, quantity, minQuantity, maxQuantity int) {
	m.lock()
	defer m.unlock()

	m.stock[medicineID] = &models.StockRecord{
		MedicineID:  medicineID,
		Quantity:    quantity,
		MinQuantity: minQuantity,
		MaxQuantity: maxQuantity,
		UpdatedAt:   time.Now().UTC(),
		Version:     1,
	}
}

// AddCustomer stores a customer and returns its id.
// SetSaleStatus overwrites the status of a stored sale, e.g. to model a
// sale voided by another system.
func (m *Memory) SetSaleStatus(number string, status models.SaleStatus) bool {
	m.lock()
	defer m.unlock()

	sale, ok := m.sales[number]
	if !ok {
		return false
	}
	sale.Status = status
	return true
}

func (m *Memory) AddCustomer(c models.Customer) int64 {
	m.lock()
	defer m.unlock()

	m.nextCustomerID++
	c.ID = m.nextCustomerID
	m.customers[c.ID] = &c
	return c.ID
}

// Stock returns the current quantity of an item, or -1 if it has no record.
func (m *Memory) Stock(medicineID int64) int {
	m.lock()
	defer m.unlock()

	rec, ok := m.stock[medicineID]
	if !ok {
		return -1
	}
	return rec.Quantity
}

func (m *Memory) Customer(id int64) (models.Customer, bool) {
	m.lock()
	defer m.unlock()

	c, ok := m.customers[id]
	if !ok {
		return models.Customer{}, false
	}
	return *c, true
}

// Movements returns the stock audit trail in insertion order.
func (m *Memory) Movements() []models.StockMovement {
	m.lock()
	defer m.unlock()

	out := make([]models.StockMovement, len(m.movements))
	copy(out, m.movements)
	return out
}

// SaleCount returns the number of persisted sales.
func (m *Memory) SaleCount() int {
	m.lock()
	defer m.unlock()
	return len(m.sales)
}

func (m *Memory) GetSale(_ context.Context, number string) (*models.Sale, error) {
	m.lock()
	defer m.unlock()

	sale, ok := m.sales[number]
	if !ok {
		return nil, &sales.NotFoundError{Kind: "sale", ID: number}
	}
	return cloneSale(sale), nil
}

type memTx struct {
	m    *Memory
	undo []func()
}

var _ sales.Tx = (*memTx)(nil)

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) FindSellable(_ context.Context, itemID int64) (*models.Medicine, error) {
	med, ok := t.m.medicines[itemID]
	if !ok {
		return nil, &sales.NotFoundError{Kind: "item", ID: strconv.FormatInt(itemID, 10)}
	}
	return &med, nil
}

func (t *memTx) FindActive(_ context.Context, customerID int64) (*models.Customer, error) {
	c, ok := t.m.customers[customerID]
	if !ok || !c.IsActive {
		return nil, &sales.NotFoundError{Kind: "customer", ID: strconv.FormatInt(customerID, 10)}
	}
	out := *c
	return &out, nil
}

func (t *memTx) TryReserve(_ context.Context, itemID int64, quantity int) (*sales.Reservation, error) {
	if err := t.m.fault(OpTryReserve); err != nil {
		return nil, err
	}

	rec, ok := t.m.stock[itemID]
	if !ok {
		return nil, &sales.InsufficientStockError{ItemID: itemID, Available: 0, Requested: quantity}
	}
	if rec.Quantity < quantity {
		return nil, &sales.InsufficientStockError{ItemID: itemID, Available: rec.Quantity, Requested: quantity}
	}

	prev := *rec
	rec.Quantity -= quantity
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	t.onRollback(func() { *rec = prev })

	return &sales.Reservation{
		ItemID:       itemID,
		Quantity:     quantity,
		Remaining:    rec.Quantity,
		BelowMinimum: rec.Quantity < rec.MinQuantity,
	}, nil
}

func (t *memTx) Restore(_ context.Context, itemID int64, quantity int) error {
	if err := t.m.fault(OpRestore); err != nil {
		return err
	}

	rec, ok := t.m.stock[itemID]
	if !ok {
		rec = &models.StockRecord{MedicineID: itemID}
		t.m.stock[itemID] = rec
		t.onRollback(func() { delete(t.m.stock, itemID) })
	}

	prev := *rec
	rec.Quantity += quantity
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	t.onRollback(func() { *rec = prev })
	return nil
}

func (t *memTx) RecordMovement(_ context.Context, mv models.StockMovement) error {
	if mv.ID == "" {
		mv.ID = uuid.NewString()
	}
	n := len(t.m.movements)
	t.m.movements = append(t.m.movements, mv)
	t.onRollback(func() { t.m.movements = t.m.movements[:n] })
	return nil
}

func (t *memTx) NextSequence(_ context.Context, period string) (int64, error) {
	prev := t.m.sequences[period]
	t.m.sequences[period] = prev + 1
	t.onRollback(func() { t.m.sequences[period] = prev })
	return prev + 1, nil
}

func (t *memTx) InsertSale(_ context.Context, sale *models.Sale) error {
	if err := t.m.fault(OpInsertSale); err != nil {
		return err
	}
	if _, exists := t.m.sales[sale.Number]; exists {
		return fmt.Errorf("duplicate sale number %s", sale.Number)
	}

	t.m.nextSaleID++
	sale.ID = t.m.nextSaleID
	for i := range sale.Items {
		t.m.nextItemID++
		sale.Items[i].ID = t.m.nextItemID
		sale.Items[i].SaleID = sale.ID
	}

	t.m.sales[sale.Number] = cloneSale(sale)
	t.m.numbers[sale.ID] = sale.Number
	t.onRollback(func() {
		delete(t.m.sales, sale.Number)
		delete(t.m.numbers, sale.ID)
	})
	return nil
}

func (t *memTx) LockSale(_ context.Context, number string) (*models.Sale, error) {
	sale, ok := t.m.sales[number]
	if !ok {
		return nil, &sales.NotFoundError{Kind: "sale", ID: number}
	}
	return cloneSale(sale), nil
}

func (t *memTx) MarkRefunded(_ context.Context, saleID int64, notes string, at time.Time) error {
	if err := t.m.fault(OpMarkRefunded); err != nil {
		return err
	}

	number, ok := t.m.numbers[saleID]
	if !ok {
		return &sales.NotFoundError{Kind: "sale", ID: strconv.FormatInt(saleID, 10)}
	}
	sale := t.m.sales[number]
	if sale.Status != models.SaleStatusCompleted {
		return fmt.Errorf("%w: sale %s is %s", sales.ErrNotRefundable, number, sale.Status)
	}

	prev := *sale
	sale.Status = models.SaleStatusRefunded
	sale.Notes = notes
	sale.UpdatedAt = at
	t.onRollback(func() { *sale = prev })
	return nil
}

func (t *memTx) Credit(_ context.Context, customerID int64, points int64, spend decimal.Decimal) error {
	if err := t.m.fault(OpCredit); err != nil {
		return err
	}
	return t.adjust(customerID, func(a loyalty.Account) loyalty.Account { return a.Credit(points, spend) })
}

func (t *memTx) Debit(_ context.Context, customerID int64, points int64, spend decimal.Decimal) error {
	if err := t.m.fault(OpDebit); err != nil {
		return err
	}
	return t.adjust(customerID, func(a loyalty.Account) loyalty.Account { return a.Debit(points, spend) })
}

func (t *memTx) adjust(customerID int64, apply func(loyalty.Account) loyalty.Account) error {
	c, ok := t.m.customers[customerID]
	if !ok {
		return &sales.NotFoundError{Kind: "customer", ID: strconv.FormatInt(customerID, 10)}
	}

	prev := *c
	next := apply(loyalty.Account{Points: c.LoyaltyPoints, TotalSpent: c.TotalSpent})
	c.LoyaltyPoints = next.Points
	c.TotalSpent = next.TotalSpent
	c.UpdatedAt = time.Now().UTC()
	t.onRollback(func() { *c = prev })
	return nil
}

func cloneSale(s *models.Sale) *models.Sale {
	out := *s
	out.Items = make([]models.SaleItem, len(s.Items))
	copy(out.Items, s.Items)
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
	if s.CustomerID != nil {
		id := *s.CustomerID
		out.CustomerID = &id
	}
	return &out
}
