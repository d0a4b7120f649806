package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/safar/pharmacy-sales/internal/config"
	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/safar/pharmacy-sales/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var saleDay = time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)

func newService(t *testing.T, db *sql.DB, opts store.Options) *sales.Service {
	t.Helper()
	return sales.NewService(store.New(db, opts), sales.Policy{
		TaxRate:       decimal.RequireFromString("0.18"),
		PointsDivisor: decimal.NewFromInt(100),
		NumberPrefix:  "SALE",
	}, sales.WithLogger(zaptest.NewLogger(t)), sales.WithClock(func() time.Time { return saleDay }))
}

func seedMedicine(t *testing.T, db *sql.DB, sku, price string, quantity, minQuantity int) int64 {
	t.Helper()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	med, err := store.CreateMedicine(context.Background(), db, models.Medicine{
		SKU:          sku,
		Name:         "Medicine " + sku,
		SellingPrice: decimal.RequireFromString(price),
		BatchNumber:  "BATCH-" + sku,
		ExpiryDate:   &expiry,
		IsActive:     true,
	})
	require.NoError(t, err)
	require.NoError(t, store.SetStock(context.Background(), db, med.ID, quantity, minQuantity, 500))
	return med.ID
}

func stockOf(t *testing.T, db *sql.DB, medicineID int64) int {
	t.Helper()
	rec, err := store.GetStock(context.Background(), db, medicineID)
	require.NoError(t, err)
	return rec.Quantity
}

func cashSale(customerID *int64, items ...sales.LineItemRequest) sales.CreateSaleRequest {
	return sales.CreateSaleRequest{
		CustomerID:    customerID,
		CashierID:     1,
		Items:         items,
		PaymentMethod: models.PaymentCash,
	}
}

func TestCreateAndRefundSale(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: 2 * time.Second})

	paracetamol := seedMedicine(t, db, "PCM-500", "45.00", 30, 5)
	syrup := seedMedicine(t, db, "SYR-100", "120.00", 6, 2)
	customer, err := store.CreateCustomer(ctx, db, "Layla", "+20100000000", true)
	require.NoError(t, err)

	sale, err := svc.CreateSale(ctx, cashSale(&customer.ID,
		sales.LineItemRequest{ItemID: paracetamol, Quantity: 2},
		sales.LineItemRequest{ItemID: syrup, Quantity: 1, Discount: decimal.RequireFromString("10.00")},
	))
	require.NoError(t, err)

	assert.Equal(t, "SALE-20260504-000001", sale.Number)
	assert.Equal(t, "200", sale.Subtotal.String())
	assert.Equal(t, "36", sale.TaxAmount.String())
	assert.Equal(t, "236", sale.TotalAmount.String())

	assert.Equal(t, 28, stockOf(t, db, paracetamol))
	assert.Equal(t, 5, stockOf(t, db, syrup))

	loyal, err := store.GetCustomer(ctx, db, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loyal.LoyaltyPoints)
	assert.Equal(t, "236", loyal.TotalSpent.String())

	stored, err := svc.GetSale(ctx, sale.Number)
	require.NoError(t, err)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, "BATCH-PCM-500", stored.Items[0].BatchNumber)
	require.NotNil(t, stored.Items[0].ExpiryDate)
	require.NotNil(t, stored.CustomerID)
	assert.Equal(t, customer.ID, *stored.CustomerID)

	receipt, err := svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "prescription changed"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), receipt.PointsReversed)
	assert.False(t, receipt.Partial)

	assert.Equal(t, 30, stockOf(t, db, paracetamol))
	assert.Equal(t, 6, stockOf(t, db, syrup))

	loyal, err = store.GetCustomer(ctx, db, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loyal.LoyaltyPoints)
	assert.True(t, loyal.TotalSpent.IsZero())

	stored, err = svc.GetSale(ctx, sale.Number)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusRefunded, stored.Status)
	assert.Contains(t, stored.Notes, "prescription changed")

	movements, err := store.ListMovements(ctx, db, paracetamol)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, models.MovementSale, movements[0].Kind)
	assert.Equal(t, -2, movements[0].Delta)
	assert.Equal(t, models.MovementRefund, movements[1].Kind)
	assert.Equal(t, 2, movements[1].Delta)

	_, err = svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "again"})
	assert.ErrorIs(t, err, sales.ErrAlreadyRefunded)
	assert.Equal(t, 30, stockOf(t, db, paracetamol))
}

func TestInsufficientStockLeavesNoTrace(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: 2 * time.Second})

	plenty := seedMedicine(t, db, "VIT-C", "15.00", 50, 0)
	scarce := seedMedicine(t, db, "INS-10", "300.00", 1, 0)

	_, err := svc.CreateSale(ctx, cashSale(nil,
		sales.LineItemRequest{ItemID: plenty, Quantity: 4},
		sales.LineItemRequest{ItemID: scarce, Quantity: 2},
	))

	var shortfall *sales.InsufficientStockError
	require.ErrorAs(t, err, &shortfall)
	assert.Equal(t, scarce, shortfall.ItemID)
	assert.Equal(t, 1, shortfall.Available)

	assert.Equal(t, 50, stockOf(t, db, plenty))
	assert.Equal(t, 1, stockOf(t, db, scarce))

	n, err := store.CountSales(ctx, db, models.SaleStatusCompleted)
	require.NoError(t, err)
	assert.Zero(t, n)

	movements, err := store.ListMovements(ctx, db, plenty)
	require.NoError(t, err)
	assert.Empty(t, movements)

	sale, err := svc.CreateSale(ctx, cashSale(nil, sales.LineItemRequest{ItemID: plenty, Quantity: 1}))
	require.NoError(t, err)
	assert.Equal(t, "SALE-20260504-000001", sale.Number, "rolled back sale must not consume a number")
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	for _, mode := range []config.LockMode{config.LockModePessimistic, config.LockModeOptimistic} {
		t.Run(string(mode), func(t *testing.T) {
			db := setupTestDB(t)
			ctx := context.Background()
			svc := newService(t, db, store.Options{
				LockTimeout:       5 * time.Second,
				LockMode:          mode,
				ReserveMaxRetries: 8,
			})

			const initial = 10
			item := seedMedicine(t, db, "AMX-250", "80.00", initial, 2)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				numbers   = make(map[string]bool)
			)
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sale, err := svc.CreateSale(ctx, cashSale(nil, sales.LineItemRequest{ItemID: item, Quantity: 1}))
					if err != nil {
						if !errors.Is(err, sales.ErrInsufficientStock) && !errors.Is(err, sales.ErrConcurrencyAborted) {
							t.Errorf("unexpected error: %v", err)
						}
						return
					}
					mu.Lock()
					succeeded++
					numbers[sale.Number] = true
					mu.Unlock()
				}()
			}
			wg.Wait()

			remaining := stockOf(t, db, item)
			assert.GreaterOrEqual(t, remaining, 0)
			assert.Equal(t, initial-succeeded, remaining)
			assert.Len(t, numbers, succeeded)
			if mode == config.LockModePessimistic {
				assert.Equal(t, initial, succeeded)
			}

			movements, err := store.ListMovements(ctx, db, item)
			require.NoError(t, err)
			assert.Len(t, movements, succeeded)
		})
	}
}

func TestOverlappingSalesInOppositeOrderComplete(t *testing.T) {
	db := setupTestDB(t)
	svc := newService(t, db, store.Options{LockTimeout: 5 * time.Second})

	a := seedMedicine(t, db, "OMP-20", "30.00", 100, 0)
	b := seedMedicine(t, db, "MTF-500", "25.00", 100, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(ctx, cashSale(nil,
				sales.LineItemRequest{ItemID: a, Quantity: 1},
				sales.LineItemRequest{ItemID: b, Quantity: 1},
			))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(ctx, cashSale(nil,
				sales.LineItemRequest{ItemID: b, Quantity: 1},
				sales.LineItemRequest{ItemID: a, Quantity: 1},
			))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 80, stockOf(t, db, a))
	assert.Equal(t, 80, stockOf(t, db, b))
}

func TestSaleNumbersAreSequentialAndUnique(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: 5 * time.Second})

	item := seedMedicine(t, db, "SAL-INH", "95.00", 100, 0)

	const n = 20
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := svc.CreateSale(ctx, cashSale(nil, sales.LineItemRequest{ItemID: item, Quantity: 1}))
			if err != nil {
				t.Errorf("create sale: %v", err)
				return
			}
			numbers <- sale.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool, n)
	for number := range numbers {
		assert.False(t, seen[number], "duplicate sale number %s", number)
		seen[number] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("SALE-20260504-%06d", i)], "missing sequence %d", i)
	}
}

func TestConcurrentRefundsApplyOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: 5 * time.Second})

	item := seedMedicine(t, db, "CTZ-10", "20.00", 10, 0)
	sale, err := svc.CreateSale(ctx, cashSale(nil, sales.LineItemRequest{ItemID: item, Quantity: 3}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "returned"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, sales.ErrAlreadyRefunded):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, rejected)
	assert.Equal(t, 10, stockOf(t, db, item))
}

func TestLockWaitTimeoutAborts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: 200 * time.Millisecond})

	item := seedMedicine(t, db, "WRF-5", "60.00", 10, 0)

	holder, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = holder.ExecContext(ctx, `SELECT quantity FROM stock_records WHERE medicine_id = $1 FOR UPDATE`, item)
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.CreateSale(ctx, cashSale(nil, sales.LineItemRequest{ItemID: item, Quantity: 1}))
	assert.ErrorIs(t, err, sales.ErrConcurrencyAborted)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, holder.Rollback())
	assert.Equal(t, 10, stockOf(t, db, item))

	n, err := store.CountSales(ctx, db, models.SaleStatusCompleted)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInactiveCustomerRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	svc := newService(t, db, store.Options{LockTimeout: time.Second})

	item := seedMedicine(t, db, "LOR-10", "18.00", 10, 0)
	customer, err := store.CreateCustomer(ctx, db, "Former", "", false)
	require.NoError(t, err)

	_, err = svc.CreateSale(ctx, cashSale(&customer.ID, sales.LineItemRequest{ItemID: item, Quantity: 1}))
	assert.ErrorIs(t, err, sales.ErrValidation)
	assert.Equal(t, 10, stockOf(t, db, item))
}
