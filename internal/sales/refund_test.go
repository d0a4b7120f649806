package sales_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/safar/pharmacy-sales/internal/models"
	"github.com/safar/pharmacy-sales/internal/sales"
	"github.com/safar/pharmacy-sales/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) sell(t *testing.T, items ...sales.LineItemRequest) *models.Sale {
	t.Helper()
	sale, err := f.svc.CreateSale(context.Background(), f.request(items...))
	require.NoError(t, err)
	return sale
}

func TestRefundSaleFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t,
		sales.LineItemRequest{ItemID: f.aspirin, Quantity: 2},
		sales.LineItemRequest{ItemID: f.bandage, Quantity: 3},
	)
	require.Equal(t, 8, f.store.Stock(f.aspirin))
	require.Equal(t, 17, f.store.Stock(f.bandage))

	receipt, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "wrong prescription"})
	require.NoError(t, err)

	assert.Equal(t, sale.Number, receipt.SaleNumber)
	assert.True(t, receipt.Amount.Equal(sale.TotalAmount))
	assert.False(t, receipt.Partial)
	assert.Equal(t, []models.RestoredItem{
		{MedicineID: f.aspirin, Quantity: 2},
		{MedicineID: f.bandage, Quantity: 3},
	}, receipt.Restored)

	assert.Equal(t, 10, f.store.Stock(f.aspirin))
	assert.Equal(t, 20, f.store.Stock(f.bandage))

	c, _ := f.store.Customer(f.customer)
	assert.Equal(t, int64(0), c.LoyaltyPoints)
	assert.True(t, c.TotalSpent.IsZero())

	stored, err := f.svc.GetSale(ctx, sale.Number)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusRefunded, stored.Status)
	assert.Contains(t, stored.Notes, "wrong prescription")
	assert.Contains(t, stored.Notes, sale.TotalAmount.StringFixed(2))
}

func TestRefundSaleAppendsToNotes(t *testing.T) {
	f := newFixture(t)
	req := f.request(sales.LineItemRequest{ItemID: f.bandage, Quantity: 1})
	req.Notes = "paid with exact change"
	sale, err := f.svc.CreateSale(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.RefundSale(context.Background(), sales.RefundRequest{SaleNumber: sale.Number, Reason: "damaged"})
	require.NoError(t, err)

	stored, err := f.svc.GetSale(context.Background(), sale.Number)
	require.NoError(t, err)
	lines := strings.Split(stored.Notes, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "paid with exact change", lines[0])
	assert.Contains(t, lines[1], "damaged")
}

func TestRefundSaleTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 4})

	_, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "first"})
	require.NoError(t, err)

	stockAfterFirst := f.store.Stock(f.aspirin)
	customerAfterFirst, _ := f.store.Customer(f.customer)
	movementsAfterFirst := len(f.store.Movements())

	_, err = f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "second"})
	require.ErrorIs(t, err, sales.ErrAlreadyRefunded)
	var already *sales.AlreadyRefundedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, sale.Number, already.SaleNumber)

	assert.Equal(t, stockAfterFirst, f.store.Stock(f.aspirin))
	customer, _ := f.store.Customer(f.customer)
	assert.Equal(t, customerAfterFirst.LoyaltyPoints, customer.LoyaltyPoints)
	assert.True(t, customerAfterFirst.TotalSpent.Equal(customer.TotalSpent))
	assert.Len(t, f.store.Movements(), movementsAfterFirst)
}

func TestRefundCancelledSaleIsRejected(t *testing.T) {
	f := newFixture(t)
	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 2})
	require.True(t, f.store.SetSaleStatus(sale.Number, models.SaleStatusCancelled))

	customerBefore, _ := f.store.Customer(f.customer)
	movementsBefore := len(f.store.Movements())

	_, err := f.svc.RefundSale(context.Background(), sales.RefundRequest{SaleNumber: sale.Number, Reason: "late"})
	require.ErrorIs(t, err, sales.ErrNotRefundable)
	assert.NotErrorIs(t, err, sales.ErrAlreadyRefunded)
	assert.Contains(t, err.Error(), string(models.SaleStatusCancelled))

	assert.Equal(t, 8, f.store.Stock(f.aspirin))
	customer, _ := f.store.Customer(f.customer)
	assert.Equal(t, customerBefore.LoyaltyPoints, customer.LoyaltyPoints)
	assert.True(t, customerBefore.TotalSpent.Equal(customer.TotalSpent))
	assert.Len(t, f.store.Movements(), movementsBefore)

	stored, err := f.svc.GetSale(context.Background(), sale.Number)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusCancelled, stored.Status)
}

func TestConcurrentRefundsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 5})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "dup"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, already := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, sales.ErrAlreadyRefunded):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, already)
	assert.Equal(t, 10, f.store.Stock(f.aspirin))
}

func TestRefundSalePartialAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// 5 * 50.00 = 250.00, tax 45.00, total 295.00 -> 2 points
	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 5})
	c, _ := f.store.Customer(f.customer)
	require.Equal(t, int64(2), c.LoyaltyPoints)

	receipt, err := f.svc.RefundSale(ctx, sales.RefundRequest{
		SaleNumber: sale.Number,
		Reason:     "one box returned",
		Amount:     ptr(dec("120.00")),
	})
	require.NoError(t, err)

	assert.True(t, receipt.Partial)
	assert.Equal(t, "120.00", receipt.Amount.StringFixed(2))
	assert.Equal(t, int64(1), receipt.PointsReversed)

	// Inventory returns in full even when money is partial.
	assert.Equal(t, 10, f.store.Stock(f.aspirin))

	c, _ = f.store.Customer(f.customer)
	assert.Equal(t, int64(1), c.LoyaltyPoints)
	assert.Equal(t, "175.00", c.TotalSpent.StringFixed(2))
}

func TestRefundSaleInvalidAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 1}) // total 59.00

	for _, amount := range []string{"59.01", "1000", "0", "-5", "10.005"} {
		t.Run(amount, func(t *testing.T) {
			_, err := f.svc.RefundSale(ctx, sales.RefundRequest{
				SaleNumber: sale.Number,
				Reason:     "too much",
				Amount:     ptr(dec(amount)),
			})
			require.ErrorIs(t, err, sales.ErrInvalidRefundAmount)

			var amtErr *sales.InvalidRefundAmountError
			require.ErrorAs(t, err, &amtErr)
			assert.Equal(t, "59.00", amtErr.SaleTotal.StringFixed(2))

			assert.Equal(t, 9, f.store.Stock(f.aspirin))
			stored, err := f.svc.GetSale(ctx, sale.Number)
			require.NoError(t, err)
			assert.Equal(t, models.SaleStatusCompleted, stored.Status)
		})
	}

	receipt, err := f.svc.RefundSale(ctx, sales.RefundRequest{
		SaleNumber: sale.Number, Reason: "exact", Amount: ptr(dec("59.00")),
	})
	require.NoError(t, err)
	assert.False(t, receipt.Partial)
}

func TestRefundSaleErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: "SALE-20260315-999999", Reason: "x"})
	assert.ErrorIs(t, err, sales.ErrNotFound)

	_, err = f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: "", Reason: "x"})
	assert.ErrorIs(t, err, sales.ErrValidation)

	sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 1})
	_, err = f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "   "})
	assert.ErrorIs(t, err, sales.ErrValidation)
}

func TestRefundSaleFailureIsRecoverable(t *testing.T) {
	crash := errors.New("process killed")

	for _, op := range []memory.Op{memory.OpDebit, memory.OpMarkRefunded, memory.OpCommit} {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sale := f.sell(t, sales.LineItemRequest{ItemID: f.aspirin, Quantity: 3})
			customerBefore, _ := f.store.Customer(f.customer)

			f.store.FailNext(op, crash)
			_, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "retry me"})
			require.ErrorIs(t, err, crash)

			stored, err := f.svc.GetSale(ctx, sale.Number)
			require.NoError(t, err)
			assert.Equal(t, models.SaleStatusCompleted, stored.Status)
			assert.Equal(t, 7, f.store.Stock(f.aspirin))
			customer, _ := f.store.Customer(f.customer)
			assert.Equal(t, customerBefore.LoyaltyPoints, customer.LoyaltyPoints)

			_, err = f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "retry me"})
			require.NoError(t, err)
			assert.Equal(t, 10, f.store.Stock(f.aspirin))
		})
	}
}

func TestStockConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initial := map[int64]int{f.aspirin: 10, f.bandage: 20}

	var refunded []*models.Sale
	for i := 0; i < 4; i++ {
		sale := f.sell(t,
			sales.LineItemRequest{ItemID: f.aspirin, Quantity: 1},
			sales.LineItemRequest{ItemID: f.bandage, Quantity: 2},
		)
		if i%2 == 0 {
			refunded = append(refunded, sale)
		}
	}
	for _, sale := range refunded {
		_, err := f.svc.RefundSale(ctx, sales.RefundRequest{SaleNumber: sale.Number, Reason: "return"})
		require.NoError(t, err)
	}

	sold := map[int64]int{}
	restored := map[int64]int{}
	for _, mv := range f.store.Movements() {
		switch mv.Kind {
		case models.MovementSale:
			sold[mv.MedicineID] += -mv.Delta
		case models.MovementRefund:
			restored[mv.MedicineID] += mv.Delta
		}
	}

	for id, start := range initial {
		assert.Equal(t, start-sold[id]+restored[id], f.store.Stock(id), "item %d", id)
	}
	assert.Equal(t, 8, f.store.Stock(f.aspirin))
	assert.Equal(t, 16, f.store.Stock(f.bandage))
}
