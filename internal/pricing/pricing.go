// Package pricing computes sale totals in fixed-point decimal.
//
// For each line, total = unitPrice*quantity - discount. The subtotal is the
// sum of line totals, tax is the subtotal times the tax rate rounded
// half-up to the minor unit, and the grand total is subtotal + tax - sale
// discount, rounded once more. Negative line totals and negative grand
// totals are rejected.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places of the currency.
const MinorUnits = 2

var (
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrNegativePrice       = errors.New("unit price must not be negative")
	ErrNegativeDiscount    = errors.New("discount must not be negative")
	ErrDiscountExceedsLine = errors.New("discount exceeds line value")
	ErrNegativeTotal       = errors.New("sale discount exceeds total")
)

// LineError points at the offending line.
type LineError struct {
	Index int
	Err   error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Index, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

type Totals struct {
	Lines    []decimal.Decimal
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Policy carries the constants the calculation depends on.
type Policy struct {
	TaxRate decimal.Decimal
}

// LineTotal returns unitPrice*quantity - discount.
func LineTotal(l Line) (decimal.Decimal, error) {
	if l.Quantity <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if l.UnitPrice.IsNegative() {
		return decimal.Zero, ErrNegativePrice
	}
	if l.Discount.IsNegative() {
		return decimal.Zero, ErrNegativeDiscount
	}

	total := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Sub(l.Discount)
	if total.IsNegative() {
		return decimal.Zero, ErrDiscountExceedsLine
	}
	return total, nil
}

// Compute is deterministic: identical input always yields identical output.
func (p Policy) Compute(lines []Line, saleDiscount decimal.Decimal) (Totals, error) {
	if saleDiscount.IsNegative() {
		return Totals{}, ErrNegativeDiscount
	}

	totals := Totals{
		Lines:    make([]decimal.Decimal, len(lines)),
		Subtotal: decimal.Zero,
		Discount: saleDiscount,
	}

	for i, l := range lines {
		lt, err := LineTotal(l)
		if err != nil {
			return Totals{}, &LineError{Index: i, Err: err}
		}
		totals.Lines[i] = lt
		totals.Subtotal = totals.Subtotal.Add(lt)
	}

	totals.Tax = RoundHalfUp(totals.Subtotal.Mul(p.TaxRate))
	totals.Total = RoundHalfUp(totals.Subtotal.Add(totals.Tax).Sub(saleDiscount))
	if totals.Total.IsNegative() {
		return Totals{}, ErrNegativeTotal
	}

	return totals, nil
}

// RoundHalfUp rounds to the currency minor unit, halves away from zero.
// All amounts handled here are non-negative, so this is round-half-up.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnits)
}
