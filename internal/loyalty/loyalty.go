// Package loyalty converts money into loyalty points and applies point
// deltas to an account balance.
package loyalty

import "github.com/shopspring/decimal"

// Policy awards one point per PointsDivisor of spend. A zero divisor
// disables points.
type Policy struct {
	PointsDivisor decimal.Decimal
}

// Points returns floor(amount / divisor), never negative.
func (p Policy) Points(amount decimal.Decimal) int64 {
	if !p.PointsDivisor.IsPositive() || !amount.IsPositive() {
		return 0
	}
	// QuoRem truncates exactly; Div would round at DivisionPrecision first.
	q, _ := amount.QuoRem(p.PointsDivisor, 0)
	return q.IntPart()
}

type Account struct {
	Points     int64
	TotalSpent decimal.Decimal
}

// Credit adds a sale's effect to the account.
func (a Account) Credit(points int64, spend decimal.Decimal) Account {
	return Account{
		Points:     a.Points + points,
		TotalSpent: a.TotalSpent.Add(spend),
	}
}

// Debit removes a refund's effect, flooring both balances at zero.
func (a Account) Debit(points int64, spend decimal.Decimal) Account {
	next := Account{
		Points:     a.Points - points,
		TotalSpent: a.TotalSpent.Sub(spend),
	}
	if next.Points < 0 {
		next.Points = 0
	}
	if next.TotalSpent.IsNegative() {
		next.TotalSpent = decimal.Zero
	}
	return next
}
