package service

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prorate returns the charge for the unused remainder of the current
// period when the price delta takes effect mid-cycle. The result is
// remaining/period of the delta, rounded to currency precision, never
// negative.
func Prorate(priceDelta decimal.Decimal, periodStart, periodEnd, now time.Time) decimal.Decimal {
	if !periodEnd.After(periodStart) {
		return decimal.Zero
	}
	remaining := periodEnd.Sub(now)
	if remaining <= 0 {
		return decimal.Zero
	}
	period := periodEnd.Sub(periodStart)
	if remaining > period {
		remaining = period
	}

	fraction := decimal.NewFromInt(int64(remaining.Seconds())).
		Div(decimal.NewFromInt(int64(period.Seconds())))
	amount := priceDelta.Mul(fraction).Round(2)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}
