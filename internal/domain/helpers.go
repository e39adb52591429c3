package domain

import "github.com/shopspring/decimal"

func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

var (
	hoursPerDay = decimal.NewFromInt(24)
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// Annualize projects a per-interval funding rate to a yearly percentage:
// rate × (24/intervalHours) × 365 × 100.
func Annualize(rate decimal.Decimal, intervalHours int) decimal.Decimal {
	if intervalHours <= 0 {
		intervalHours = 8
	}
	periodsPerDay := hoursPerDay.Div(decimal.NewFromInt(int64(intervalHours)))
	return rate.Mul(periodsPerDay).Mul(daysPerYear).Mul(hundred)
}

// TruncateStep floors v to a multiple of step. Venues reject quantities
// and prices that are off the lot/tick grid.
func TruncateStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
