package upgrade

import (
	"time"

	"github.com/shopspring/decimal"
)

var thirty = decimal.NewFromInt(30)

// ProRata prices the remainder of the current cycle at the new rate:
// max(minimum, round2((next - current) * days / 30)). Negative days count as zero.
func ProRata(current, next decimal.Decimal, daysRemaining int, minimum decimal.Decimal) decimal.Decimal {
	days := max(daysRemaining, 0)
	amount := next.Sub(current).Mul(decimal.NewFromInt(int64(days))).Div(thirty).Round(2)
	if amount.LessThan(minimum) {
		return minimum.Round(2)
	}
	return amount
}

// DaysUntil counts calendar days from now to due in loc. A due date in the past is negative.
func DaysUntil(now, due time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = due.Date()
	to := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
