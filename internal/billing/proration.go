package billing

import (
	"fmt"
	"time"

	"seatsync/internal/types"
)

const day = 24 * time.Hour

// Proration messages.
const (
	msgNoChange       = "no change"
	msgDecrease       = "no charge for seat decrease"
	msgPeriodEnding   = "billing period is ending; change applies at renewal"
	msgProratedFormat = "%d seat(s) added, prorated for %d of %d days"
)

// Proration is the immediate charge for a quantity change on a
// quantity-based subscription. Amount is in minor currency units and is
// never negative.
type Proration struct {
	Amount          int64  `json:"amount"`
	DaysRemaining   int    `json:"days_remaining"`
	TotalPeriodDays int    `json:"total_period_days"`
	SeatsAdded      int    `json:"seats_added"`
	PerSeatPrice    int64  `json:"per_seat_price"`
	Currency        string `json:"currency"`
	Message         string `json:"message"`
}

// CalculateProration computes the charge for moving sub to newQuantity at
// now. It is a pure function and does not check the billing type.
//
// Amount = SeatsAdded * PerSeatPrice * DaysRemaining / TotalPeriodDays,
// rounded half up. Day counts are ceilings of whole 24h spans.
func CalculateProration(sub *types.Subscription, newQuantity int, now time.Time) Proration {
	total := ceilDays(sub.PeriodEnd.Sub(sub.PeriodStart))
	remaining := min(ceilDays(sub.PeriodEnd.Sub(now)), total)

	p := Proration{
		DaysRemaining:   remaining,
		TotalPeriodDays: total,
		SeatsAdded:      newQuantity - sub.CurrentSeats,
		PerSeatPrice:    sub.PerSeatPrice,
		Currency:        sub.Currency,
	}

	switch {
	case p.SeatsAdded == 0:
		p.Message = msgNoChange
	case p.SeatsAdded < 0:
		p.Message = msgDecrease
	case remaining == 0:
		p.Message = msgPeriodEnding
	default:
		n := int64(p.SeatsAdded) * sub.PerSeatPrice * int64(remaining)
		d := int64(total)
		p.Amount = (2*n + d) / (2 * d)
		p.Message = fmt.Sprintf(msgProratedFormat, p.SeatsAdded, remaining, total)
	}
	return p
}

// ceilDays returns the number of started days in d, or 0 for d <= 0.
func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// MajorUnits converts an amount in minor units to the decimal major-unit
// value, e.g. 1000 -> 10.0. All supported currencies have two fractional
// digits.
func MajorUnits(amount int64) float64 {
	return float64(amount) / 100
}

// FormatMinorUnits renders an amount in minor units as a decimal string with
// two fractional digits, e.g. 1000 -> "10.00".
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
