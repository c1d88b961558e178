package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"seatsync/internal/types"
)

var (
	periodStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 0, 30)
)

func prorationSub(seats int) *types.Subscription {
	return &types.Subscription{
		ID:           "sub_1",
		BillingType:  types.BillingTypeQuantityBased,
		Status:       types.SubscriptionStatusActive,
		CurrentSeats: seats,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		PerSeatPrice: 1000,
		Currency:     "pln",
	}
}

func TestCalculateProration(t *testing.T) {
	midPeriod := periodStart.AddDate(0, 0, 15)

	tests := []struct {
		name          string
		seats         int
		newQuantity   int
		now           time.Time
		wantAmount    int64
		wantAdded     int
		wantRemaining int
		wantMessage   string
	}{
		{
			name:          "increase mid period",
			seats:         8,
			newQuantity:   10,
			now:           midPeriod,
			wantAmount:    1000,
			wantAdded:     2,
			wantRemaining: 15,
			wantMessage:   "2 seat(s) added, prorated for 15 of 30 days",
		},
		{
			name:          "no change",
			seats:         8,
			newQuantity:   8,
			now:           midPeriod,
			wantAmount:    0,
			wantAdded:     0,
			wantRemaining: 15,
			wantMessage:   msgNoChange,
		},
		{
			name:          "decrease is free",
			seats:         8,
			newQuantity:   5,
			now:           midPeriod,
			wantAmount:    0,
			wantAdded:     -3,
			wantRemaining: 15,
			wantMessage:   msgDecrease,
		},
		{
			name:          "period over",
			seats:         8,
			newQuantity:   9,
			now:           periodEnd.Add(time.Hour),
			wantAmount:    0,
			wantAdded:     1,
			wantRemaining: 0,
			wantMessage:   msgPeriodEnding,
		},
		{
			name:          "partial day counts as a day",
			seats:         1,
			newQuantity:   2,
			now:           periodEnd.Add(-36 * time.Hour),
			wantAmount:    67, // 1000 * 2 / 30 = 66.67
			wantAdded:     1,
			wantRemaining: 2,
			wantMessage:   "1 seat(s) added, prorated for 2 of 30 days",
		},
		{
			name:          "before period start is clamped",
			seats:         1,
			newQuantity:   2,
			now:           periodStart.Add(-48 * time.Hour),
			wantAmount:    1000,
			wantAdded:     1,
			wantRemaining: 30,
			wantMessage:   "1 seat(s) added, prorated for 30 of 30 days",
		},
		{
			name:          "rounds half up",
			seats:         0,
			newQuantity:   1,
			now:           periodEnd.Add(-3 * 24 * time.Hour),
			wantAmount:    100, // 1000 * 3 / 30
			wantAdded:     1,
			wantRemaining: 3,
			wantMessage:   "1 seat(s) added, prorated for 3 of 30 days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := CalculateProration(prorationSub(tt.seats), tt.newQuantity, tt.now)
			assert.Equal(t, tt.wantAmount, p.Amount)
			assert.Equal(t, tt.wantAdded, p.SeatsAdded)
			assert.Equal(t, tt.wantRemaining, p.DaysRemaining)
			assert.Equal(t, 30, p.TotalPeriodDays)
			assert.Equal(t, tt.wantMessage, p.Message)
			assert.Equal(t, "pln", p.Currency)
			assert.GreaterOrEqual(t, p.Amount, int64(0))
		})
	}
}

func TestCalculateProration_HalfUnitRoundsUp(t *testing.T) {
	sub := prorationSub(0)
	sub.PerSeatPrice = 5
	sub.PeriodEnd = periodStart.AddDate(0, 0, 2)

	// 5 * 1 / 2 = 2.5 -> 3
	p := CalculateProration(sub, 1, periodStart.Add(36*time.Hour))
	assert.Equal(t, 1, p.DaysRemaining)
	assert.Equal(t, int64(3), p.Amount)
}

func TestCalculateProration_EmptyPeriod(t *testing.T) {
	sub := prorationSub(1)
	sub.PeriodEnd = sub.PeriodStart

	p := CalculateProration(sub, 3, sub.PeriodStart)
	assert.Equal(t, 0, p.TotalPeriodDays)
	assert.Equal(t, int64(0), p.Amount)
	assert.Equal(t, msgPeriodEnding, p.Message)
}

func TestFormatMinorUnits(t *testing.T) {
	assert.Equal(t, "10.00", FormatMinorUnits(1000))
	assert.Equal(t, "0.67", FormatMinorUnits(67))
	assert.Equal(t, "0.00", FormatMinorUnits(0))
	assert.Equal(t, "-1.05", FormatMinorUnits(-105))
	assert.Equal(t, "1234.56", FormatMinorUnits(123456))
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, 10.0, MajorUnits(1000))
	assert.Equal(t, 0.67, MajorUnits(67))
	assert.Equal(t, -1.05, MajorUnits(-105))
	assert.Equal(t, 0.0, MajorUnits(0))
}
