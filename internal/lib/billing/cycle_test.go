package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/subscription-reminder/internal/apperr"
	"github.com/magabrotheeeer/subscription-reminder/internal/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextChargeDate(t *testing.T) {
	tests := []struct {
		name       string
		anchor     time.Time
		cycle      models.BillingCycle
		billingDay int
		customDays int
		want       time.Time
	}{
		{
			name:       "monthly simple",
			anchor:     date(2025, time.March, 15),
			cycle:      models.CycleMonthly,
			billingDay: 15,
			want:       date(2025, time.April, 15),
		},
		{
			name:       "monthly clamp jan 31 to feb 28",
			anchor:     date(2025, time.January, 31),
			cycle:      models.CycleMonthly,
			billingDay: 31,
			want:       date(2025, time.February, 28),
		},
		{
			name:       "monthly clamp jan 31 to feb 29 leap year",
			anchor:     date(2024, time.January, 31),
			cycle:      models.CycleMonthly,
			billingDay: 31,
			want:       date(2024, time.February, 29),
		},
		{
			name:       "monthly restores billing day after short month",
			anchor:     date(2025, time.February, 28),
			cycle:      models.CycleMonthly,
			billingDay: 31,
			want:       date(2025, time.March, 31),
		},
		{
			name:   "monthly without billing day uses anchor day",
			anchor: date(2025, time.May, 3),
			cycle:  models.CycleMonthly,
			want:   date(2025, time.June, 3),
		},
		{
			name:       "quarterly clamp nov 30 to feb 28",
			anchor:     date(2024, time.November, 30),
			cycle:      models.CycleQuarterly,
			billingDay: 30,
			want:       date(2025, time.February, 28),
		},
		{
			name:       "semiannual",
			anchor:     date(2025, time.January, 15),
			cycle:      models.CycleSemiannual,
			billingDay: 15,
			want:       date(2025, time.July, 15),
		},
		{
			name:   "yearly clamp feb 29 to feb 28",
			anchor: date(2024, time.February, 29),
			cycle:  models.CycleYearly,
			want:   date(2025, time.February, 28),
		},
		{
			name:   "yearly december wraps year",
			anchor: date(2025, time.December, 10),
			cycle:  models.CycleYearly,
			want:   date(2026, time.December, 10),
		},
		{
			name:   "weekly",
			anchor: date(2025, time.August, 28),
			cycle:  models.CycleWeekly,
			want:   date(2025, time.September, 4),
		},
		{
			name:       "custom interval",
			anchor:     date(2025, time.August, 1),
			cycle:      models.CycleCustom,
			customDays: 45,
			want:       date(2025, time.September, 15),
		},
		{
			name:   "anchor time of day is ignored",
			anchor: time.Date(2025, time.March, 15, 23, 50, 0, 0, time.UTC),
			cycle:  models.CycleWeekly,
			want:   date(2025, time.March, 22),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextChargeDate(tt.anchor, tt.cycle, tt.billingDay, tt.customDays)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "want %s, got %s", tt.want, got)
			assert.True(t, got.After(Date(tt.anchor)), "next date must be after anchor")
		})
	}
}

func TestNextChargeDate_Errors(t *testing.T) {
	_, err := NextChargeDate(date(2025, time.March, 1), "fortnightly", 0, 0)
	require.ErrorIs(t, err, apperr.ErrUnsupportedCycle)

	_, err = NextChargeDate(date(2025, time.March, 1), models.CycleCustom, 0, 0)
	require.ErrorIs(t, err, apperr.ErrInvalidCustomInterval)

	_, err = NextChargeDate(date(2025, time.March, 1), models.CycleCustom, 0, -7)
	require.ErrorIs(t, err, apperr.ErrInvalidCustomInterval)
}

// Двенадцать последовательных месячных списаний с якоря 31 января високосного года:
// день списания прижимается в коротких месяцах и возвращается к 31-му в длинных,
// без дрейфа назад.
func TestNextChargeDate_TwelveMonthsNoDrift(t *testing.T) {
	current := date(2024, time.January, 31)
	wantDays := []int{29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31, 31}

	for i, wantDay := range wantDays {
		next, err := NextChargeDate(current, models.CycleMonthly, 31, 0)
		require.NoError(t, err)
		assert.Equal(t, wantDay, next.Day(), "step %d: want day %d, got %s", i, wantDay, next)
		assert.True(t, next.After(current))
		current = next
	}
	// Через год возвращаемся к 31 января.
	assert.True(t, current.Equal(date(2025, time.January, 31)))
}

func TestNextChargeAfter(t *testing.T) {
	t.Run("rolls forward over several missed cycles", func(t *testing.T) {
		got, err := NextChargeAfter(
			date(2025, time.January, 10),
			date(2025, time.April, 20),
			models.CycleMonthly, 10, 0)
		require.NoError(t, err)
		assert.True(t, got.Equal(date(2025, time.May, 10)), "got %s", got)
	})

	t.Run("single step when anchor is recent", func(t *testing.T) {
		got, err := NextChargeAfter(
			date(2025, time.August, 25),
			date(2025, time.August, 30),
			models.CycleWeekly, 0, 0)
		require.NoError(t, err)
		assert.True(t, got.Equal(date(2025, time.September, 1)), "got %s", got)
	})

	t.Run("propagates cycle errors", func(t *testing.T) {
		_, err := NextChargeAfter(date(2025, time.January, 1), date(2025, time.June, 1), models.CycleCustom, 0, 0)
		require.ErrorIs(t, err, apperr.ErrInvalidCustomInterval)
	})
}
