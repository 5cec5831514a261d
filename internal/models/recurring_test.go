package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestNextPaymentDate(t *testing.T) {
	cases := []struct {
		name string
		from time.Time
		freq Frequency
		want time.Time
	}{
		{"weekly", date(2025, 1, 15), FrequencyWeekly, date(2025, 1, 22)},
		{"biweekly crosses month", date(2025, 1, 25), FrequencyBiweekly, date(2025, 2, 8)},
		{"monthly", date(2025, 1, 15), FrequencyMonthly, date(2025, 2, 15)},
		{"monthly clamps to february", date(2025, 1, 31), FrequencyMonthly, date(2025, 2, 28)},
		{"monthly clamps to leap february", date(2024, 1, 30), FrequencyMonthly, date(2024, 2, 29)},
		{"monthly over year end", date(2025, 12, 15), FrequencyMonthly, date(2026, 1, 15)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextPaymentDate(tc.from, tc.freq)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestNextPaymentDate_UnknownFrequency(t *testing.T) {
	_, err := NextPaymentDate(date(2025, 1, 15), Frequency("DAILY"))
	assert.Error(t, err)
}
