package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/points-engine/ledger"
)

func TestAddMonths(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	tests := []struct {
		name   string
		from   time.Time
		months int
		want   time.Time
	}{
		{"day survives", time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC), 2, time.Date(2025, time.May, 10, 9, 30, 0, 0, time.UTC)},
		{"clamps to February", time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"clamps to a 30-day month", time.Date(2025, time.May, 31, 12, 0, 0, 0, time.UTC), 1, time.Date(2025, time.June, 30, 12, 0, 0, 0, time.UTC)},
		{"crosses the year", time.Date(2025, time.November, 30, 0, 0, 0, 0, time.UTC), 3, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"leap day plus a year", time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), 12, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"keeps the location", time.Date(2025, time.January, 31, 23, 59, 59, 0, kst), 1, time.Date(2025, time.February, 28, 23, 59, 59, 0, kst)},
		{"zero months", time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), 0, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ledger.AddMonths(tt.from, tt.months))
		})
	}
}
