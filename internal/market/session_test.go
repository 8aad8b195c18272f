package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionAt(t *testing.T) {
	c := NewClock(false, []string{"2026-07-03"})
	et, _ := time.LoadLocation("America/New_York")

	tests := []struct {
		name string
		at   time.Time
		want Session
		open bool
	}{
		{"regular", time.Date(2026, 3, 10, 10, 0, 0, 0, et), SessionRegular, true},
		{"open bell", time.Date(2026, 3, 10, 9, 30, 0, 0, et), SessionRegular, true},
		{"premarket", time.Date(2026, 3, 10, 8, 0, 0, 0, et), SessionPremarket, false},
		{"postmarket", time.Date(2026, 3, 10, 16, 0, 0, 0, et), SessionPostmarket, false},
		{"overnight", time.Date(2026, 3, 10, 22, 0, 0, 0, et), SessionClosed, false},
		{"saturday", time.Date(2026, 3, 14, 11, 0, 0, 0, et), SessionClosed, false},
		{"holiday", time.Date(2026, 7, 3, 11, 0, 0, 0, et), SessionClosed, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.SessionAt(tc.at))
			assert.Equal(t, tc.open, c.IsOpen(tc.at))
		})
	}
}

func TestExtendedHoursAllowed(t *testing.T) {
	c := NewClock(true, nil)
	et, _ := time.LoadLocation("America/New_York")

	assert.True(t, c.IsOpen(time.Date(2026, 3, 10, 7, 0, 0, 0, et)))
	assert.False(t, c.IsOpen(time.Date(2026, 3, 10, 21, 0, 0, 0, et)))
	assert.True(t, AlwaysOpen{}.IsOpen(time.Time{}))
}
