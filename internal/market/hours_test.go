package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/config"
)

func nseCalendar(t *testing.T, force bool) *Calendar {
	t.Helper()
	cal, err := NewCalendar(config.MarketHoursConfig{
		Open: "09:15", Close: "15:30", Timezone: "Asia/Kolkata", ForceOpen: force,
	})
	require.NoError(t, err)
	return cal
}

func ist(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func TestCalendar_OpenAt(t *testing.T) {
	cal := nseCalendar(t, false)

	tests := []struct {
		name string
		at   string
		open bool
	}{
		{"monday mid-session", "2026-08-24 11:00", true},
		{"open boundary inclusive", "2026-08-24 09:15", true},
		{"before open", "2026-08-24 09:14", false},
		{"close boundary exclusive", "2026-08-24 15:30", false},
		{"last open minute", "2026-08-24 15:29", true},
		{"saturday", "2026-08-22 11:00", false},
		{"sunday", "2026-08-23 11:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, cal.OpenAt(ist(t, tt.at)))
		})
	}
}

func TestCalendar_OpenAt_ConvertsZones(t *testing.T) {
	cal := nseCalendar(t, false)

	// 05:30 UTC == 11:00 IST on the same Monday.
	utc := time.Date(2026, 8, 24, 5, 30, 0, 0, time.UTC)
	assert.True(t, cal.OpenAt(utc))
}

func TestCalendar_ForceOpen(t *testing.T) {
	cal := nseCalendar(t, true)
	assert.True(t, cal.OpenAt(ist(t, "2026-08-23 03:00")))
}

func TestCalendar_NextOpen_SkipsWeekend(t *testing.T) {
	cal := nseCalendar(t, false)

	next := cal.NextOpen(ist(t, "2026-08-22 11:00"))
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 15, next.Minute())
}

func TestNewCalendar_Rejections(t *testing.T) {
	_, err := NewCalendar(config.MarketHoursConfig{Open: "09:15", Close: "15:30", Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = NewCalendar(config.MarketHoursConfig{Open: "15:30", Close: "09:15", Timezone: "Asia/Kolkata"})
	require.Error(t, err)

	_, err = NewCalendar(config.MarketHoursConfig{Open: "9am", Close: "15:30", Timezone: "Asia/Kolkata"})
	require.Error(t, err)
}
