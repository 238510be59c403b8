// Package market decides whether the exchange session is open. The NSE
// options session is 09:15-15:30 IST, Monday to Friday; both bounds are
// inclusive at open and exclusive at close.
package market

import (
	"fmt"
	"time"

	"github.com/g6run/g6run/internal/config"
)

// Calendar is a trading-session gate for one exchange.
type Calendar struct {
	openMinute  int
	closeMinute int
	loc         *time.Location
	forceOpen   bool
}

// NewCalendar builds a calendar from market-hours settings.
func NewCalendar(cfg config.MarketHoursConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone %q: %w", cfg.Timezone, err)
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("market open %q: %w", cfg.Open, err)
	}
	close_, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("market close %q: %w", cfg.Close, err)
	}
	if close_ <= open {
		return nil, fmt.Errorf("market close %s not after open %s", cfg.Close, cfg.Open)
	}
	return &Calendar{openMinute: open, closeMinute: close_, loc: loc, forceOpen: cfg.ForceOpen}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// OpenAt reports whether the session is open at t. ForceOpen overrides the
// gate for off-hours testing and replay.
func (c *Calendar) OpenAt(t time.Time) bool {
	if c.forceOpen {
		return true
	}
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= c.openMinute && minute < c.closeMinute
}

// NextOpen returns the next session start at or after t. Used only for log
// context, so it walks day by day.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), c.openMinute/60, c.openMinute%60, 0, 0, c.loc)
		if open.After(t) || open.Equal(t) {
			return open
		}
	}
	return t
}

// Location exposes the session timezone for expiry date math.
func (c *Calendar) Location() *time.Location {
	return c.loc
}
