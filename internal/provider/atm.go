package provider

import (
	"math"
	"time"
)

// StepFor returns the strike step for an index. Configured per-index steps
// win; otherwise the NSE convention of 100 above a 20000 spot and 50 below.
func StepFor(index string, spot float64, steps map[string]float64) float64 {
	if s, ok := steps[index]; ok && s > 0 {
		return s
	}
	if spot > 20000 {
		return 100
	}
	return 50
}

// ATMStrike rounds spot to the nearest step.
func ATMStrike(spot, step float64) float64 {
	if step <= 0 {
		return spot
	}
	return math.Round(spot/step) * step
}

// StrikeLadder returns ascending strikes from atm-itm*step to atm+otm*step.
func StrikeLadder(atm, step float64, itm, otm int) []float64 {
	if step <= 0 || itm < 0 || otm < 0 {
		return nil
	}
	out := make([]float64, 0, itm+otm+1)
	for i := -itm; i <= otm; i++ {
		out = append(out, atm+float64(i)*step)
	}
	return out
}

// FabricateExpiries synthesises the next two weekly (Thursday) expiries when
// the provider cannot resolve real ones. Today counts if it is a Thursday.
func FabricateExpiries(now time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	day := time.Date(now.In(loc).Year(), now.In(loc).Month(), now.In(loc).Day(), 0, 0, 0, 0, loc)
	for day.Weekday() != time.Thursday {
		day = day.AddDate(0, 0, 1)
	}
	return []time.Time{day, day.AddDate(0, 0, 7)}
}

// MonthlyExpiry returns the last Thursday of the month containing t.
func MonthlyExpiry(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	firstNext := time.Date(t.In(loc).Year(), t.In(loc).Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	day := firstNext.AddDate(0, 0, -1)
	for day.Weekday() != time.Thursday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}
