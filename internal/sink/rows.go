// Package sink persists finished expiry chains as per-strike option rows.
// Both backends share one row model: a strike with its call and put legs
// merged side by side, the absent leg left empty.
package sink

import (
	"sort"

	"github.com/g6run/g6run/internal/domain"
)

// OptionRow is one persisted strike with up to two legs.
type OptionRow struct {
	Strike float64
	CE     *domain.EnrichedOption
	PE     *domain.EnrichedOption
}

// BuildRows folds the enriched legs into strike rows, sorted ascending.
func BuildRows(options []domain.EnrichedOption) []OptionRow {
	byStrike := make(map[float64]*OptionRow, len(options)/2+1)
	var strikes []float64
	for i := range options {
		opt := &options[i]
		row, ok := byStrike[opt.Instrument.Strike]
		if !ok {
			row = &OptionRow{Strike: opt.Instrument.Strike}
			byStrike[opt.Instrument.Strike] = row
			strikes = append(strikes, opt.Instrument.Strike)
		}
		switch opt.Instrument.OptionType {
		case domain.CallOption:
			row.CE = opt
		case domain.PutOption:
			row.PE = opt
		}
	}
	sort.Float64s(strikes)
	out := make([]OptionRow, 0, len(strikes))
	for _, s := range strikes {
		out = append(out, *byStrike[s])
	}
	return out
}
