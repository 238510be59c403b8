package parity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/pipeline"
	"github.com/g6run/g6run/internal/provider"
)

// LegacyCollector is the compact direct collection path: the same facade
// calls the pipeline makes, but folded into one pass with none of the
// phase machinery. It exists so parity can compare the new pipeline
// against the old behaviour on live data.
type LegacyCollector struct {
	set    *config.Settings
	market pipeline.Market
	clock  func() time.Time
}

// NewLegacyCollector wires the compact path against the same market source
// the pipeline uses.
func NewLegacyCollector(set *config.Settings, market pipeline.Market, clock func() time.Time) *LegacyCollector {
	if clock == nil {
		clock = time.Now
	}
	return &LegacyCollector{set: set, market: market, clock: clock}
}

// Collect produces the fingerprint tuple for one (index, rule) in a single
// pass.
func (l *LegacyCollector) Collect(ctx context.Context, index string, rule domain.Rule) (Fields, error) {
	var f Fields

	expiries, err := l.market.ResolveExpiries(ctx, index)
	if err != nil {
		return f, err
	}
	target, err := legacyPick(rule, expiries, l.clock())
	if err != nil {
		return f, err
	}
	f.ExpiryDate = domain.ExpiryKey(target)

	atm, _, err := l.market.ATMStrike(ctx, index)
	if err != nil {
		return f, err
	}

	all, err := l.market.Instruments(ctx, l.set.Collection.Exchange)
	if err != nil {
		return f, err
	}
	var insts []domain.Instrument
	for _, inst := range all {
		if !inst.OptionType.Valid() || !strings.HasPrefix(inst.Symbol, index) {
			continue
		}
		if len(inst.Symbol) <= len(index) || inst.Symbol[len(index)] < '0' || inst.Symbol[len(index)] > '9' {
			continue
		}
		if domain.ExpiryKey(inst.Expiry) != f.ExpiryDate {
			continue
		}
		insts = append(insts, inst)
	}

	idx := l.indexConfig(index)
	itm, otm := idx.Depths(l.set.IndexParams)
	step := provider.StepFor(index, atm, l.set.Provider.StrikeSteps)
	if idx.StrikeStep > 0 {
		step = idx.StrikeStep
	}
	ladder := provider.StrikeLadder(atm, step, itm, otm)
	allowed := make(map[float64]bool, len(ladder))
	for _, s := range ladder {
		allowed[s] = true
	}
	kept := insts[:0]
	for _, inst := range insts {
		if allowed[inst.Strike] {
			kept = append(kept, inst)
		}
	}
	f.InstrumentCount = len(kept)
	if len(kept) == 0 {
		return f, nil
	}

	refs := make([]provider.InstrumentRef, 0, len(kept))
	for _, inst := range kept {
		refs = append(refs, provider.InstrumentRef{Exchange: inst.Exchange, Symbol: inst.Symbol})
	}
	quotes, err := l.market.Quotes(ctx, index, refs)
	if err != nil {
		return f, err
	}

	strikes := map[float64]bool{}
	var callOI, putOI int64
	fieldSum := 0.0
	count := 0
	for _, inst := range kept {
		q, ok := quotes[inst.Symbol]
		if !ok {
			continue
		}
		count++
		strikes[inst.Strike] = true
		oi := q.OI
		if oi == 0 {
			oi = inst.OI
		}
		if inst.OptionType == domain.CallOption {
			callOI += oi
		} else {
			putOI += oi
		}
		have := 0
		for _, set := range []bool{q.LastPrice > 0, q.Bid > 0, q.Ask > 0, q.Volume > 0, q.OI > 0} {
			if set {
				have++
			}
		}
		fieldSum += float64(have) / 5
	}

	f.PersistCount = count
	f.StrikeCount = len(strikes)
	top := make([]float64, 0, len(strikes))
	for s := range strikes {
		top = append(top, s)
	}
	sort.Float64s(top)
	if len(top) > maxTopStrikes {
		top = top[:maxTopStrikes]
	}
	f.TopStrikes = top
	if len(ladder) > 0 {
		f.CoverageStrike = float64(len(strikes)) / float64(len(ladder))
	}
	if count > 0 {
		f.CoverageField = fieldSum / float64(count)
	}
	if callOI > 0 {
		f.PCR = float64(putOI) / float64(callOI)
	}
	f.Alerts = l.deriveAlerts(f, count, len(kept))
	return f, nil
}

// deriveAlerts raises the subset of alert names the single-pass path can
// observe, with the same thresholds the pipeline uses so alert parity
// compares like with like.
func (l *LegacyCollector) deriveAlerts(f Fields, quoted, kept int) []string {
	var alerts []string
	if quoted > 0 && quoted < kept {
		alerts = append(alerts, "partial_quotes")
	}
	if floor := l.set.Pipeline.CoverageStrikeFloor; floor > 0 && f.CoverageStrike < floor {
		alerts = append(alerts, "low_strike_coverage")
	}
	if floor := l.set.Pipeline.CoverageFieldFloor; floor > 0 && f.CoverageField < floor {
		alerts = append(alerts, "low_field_coverage")
	}
	sort.Strings(alerts)
	return alerts
}

func (l *LegacyCollector) indexConfig(index string) config.IndexConfig {
	for _, ic := range l.set.Collection.Indices {
		if strings.EqualFold(ic.Name, index) {
			return ic
		}
	}
	return config.IndexConfig{Name: index}
}

// legacyPick mirrors the historical expiry selection: first or second
// upcoming for weeklies, last expiry inside the clock's calendar month for
// this_month and inside the month after it for next_month.
func legacyPick(rule domain.Rule, expiries []time.Time, now time.Time) (time.Time, error) {
	var upcoming []time.Time
	seen := map[string]bool{}
	for _, e := range expiries {
		k := domain.ExpiryKey(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		if e.Year() > now.Year() || (e.Year() == now.Year() && e.YearDay() >= now.YearDay()) {
			upcoming = append(upcoming, e)
		}
	}
	if len(upcoming) == 0 {
		return time.Time{}, fmt.Errorf("no upcoming expiries")
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Before(upcoming[j]) })

	switch rule {
	case domain.RuleThisWeek:
		return upcoming[0], nil
	case domain.RuleNextWeek:
		if len(upcoming) > 1 {
			return upcoming[1], nil
		}
	case domain.RuleThisMonth, domain.RuleNextMonth:
		y, m := now.Year(), now.Month()
		if rule == domain.RuleNextMonth {
			n := time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
			y, m = n.Year(), n.Month()
		}
		var last time.Time
		for _, e := range upcoming {
			if e.Year() == y && e.Month() == m {
				last = e
			}
		}
		if !last.IsZero() {
			return last, nil
		}
	}
	return time.Time{}, fmt.Errorf("no expiry for rule %s", rule)
}
