package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/greeks"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/provider"
)

// Market is the slice of the provider facade the phases consume.
// *provider.Facade satisfies it.
type Market interface {
	Name() string
	Capabilities() provider.Capability
	Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error)
	ResolveExpiries(ctx context.Context, index string) ([]time.Time, error)
	Quotes(ctx context.Context, index string, refs []provider.InstrumentRef) (map[string]domain.Quote, error)
	LTP(ctx context.Context, refs []provider.InstrumentRef) (map[string]float64, error)
	ATMStrike(ctx context.Context, index string) (strike, spot float64, err error)
}

// Sink persists the option rows of one finished expiry.
type Sink interface {
	Name() string
	WriteExpiry(ctx context.Context, index string, rule domain.Rule, expiry string, at time.Time, options []domain.EnrichedOption) (rows int, err error)
}

// Collector owns the phase implementations and their dependencies.
type Collector struct {
	set    *config.Settings
	market Market
	sinks  []Sink
	reg    *metrics.Registry
	batch  *metrics.Batcher
	events *bus.Bus
	solver greeks.Solver
	loc    *time.Location
	clock  func() time.Time
}

// CollectorOption adjusts collector construction.
type CollectorOption func(*Collector)

// WithCollectorClock injects a deterministic time source.
func WithCollectorClock(clock func() time.Time) CollectorOption {
	return func(c *Collector) { c.clock = clock }
}

// NewCollector wires the phases to a market source, sinks and the metrics
// surface. The expiry timezone follows the market-hours configuration.
func NewCollector(set *config.Settings, market Market, sinks []Sink, reg *metrics.Registry, batch *metrics.Batcher, events *bus.Bus, opts ...CollectorOption) *Collector {
	loc, err := time.LoadLocation(set.Collection.MarketHours.Timezone)
	if err != nil {
		loc = time.UTC
	}
	c := &Collector{
		set:    set,
		market: market,
		sinks:  sinks,
		reg:    reg,
		batch:  batch,
		events: events,
		solver: greeks.Solver{
			Min:           set.Greeks.IVMin,
			Max:           set.Greeks.IVMax,
			Precision:     set.Greeks.IVPrecision,
			MaxIterations: set.Greeks.IVMaxIterations,
		},
		loc:   loc,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// phases returns the fixed sequence in execution order.
func (c *Collector) phases() []phase {
	return []phase{
		{"resolve", c.resolve},
		{"fetch", c.fetch},
		{"prefilter", c.prefilter},
		{"enrich", c.enrich},
		{"validate", c.validate},
		{"salvage", c.salvage},
		{"coverage", c.coverage},
		{"iv", c.impliedVol},
		{"greeks", c.computeGreeks},
		{"persist", c.persist},
		{"classify", c.classify},
		{"snapshot", c.snapshot},
		{"summarize", c.summarize},
	}
}

// resolve picks the expiry date for the rule and anchors the ATM strike.
// An empty or unresolvable catalogue aborts unless fabrication is on AND the
// provider still serves instruments for the index, in which case the weekly
// Thursday convention fills the gap and the run is marked fabricated.
func (c *Collector) resolve(ctx context.Context, st *ExpiryState) error {
	fabricate := c.set.Pipeline.Fabrication == "weekly"
	now := c.clock().In(c.loc)

	expiries, err := c.market.ResolveExpiries(ctx, st.Index)
	if err != nil || len(expiries) == 0 {
		var auth *provider.AuthError
		if errors.As(err, &auth) {
			return err
		}
		if !fabricate || !c.instrumentsExist(ctx, st.Index) {
			if err == nil {
				err = fmt.Errorf("provider returned no expiries for %s", st.Index)
			}
			return Abort(provider.ReasonExpiryUnresolved, err)
		}
		expiries = provider.FabricateExpiries(now, c.loc)
		c.markFabricated(st)
	} else {
		st.MetaPut("expiry_source", "resolved")
	}

	target, perr := pickExpiry(st.Rule, expiries, now)
	if perr != nil {
		monthly := st.Rule == domain.RuleThisMonth || st.Rule == domain.RuleNextMonth
		if !fabricate || !monthly {
			return Abort(provider.ReasonExpiryUnresolved, perr)
		}
		anchor := now
		if st.Rule == domain.RuleNextMonth {
			anchor = anchor.AddDate(0, 1, 0)
		}
		target = provider.MonthlyExpiry(anchor, c.loc)
		c.markFabricated(st)
	}
	st.ExpiryDate = domain.ExpiryKey(target)

	strike, spot, err := c.market.ATMStrike(ctx, st.Index)
	if err != nil {
		return err
	}
	st.ATMStrike = strike
	st.Spot = spot
	st.MetaPut("expiry_date", st.ExpiryDate)
	st.MetaPut("atm_strike", strike)
	return nil
}

func (c *Collector) markFabricated(st *ExpiryState) {
	if st.Fabricated {
		return
	}
	st.Fabricated = true
	st.Flag("fabricated")
	st.MetaPut("expiry_source", "fabricated")
	c.batch.Inc(metrics.MExpiryFabricated, st.Index)
}

// instrumentsExist reports whether the provider serves any option instrument
// matching the index root. Fabrication requires a live universe; with
// nothing to collect, resolve aborts instead.
func (c *Collector) instrumentsExist(ctx context.Context, index string) bool {
	all, err := c.market.Instruments(ctx, c.set.Collection.Exchange)
	if err != nil || len(all) == 0 {
		return false
	}
	strict := true
	if v := c.set.IndexParams.StrictSymbolMatch; v != nil {
		strict = *v
	}
	for _, inst := range all {
		if inst.OptionType.Valid() && symbolMatches(inst.Symbol, index, strict) {
			return true
		}
	}
	return false
}

// pickExpiry selects the concrete date for a rule from upcoming expiries.
// Weekly rules take the first and second upcoming dates; monthly rules take
// the last expiry inside the clock's calendar month (this_month) or the
// month after it (next_month), which matches the exchange convention of the
// monthly being the final weekly of that month.
func pickExpiry(rule domain.Rule, expiries []time.Time, now time.Time) (time.Time, error) {
	seen := map[string]bool{}
	var upcoming []time.Time
	for _, e := range expiries {
		key := domain.ExpiryKey(e)
		if seen[key] {
			continue
		}
		seen[key] = true
		if e.Year() > now.Year() || (e.Year() == now.Year() && e.YearDay() >= now.YearDay()) {
			upcoming = append(upcoming, e)
		}
	}
	if len(upcoming) == 0 {
		return time.Time{}, fmt.Errorf("no upcoming expiries for rule %s", rule)
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Before(upcoming[j]) })

	lastIn := func(year int, month time.Month) (time.Time, bool) {
		var out time.Time
		found := false
		for _, e := range upcoming {
			if e.Year() == year && e.Month() == month {
				out = e
				found = true
			}
		}
		return out, found
	}

	switch rule {
	case domain.RuleThisWeek:
		return upcoming[0], nil
	case domain.RuleNextWeek:
		if len(upcoming) < 2 {
			return time.Time{}, fmt.Errorf("only one upcoming expiry, cannot satisfy %s", rule)
		}
		return upcoming[1], nil
	case domain.RuleThisMonth:
		if e, ok := lastIn(now.Year(), now.Month()); ok {
			return e, nil
		}
	case domain.RuleNextMonth:
		next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
		if e, ok := lastIn(next.Year(), next.Month()); ok {
			return e, nil
		}
	}
	return time.Time{}, fmt.Errorf("no expiry satisfies rule %s", rule)
}

// fetch pulls the full instrument dump and narrows it to this index and
// expiry date, deduplicating by instrument id. Root matching is strict by
// default: the index root followed by a digit, which keeps NIFTY from
// swallowing FINNIFTY and NIFTYNXT50. An empty dump and an empty survivor
// set carry distinct tokens so operators can tell a dead provider from an
// over-tight filter.
func (c *Collector) fetch(ctx context.Context, st *ExpiryState) error {
	all, err := c.market.Instruments(ctx, c.set.Collection.Exchange)
	if err != nil {
		return err
	}
	st.MetaPut("instrument_count_raw", len(all))
	if len(all) == 0 {
		return Recoverable(provider.ReasonNoInstruments, fmt.Errorf("instrument domain empty on %s", c.set.Collection.Exchange))
	}

	strict := true
	if v := c.set.IndexParams.StrictSymbolMatch; v != nil {
		strict = *v
	}

	seen := make(map[string]bool, len(all))
	dupes := 0
	var kept []domain.Instrument
	for _, inst := range all {
		if !inst.OptionType.Valid() {
			continue
		}
		if !symbolMatches(inst.Symbol, st.Index, strict) {
			continue
		}
		if domain.ExpiryKey(inst.Expiry) != st.ExpiryDate {
			continue
		}
		id := inst.ID
		if id == "" {
			id = inst.Symbol
		}
		if seen[id] {
			dupes++
			continue
		}
		seen[id] = true
		kept = append(kept, inst)
	}
	st.Instruments = kept
	st.MetaPut("instrument_count", len(kept))
	st.MetaPut("instrument_duplicates", dupes)

	if len(kept) == 0 {
		return Recoverable("no_instruments", fmt.Errorf("no instruments for %s expiring %s", st.Index, st.ExpiryDate))
	}
	return nil
}

// symbolMatches applies the root test. Strict requires the root as a
// prefix followed by a digit; legacy accepts any substring occurrence.
func symbolMatches(symbol, root string, strict bool) bool {
	if !strict {
		return strings.Contains(symbol, root)
	}
	if !strings.HasPrefix(symbol, root) || len(symbol) <= len(root) {
		return false
	}
	return unicode.IsDigit(rune(symbol[len(root)]))
}

// prefilter clamps the instrument set to the configured strike window
// around ATM, applies the liquidity thresholds (minimum volume, minimum
// open interest, optional volume percentile), then clamps to the
// max-instrument ceiling by moneyness. Surviving strikes are re-derived
// onto the state, sorted strictly ascending. Instruments reporting zero
// volume or OI are treated as unknown and pass the thresholds.
func (c *Collector) prefilter(ctx context.Context, st *ExpiryState) error {
	if len(st.Instruments) == 0 {
		return nil
	}
	idxCfg := c.indexConfig(st.Index)
	itm, otm := idxCfg.Depths(c.set.IndexParams)
	step := provider.StepFor(st.Index, st.Spot, c.set.Provider.StrikeSteps)
	if s := idxCfg.StrikeStep; s > 0 {
		step = s
	}

	ladder := provider.StrikeLadder(st.ATMStrike, step, itm, otm)
	allowed := make(map[float64]bool, len(ladder))
	for _, s := range ladder {
		allowed[s] = true
	}

	var kept []domain.Instrument
	for _, inst := range st.Instruments {
		if allowed[inst.Strike] {
			kept = append(kept, inst)
		}
	}
	windowDropped := len(st.Instruments) - len(kept)

	liquidityDropped := 0
	if minVol, minOI := c.set.Pipeline.MinVolume, c.set.Pipeline.MinOpenInterest; minVol > 0 || minOI > 0 {
		filtered := kept[:0]
		for _, inst := range kept {
			if minVol > 0 && inst.Volume > 0 && inst.Volume < minVol {
				liquidityDropped++
				continue
			}
			if minOI > 0 && inst.OI > 0 && inst.OI < minOI {
				liquidityDropped++
				continue
			}
			filtered = append(filtered, inst)
		}
		kept = filtered
	}

	percentileDropped := 0
	if pct := c.set.Pipeline.VolumePercentile; pct > 0 && pct < 100 && len(kept) > 1 {
		floor := volumePercentile(kept, pct)
		filtered := kept[:0]
		for _, inst := range kept {
			if inst.Volume > 0 && inst.Volume < floor {
				percentileDropped++
				continue
			}
			filtered = append(filtered, inst)
		}
		kept = filtered
	}

	clamped := 0
	if limit := c.set.IndexParams.MaxInstruments; limit > 0 && len(kept) > limit {
		sort.Slice(kept, func(i, j int) bool {
			di := math.Abs(kept[i].Strike - st.ATMStrike)
			dj := math.Abs(kept[j].Strike - st.ATMStrike)
			if di == dj {
				return kept[i].Symbol < kept[j].Symbol
			}
			return di < dj
		})
		clamped = len(kept) - limit
		kept = kept[:limit]
		st.Flag("prefilter_clamped")
		c.events.Publish(bus.Event{
			Name:  bus.EventPrefilterClamped,
			Index: st.Index,
			Cycle: st.CycleID,
			Fields: map[string]any{
				"rule":    st.Rule.String(),
				"dropped": clamped,
				"kept":    len(kept),
			},
		})
	}

	st.Instruments = kept
	st.Strikes = distinctStrikes(kept)
	st.MetaPut("prefilter_window_dropped", windowDropped)
	st.MetaPut("prefilter_liquidity_dropped", liquidityDropped)
	st.MetaPut("prefilter_percentile_dropped", percentileDropped)
	st.MetaPut("prefilter_clamped", clamped)
	st.MetaPut("strike_window", len(ladder))

	if len(kept) == 0 {
		return Recoverable("prefilter_empty", fmt.Errorf("prefilter eliminated all %d instruments", windowDropped+liquidityDropped+percentileDropped))
	}
	return nil
}

// volumePercentile returns the volume at the pct-th percentile of the
// instruments reporting one, nearest-rank convention. Zero when none report.
func volumePercentile(insts []domain.Instrument, pct float64) int64 {
	vols := make([]int64, 0, len(insts))
	for _, inst := range insts {
		if inst.Volume > 0 {
			vols = append(vols, inst.Volume)
		}
	}
	if len(vols) == 0 {
		return 0
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })
	rank := int(math.Ceil(pct / 100 * float64(len(vols))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(vols) {
		rank = len(vols)
	}
	return vols[rank-1]
}

// distinctStrikes returns the distinct strikes of the set, strictly
// ascending.
func distinctStrikes(insts []domain.Instrument) []float64 {
	seen := make(map[float64]bool, len(insts))
	out := make([]float64, 0, len(insts))
	for _, inst := range insts {
		if seen[inst.Strike] {
			continue
		}
		seen[inst.Strike] = true
		out = append(out, inst.Strike)
	}
	sort.Float64s(out)
	return out
}

func (c *Collector) indexConfig(index string) config.IndexConfig {
	for _, ic := range c.set.Collection.Indices {
		if strings.EqualFold(ic.Name, index) {
			return ic
		}
	}
	return config.IndexConfig{Name: index}
}

// enrich fetches quotes for the surviving instruments and pairs them up.
// An empty quote domain and a built map that ends up empty carry distinct
// tokens. With no instruments there is nothing to quote and the phase is a
// no-op, so an upstream fetch failure stays the run's single error.
func (c *Collector) enrich(ctx context.Context, st *ExpiryState) error {
	if len(st.Instruments) == 0 {
		return nil
	}
	refs := make([]provider.InstrumentRef, 0, len(st.Instruments))
	for _, inst := range st.Instruments {
		refs = append(refs, provider.InstrumentRef{Exchange: inst.Exchange, Symbol: inst.Symbol})
	}

	quotes, err := c.market.Quotes(ctx, st.Index, refs)
	if err != nil {
		var noQuotes *provider.NoQuotesError
		if errors.As(err, &noQuotes) {
			return Recoverable("enrich_no_quotes_domain", err)
		}
		return err
	}
	if len(quotes) == 0 {
		return Recoverable("enrich_no_quotes_domain", fmt.Errorf("empty quote batch for %d instruments", len(refs)))
	}
	st.Quotes = quotes
	c.batch.Add(float64(len(quotes)), metrics.MQuotesReceived, st.Index)

	enriched := make(map[string]domain.EnrichedOption, len(quotes))
	for _, inst := range st.Instruments {
		q, ok := quotes[inst.Symbol]
		if !ok {
			continue
		}
		enriched[inst.Symbol] = domain.EnrichedOption{Instrument: inst, Quote: q}
	}
	st.Enriched = enriched
	st.MetaPut("quote_count", len(quotes))

	if len(enriched) == 0 {
		return Recoverable("enrich_empty", fmt.Errorf("no quote matched any of %d instruments", len(st.Instruments)))
	}
	return nil
}

// validate runs the preventive checks: enriched rows must come from the
// fetched instrument set, carry this run's expiry, hold a usable price,
// and the surviving strikes must clear the coverage floors. Soft failures
// drop the offending rows, append a validate:<issue> token each and set
// flags.validation_failed, leaving recovery to salvage; a violated
// structural invariant aborts the run.
func (c *Collector) validate(ctx context.Context, st *ExpiryState) error {
	if len(st.Enriched) == 0 {
		return nil
	}

	ids := make(map[string]bool, len(st.Instruments))
	for _, inst := range st.Instruments {
		ids[inst.Symbol] = true
	}
	for sym := range st.Enriched {
		if !ids[sym] {
			return Abort("validate_schema", fmt.Errorf("enriched symbol %s is not in the fetched instrument set", sym))
		}
	}

	issues := map[string]int{}
	for sym, opt := range st.Enriched {
		q := opt.Quote
		switch {
		case domain.ExpiryKey(opt.Instrument.Expiry) != st.ExpiryDate:
			issues["foreign_expiry"]++
			delete(st.Enriched, sym)
		case q.LastPrice <= 0 && q.Bid <= 0 && q.Ask <= 0:
			issues["missing_fields"]++
			delete(st.Enriched, sym)
		case q.LastPrice <= 0 && q.Volume > 0:
			issues["bad_price"]++
			delete(st.Enriched, sym)
		case q.Bid > 0 && q.Ask > 0 && q.Bid > q.Ask:
			issues["crossed_quote"]++
			delete(st.Enriched, sym)
		}
	}

	if window := st.MetaInt("strike_window"); window > 0 {
		cov := float64(len(st.CoveredStrikes())) / float64(window)
		if floor := c.set.Pipeline.CoverageStrikeFloor; floor > 0 && cov < floor {
			issues["coverage_floor"]++
		}
	}
	if floor := c.set.Pipeline.CoverageFieldFloor; floor > 0 && len(st.Enriched) > 0 {
		if cov := fieldCoverage(st.Enriched); cov < floor {
			issues["field_coverage_floor"]++
		}
	}

	// Fixed emission order keeps the error-export hash stable across runs.
	dropped := 0
	for _, issue := range []string{"foreign_expiry", "missing_fields", "bad_price", "crossed_quote", "coverage_floor", "field_coverage_floor"} {
		n, hit := issues[issue]
		if !hit {
			continue
		}
		c.recordValidateIssue(st, issue, n)
		switch issue {
		case "coverage_floor", "field_coverage_floor":
		default:
			dropped += n
		}
	}
	if len(issues) > 0 {
		st.Flag("validation_failed")
	}
	st.MetaPut("validate_dropped", dropped)
	return nil
}

// recordValidateIssue appends the soft validate:<issue> token with its
// structured twin and bumps the rejection counter. Soft issues never carry
// an executor outcome; the run continues into salvage.
func (c *Collector) recordValidateIssue(st *ExpiryState, issue string, count int) {
	st.AddRecord(PhaseErrorRecord{
		Phase:          "validate",
		Classification: "validate",
		OutcomeToken:   "validate:" + issue,
		Message:        fmt.Sprintf("%d row(s) flagged %s", count, issue),
		Detail:         issue,
		Attempt:        1,
		Time:           c.clock(),
	})
	c.batch.Add(float64(count), metrics.MExpiryRejected, st.Index, issue)
}

// fieldCoverage is the mean fraction of the five optional quote fields
// present across the enriched set.
func fieldCoverage(enriched map[string]domain.EnrichedOption) float64 {
	if len(enriched) == 0 {
		return 0
	}
	total := 0.0
	for _, opt := range enriched {
		q := opt.Quote
		have := 0
		for _, set := range []bool{q.LastPrice > 0, q.Bid > 0, q.Ask > 0, q.Volume > 0, q.OI > 0} {
			if set {
				have++
			}
		}
		total += float64(have) / 5
	}
	return total / float64(len(enriched))
}

// salvageBudget caps how many rows one expiry may recover via LTP.
const salvageBudget = 3

// salvage retries a handful of instruments that validation dropped or
// enrichment never quoted, rebuilding price-only rows from last traded
// price. It never fabricates a quote: instruments the provider cannot
// price stay missing. LTP errors are swallowed unless the context is done.
func (c *Collector) salvage(ctx context.Context, st *ExpiryState) error {
	if enabled := c.set.Pipeline.SalvageEnabled; enabled != nil && !*enabled {
		return nil
	}
	if len(st.Instruments) == 0 || c.market.Capabilities()&provider.CapLTP == 0 {
		return nil
	}

	missing := make([]domain.Instrument, 0, salvageBudget)
	for _, inst := range st.Instruments {
		if _, ok := st.Enriched[inst.Symbol]; ok {
			continue
		}
		missing = append(missing, inst)
		if len(missing) == salvageBudget {
			break
		}
	}
	if len(missing) == 0 {
		return nil
	}

	refs := make([]provider.InstrumentRef, 0, len(missing))
	for _, inst := range missing {
		refs = append(refs, provider.InstrumentRef{Exchange: inst.Exchange, Symbol: inst.Symbol})
	}
	ltps, err := c.market.LTP(ctx, refs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Str("target", st.LogKey()).Err(err).Msg("salvage ltp fetch failed")
		return nil
	}

	now := c.clock()
	recovered := 0
	if st.Enriched == nil {
		st.Enriched = make(map[string]domain.EnrichedOption, len(missing))
	}
	for _, inst := range missing {
		price, ok := ltps[inst.Symbol]
		if !ok || price <= 0 {
			continue
		}
		st.Enriched[inst.Symbol] = domain.EnrichedOption{
			Instrument: inst,
			Quote:      domain.Quote{Symbol: inst.Symbol, LastPrice: price, Timestamp: now},
			LTPOnly:    true,
		}
		recovered++
	}
	if recovered == 0 {
		return nil
	}

	st.Flag("salvaged")
	st.MetaPut("salvaged_count", recovered)
	c.batch.Inc(metrics.MExpirySalvaged, st.Index)
	return nil
}

// coverage records strike completeness against the planned ladder and the
// mean optional-field completeness. Floors are validate's concern; this
// phase only measures, so salvaged rows count toward the ratios.
func (c *Collector) coverage(ctx context.Context, st *ExpiryState) error {
	strikeCov := 0.0
	if window := st.MetaInt("strike_window"); window > 0 {
		strikeCov = float64(len(st.CoveredStrikes())) / float64(window)
	}
	fieldCov := fieldCoverage(st.Enriched)

	st.MetaPut("coverage_strike", strikeCov)
	st.MetaPut("coverage_field", fieldCov)
	return nil
}

// impliedVol solves IV per option. Non-convergence falls back to the
// configured default vol and flags the row; the phase itself never fails.
func (c *Collector) impliedVol(ctx context.Context, st *ExpiryState) error {
	if est := c.set.Greeks.EstimateIV; est != nil && !*est {
		return nil
	}
	if len(st.Enriched) == 0 {
		return nil
	}

	now := c.clock()
	success, failure, iterSum := 0, 0, 0
	for sym, opt := range st.Enriched {
		p := greeks.Params{
			Spot:         st.Spot,
			Strike:       opt.Instrument.Strike,
			TimeToExpiry: greeks.TimeToExpiry(now, opt.Instrument.Expiry),
			Rate:         c.set.Greeks.RiskFreeRate,
		}
		vol, iters, err := greeks.ImpliedVol(opt.Instrument.OptionType, p, opt.Quote.LastPrice, c.solver)
		if err != nil {
			opt.IV = c.set.Greeks.FallbackIV
			opt.IVFallback = true
			failure++
		} else {
			opt.IV = vol
			opt.IVIterations = iters
			iterSum += iters
			success++
		}
		st.Enriched[sym] = opt
	}

	rule := st.Rule.String()
	if success > 0 {
		c.batch.Add(float64(success), metrics.MIVSuccess, st.Index, rule)
		c.reg.Gauge(metrics.MIVAvgIterations, st.Index, rule).Set(float64(iterSum) / float64(success))
	}
	if failure > 0 {
		c.batch.Add(float64(failure), metrics.MIVFailure, st.Index, rule)
	}
	st.MetaPut("iv_success", success)
	st.MetaPut("iv_fallback", failure)
	return nil
}

// computeGreeks derives Black-Scholes sensitivities from the solved or
// fallback vol for every enriched option.
func (c *Collector) computeGreeks(ctx context.Context, st *ExpiryState) error {
	if cg := c.set.Greeks.ComputeGreeks; cg != nil && !*cg {
		return nil
	}
	if len(st.Enriched) == 0 {
		return nil
	}

	now := c.clock()
	computed, failed := 0, 0
	for sym, opt := range st.Enriched {
		if opt.IV <= 0 {
			failed++
			continue
		}
		p := greeks.Params{
			Spot:         st.Spot,
			Strike:       opt.Instrument.Strike,
			TimeToExpiry: greeks.TimeToExpiry(now, opt.Instrument.Expiry),
			Rate:         c.set.Greeks.RiskFreeRate,
		}
		opt.Greeks = greeks.Compute(opt.Instrument.OptionType, p, opt.IV)
		st.Enriched[sym] = opt
		computed++
	}

	if computed > 0 {
		c.batch.Add(float64(computed), metrics.MGreeksComputed, st.Index)
	}
	if failed > 0 {
		c.batch.Add(float64(failed), metrics.MGreeksFailed, st.Index)
	}
	st.MetaPut("greeks_computed", computed)
	return nil
}

// persist writes rows to every configured sink. A sink that fails gets one
// immediate retry before it counts as failed; a partial failure is recorded
// as a soft token so the snapshot still materializes, while losing every
// sink is fatal for the expiry. The simulated option count is recorded
// before any write so parity can compare it without sinks.
func (c *Collector) persist(ctx context.Context, st *ExpiryState) error {
	options := sortedOptions(st.Enriched)
	st.MetaPut("persist_options_simulated", len(options))
	if len(options) == 0 || len(c.sinks) == 0 {
		st.MetaPut("persist_rows", 0)
		return nil
	}

	now := c.clock()
	rows, ok, failedSinks := 0, 0, []string{}
	var lastErr error
	for _, s := range c.sinks {
		n, err := s.WriteExpiry(ctx, st.Index, st.Rule, st.ExpiryDate, now, options)
		if err != nil && ctx.Err() == nil {
			n, err = s.WriteExpiry(ctx, st.Index, st.Rule, st.ExpiryDate, now, options)
		}
		if err != nil {
			failedSinks = append(failedSinks, s.Name())
			lastErr = err
			log.Error().Str("sink", s.Name()).Str("target", st.LogKey()).Err(err).Msg("sink write failed")
			continue
		}
		rows += n
		ok++
	}
	st.MetaPut("persist_rows", rows)
	st.MetaPut("persist_sinks_ok", ok)
	st.MetaPut("persist_sinks_failed", len(failedSinks))

	if len(failedSinks) == len(c.sinks) {
		return Fatal("persist_sink", fmt.Errorf("all %d sinks failed: %w", len(c.sinks), lastErr))
	}
	st.Flag("persisted")
	if len(failedSinks) > 0 {
		st.AddRecord(PhaseErrorRecord{
			Phase:          "persist",
			Classification: "recoverable",
			Message:        fmt.Sprintf("sinks %s failed after retry: %v", strings.Join(failedSinks, ","), lastErr),
			Detail:         "persist_partial",
			Attempt:        1,
			Time:           now,
		})
	}
	return nil
}

// sortedOptions flattens the enriched map deterministically by strike then
// option type then symbol.
func sortedOptions(enriched map[string]domain.EnrichedOption) []domain.EnrichedOption {
	out := make([]domain.EnrichedOption, 0, len(enriched))
	for _, opt := range enriched {
		out = append(out, opt)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Instrument, out[j].Instrument
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		if a.OptionType != b.OptionType {
			return a.OptionType < b.OptionType
		}
		return a.Symbol < b.Symbol
	})
	return out
}

// classifyRule matches one expiry class. Rules are evaluated in order and
// the first match wins.
type classifyRule struct {
	class string
	match func(st *ExpiryState, unquoted int) bool
}

var classifyRules = []classifyRule{
	{"empty", func(st *ExpiryState, _ int) bool { return len(st.Enriched) == 0 }},
	{"salvaged", func(st *ExpiryState, _ int) bool { return st.HasFlag("salvaged") }},
	{"full", func(st *ExpiryState, unquoted int) bool {
		return unquoted == 0 && st.MetaInt("validate_dropped") == 0
	}},
	{"partial_quotes", func(st *ExpiryState, _ int) bool { return len(st.Enriched) > 0 }},
}

// classify buckets the expiry by coverage and quote statistics and derives
// the alert set parity scoring compares across engines. The rule table is
// exhaustive for every state the pipeline can produce; falling through it
// is a contract breach, not an expected path.
func (c *Collector) classify(ctx context.Context, st *ExpiryState) error {
	unquoted := 0
	for _, inst := range st.Instruments {
		if _, ok := st.Enriched[inst.Symbol]; !ok {
			unquoted++
		}
	}
	if unquoted > 0 {
		c.batch.Add(float64(unquoted), metrics.MExpiryRejected, st.Index, "no_quote")
	}

	class := ""
	for _, r := range classifyRules {
		if r.match(st, unquoted) {
			class = r.class
			break
		}
	}
	if class == "" {
		return Recoverable("classify_unmatched", fmt.Errorf("no class rule matched %s", st.LogKey()))
	}

	st.MetaPut("expiry_class", class)
	st.MetaPut("alerts", c.deriveAlerts(st, class, unquoted))
	c.batch.Inc(metrics.MExpiryClassified, st.Index, class)
	return nil
}

// deriveAlerts tokenises the expiry's noteworthy conditions into a sorted
// string set. The same derivation runs on both engines so alert parity
// compares like with like.
func (c *Collector) deriveAlerts(st *ExpiryState, class string, unquoted int) []string {
	alerts := []string{}
	if st.HasFlag("validation_failed") {
		alerts = append(alerts, "validation_failed")
	}
	if st.HasFlag("salvaged") {
		alerts = append(alerts, "salvaged")
	}
	if st.Fabricated {
		alerts = append(alerts, "fabricated_expiry")
	}
	if class == "partial_quotes" || (class == "salvaged" && unquoted > 0) {
		alerts = append(alerts, "partial_quotes")
	}
	if floor := c.set.Pipeline.CoverageStrikeFloor; floor > 0 && st.MetaFloat("coverage_strike") < floor {
		alerts = append(alerts, "low_strike_coverage")
	}
	if floor := c.set.Pipeline.CoverageFieldFloor; floor > 0 && st.MetaFloat("coverage_field") < floor {
		alerts = append(alerts, "low_field_coverage")
	}
	sort.Strings(alerts)
	return alerts
}

// snapshot assembles the ExpirySnapshot: PCR, OI totals, IV and greeks
// aggregates, and the quote-timestamp day width.
func (c *Collector) snapshot(ctx context.Context, st *ExpiryState) error {
	snap := &domain.ExpirySnapshot{
		SchemaVersion:   domain.SnapshotSchemaVersion,
		Index:           st.Index,
		Rule:            st.Rule,
		ExpiryDate:      st.ExpiryDate,
		ATMStrike:       st.ATMStrike,
		StrikeCount:     len(st.CoveredStrikes()),
		InstrumentCount: len(st.Instruments),
		OptionCount:     len(st.Enriched),
		CoverageStrike:  st.MetaFloat("coverage_strike"),
		CoverageField:   st.MetaFloat("coverage_field"),
		Fabricated:      st.Fabricated,
		Salvaged:        st.HasFlag("salvaged"),
		GeneratedAt:     c.clock(),
	}

	var (
		callOI, putOI    int64
		ivSum            float64
		ivCount          int
		minTS, maxTS     time.Time
		atmCallIV, atmN  float64
		netD, netG, netT float64
		netV             float64
	)
	for _, opt := range st.Enriched {
		oi := opt.Quote.OI
		if oi == 0 {
			oi = opt.Instrument.OI
		}
		if opt.Instrument.OptionType == domain.CallOption {
			callOI += oi
		} else {
			putOI += oi
		}
		if opt.IV > 0 {
			ivSum += opt.IV
			ivCount++
			if opt.Instrument.Strike == st.ATMStrike {
				atmCallIV += opt.IV
				atmN++
			}
		}
		w := float64(oi)
		if w == 0 {
			w = 1
		}
		netD += opt.Greeks.Delta * w
		netG += opt.Greeks.Gamma * w
		netT += opt.Greeks.Theta * w
		netV += opt.Greeks.Vega * w
		if ts := opt.Quote.Timestamp; !ts.IsZero() {
			if minTS.IsZero() || ts.Before(minTS) {
				minTS = ts
			}
			if maxTS.IsZero() || ts.After(maxTS) {
				maxTS = ts
			}
		}
	}

	snap.CallOI = callOI
	snap.PutOI = putOI
	if callOI > 0 {
		snap.PCR = float64(putOI) / float64(callOI)
	} else {
		snap.PCR = 0
		if putOI > 0 || len(st.Enriched) > 0 {
			st.Flag("pcr_zero_denominator")
		}
	}
	if ivCount > 0 {
		snap.AvgIV = ivSum / float64(ivCount)
	}
	snap.NetDelta = netD
	snap.NetGamma = netG
	snap.NetTheta = netT
	snap.NetVega = netV
	if !minTS.IsZero() && !maxTS.IsZero() {
		snap.DayWidthSeconds = maxTS.Sub(minTS).Seconds()
	}

	if atmN > 0 {
		c.reg.Gauge(metrics.MVolSurfaceATMIV, st.Index, st.Rule.String()).Set(atmCallIV / atmN)
	}

	if _, err := json.Marshal(snap); err != nil {
		return Recoverable("snapshot_serialize", fmt.Errorf("snapshot for %s: %w", st.LogKey(), err))
	}

	st.Snapshot = snap
	st.MetaPut("pcr", snap.PCR)
	st.MetaPut("option_count", snap.OptionCount)
	return nil
}

// summarize closes the run: final meta, the completion log line and the
// expiry.complete event.
func (c *Collector) summarize(ctx context.Context, st *ExpiryState) error {
	elapsed := c.clock().Sub(st.Started)
	st.MetaPut("elapsed_ms", elapsed.Milliseconds())

	class := st.MetaString("expiry_class")
	log.Info().Str("index", st.Index).Str("rule", st.Rule.String()).
		Str("expiry", st.ExpiryDate).Str("class", class).
		Int("options", len(st.Enriched)).Int("errors", len(st.Errors)).
		Bool("fabricated", st.Fabricated).
		Dur("elapsed", elapsed).Msg("expiry collected")

	c.events.Publish(bus.Event{
		Name:  bus.EventExpiryComplete,
		Index: st.Index,
		Cycle: st.CycleID,
		Fields: map[string]any{
			"rule":    st.Rule.String(),
			"expiry":  st.ExpiryDate,
			"class":   class,
			"options": len(st.Enriched),
			"errors":  len(st.Errors),
		},
	})
	return nil
}
