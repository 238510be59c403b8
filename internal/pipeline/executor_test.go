package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/greeks"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/provider"
)

// marketStub scripts facade behaviour per op for pipeline tests.
type marketStub struct {
	instruments   []domain.Instrument
	instErr       error
	instFails     int
	quotes        map[string]domain.Quote
	quoteErr      error
	quoteOverride map[string]domain.Quote
	ltp           map[string]float64
	ltpErr        error
	expiries      []time.Time
	expiryErr     error
	strike        float64
	spot          float64
	atmErr        error
	caps          provider.Capability
}

func (m *marketStub) Name() string { return "stub" }

func (m *marketStub) Capabilities() provider.Capability {
	if m.caps != 0 {
		return m.caps
	}
	return provider.CapInstruments | provider.CapQuotes | provider.CapLTP | provider.CapExpiries | provider.CapSpot
}

func (m *marketStub) Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	if m.instFails > 0 {
		m.instFails--
		return nil, &provider.TransientError{Provider: "stub", Op: "get_instruments", Err: errors.New("flaky")}
	}
	if m.instErr != nil {
		return nil, m.instErr
	}
	return m.instruments, nil
}

func (m *marketStub) ResolveExpiries(ctx context.Context, index string) ([]time.Time, error) {
	if m.expiryErr != nil {
		return nil, m.expiryErr
	}
	return m.expiries, nil
}

func (m *marketStub) Quotes(ctx context.Context, index string, refs []provider.InstrumentRef) (map[string]domain.Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	if m.quoteOverride != nil {
		return m.quoteOverride, nil
	}
	out := make(map[string]domain.Quote, len(refs))
	for _, r := range refs {
		if q, ok := m.quotes[r.Symbol]; ok {
			out[r.Symbol] = q
		}
	}
	return out, nil
}

func (m *marketStub) LTP(ctx context.Context, refs []provider.InstrumentRef) (map[string]float64, error) {
	if m.ltpErr != nil {
		return nil, m.ltpErr
	}
	out := make(map[string]float64, len(refs))
	for _, r := range refs {
		if v, ok := m.ltp[r.Symbol]; ok {
			out[r.Symbol] = v
		}
	}
	return out, nil
}

func (m *marketStub) ATMStrike(ctx context.Context, index string) (float64, float64, error) {
	if m.atmErr != nil {
		return 0, 0, m.atmErr
	}
	return m.strike, m.spot, nil
}

// sinkStub records writes and can be scripted to fail.
type sinkStub struct {
	name  string
	err   error
	calls int
	rows  int
}

func (s *sinkStub) Name() string { return s.name }

func (s *sinkStub) WriteExpiry(ctx context.Context, index string, rule domain.Rule, expiry string, at time.Time, options []domain.EnrichedOption) (int, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	s.rows += len(options)
	return len(options), nil
}

type fixture struct {
	set    *config.Settings
	reg    *metrics.Registry
	batch  *metrics.Batcher
	events *bus.Bus
	market *marketStub
	sink   *sinkStub
	exec   *Executor
	now    time.Time
	sleeps []time.Duration
}

func istLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

// newFixture wires a full executor against stubs. The clock is pinned to a
// Monday morning inside market hours; the default market resolves two
// weekly expiries and quotes a 5-strike chain priced from a known vol so
// the solver round-trips.
func newFixture(t *testing.T, mutate func(*config.Settings, *marketStub)) *fixture {
	t.Helper()
	loc := istLoc(t)
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, loc)
	expiry := time.Date(2026, 8, 27, 0, 0, 0, 0, loc)

	set, err := config.Load("")
	require.NoError(t, err)
	off := false
	set.Metrics.Batch.Enabled = &off
	set.Collection.Indices = []config.IndexConfig{{Name: "NIFTY", StrikeStep: 50, Rules: []string{"this_week"}}}
	set.IndexParams.ITMDepth = 2
	set.IndexParams.OTMDepth = 2

	market := &marketStub{
		expiries: []time.Time{expiry, time.Date(2026, 9, 3, 0, 0, 0, 0, loc)},
		strike:   24800,
		spot:     24800,
		quotes:   map[string]domain.Quote{},
		ltp:      map[string]float64{},
	}
	tte := greeks.TimeToExpiry(now, expiry)
	for i, strike := range []float64{24700, 24750, 24800, 24850, 24900} {
		for _, ot := range []domain.OptionType{domain.CallOption, domain.PutOption} {
			sym := fmt.Sprintf("NIFTY%s%d%s", expiry.Format("060102"), int(strike), ot)
			market.instruments = append(market.instruments, domain.Instrument{
				ID: sym, Symbol: sym, Index: "NIFTY", Exchange: "NFO",
				Strike: strike, OptionType: ot, Expiry: expiry, LotSize: 50,
			})
			price := greeks.Price(ot, greeks.Params{Spot: 24800, Strike: strike, TimeToExpiry: tte, Rate: set.Greeks.RiskFreeRate}, 0.18)
			market.quotes[sym] = domain.Quote{
				Symbol: sym, LastPrice: price, Bid: price * 0.99, Ask: price * 1.01,
				Volume: int64(1000 + 10*i), OI: int64(5000 + 100*i),
				Timestamp: now.Add(-time.Duration(i) * time.Second),
			}
			market.ltp[sym] = price
		}
	}

	if mutate != nil {
		mutate(set, market)
	}
	require.NoError(t, set.Validate())

	f := &fixture{
		set:    set,
		reg:    metrics.NewRegistry(set.Metrics),
		events: bus.New(16, bus.Hooks{}),
		market: market,
		sink:   &sinkStub{name: "csv"},
		now:    now,
	}
	f.batch = metrics.NewBatcher(f.reg, set.Metrics.Batch)
	col := NewCollector(set, market, []Sink{f.sink}, f.reg, f.batch, f.events,
		WithCollectorClock(func() time.Time { return f.now }))
	f.exec = NewExecutor(set, col, f.reg, f.batch,
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(d time.Duration) { f.sleeps = append(f.sleeps, d) }),
		WithJitterSeed(7))
	return f
}

func (f *fixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	v, _ := gatherValue(t, f.reg.Gatherer(), name, labels)
	return v
}

func gatherValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestExecutor_HappyPathRunsAllPhases(t *testing.T) {
	f := newFixture(t, nil)
	events := f.events.Subscribe()

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-1")

	require.NotNil(t, res)
	assert.Equal(t, 13, res.PhasesTotal)
	assert.Equal(t, 13, res.PhasesOK)
	assert.Equal(t, 0, res.PhasesError)
	assert.True(t, res.Success)
	assert.False(t, res.AbortedEarly)
	assert.False(t, res.Failed)
	assert.Equal(t, 13, res.OutcomeCounts[OutcomeOK])

	st := res.State
	assert.Empty(t, st.Errors)
	assert.Empty(t, st.ErrorRecords)
	assert.Equal(t, "2026-08-27", st.ExpiryDate)
	assert.Equal(t, 24800.0, st.ATMStrike)
	assert.Equal(t, 10, len(st.Enriched))
	assert.Equal(t, "full", st.MetaString("expiry_class"))
	assert.Equal(t, 10, st.MetaInt("persist_options_simulated"))
	assert.Equal(t, 10, st.MetaInt("persist_rows"))
	assert.Equal(t, 1, f.sink.calls)

	require.NotNil(t, st.Snapshot)
	assert.Equal(t, 5, st.Snapshot.StrikeCount)
	assert.Equal(t, 10, st.Snapshot.OptionCount)
	assert.Greater(t, st.Snapshot.PCR, 0.0)
	assert.Greater(t, st.Snapshot.AvgIV, 0.0)
	assert.InDelta(t, 0.18, st.Snapshot.AvgIV, 0.02)
	assert.Greater(t, st.Snapshot.DayWidthSeconds, 0.0)

	assert.Equal(t, 1.0, f.counter(t, metrics.MCyclesTotal, nil))
	assert.Equal(t, 1.0, f.counter(t, metrics.MCyclesSuccess, nil))
	assert.Equal(t, 1.0, f.counter(t, metrics.MCycleSuccess, nil))
	assert.Equal(t, 0.0, f.counter(t, metrics.MCycleErrorRatio, nil))
	assert.Equal(t, 1.0, f.counter(t, metrics.MExpiryClassified, map[string]string{"index": "NIFTY", "class": "full"}))

	select {
	case ev := <-events:
		assert.Equal(t, bus.EventExpiryComplete, ev.Name)
		assert.Equal(t, "NIFTY", ev.Index)
		assert.Equal(t, "cycle-1", ev.Cycle)
	default:
		t.Fatal("expected expiry.complete event")
	}
}

func TestExecutor_ResolveAbortStopsCleanly(t *testing.T) {
	// No catalogue and no instruments: fabrication stays out of it even
	// under the default weekly policy.
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		m.expiryErr = &provider.ResolveExpiryError{Provider: "stub", Index: "NIFTY", Err: errors.New("upstream 502")}
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-2")

	assert.Equal(t, 1, res.PhasesTotal)
	assert.Equal(t, 0, res.PhasesOK)
	assert.Equal(t, 1, res.PhasesError)
	assert.True(t, res.AbortedEarly)
	assert.False(t, res.Failed)
	assert.False(t, res.Success)
	assert.False(t, res.State.Fabricated)
	assert.Equal(t, 1, res.OutcomeCounts[OutcomeAbort])

	require.Len(t, res.State.Errors, 1)
	assert.Equal(t, "abort:resolve:expiry_unresolved", res.State.Errors[0])
	require.Len(t, res.State.ErrorRecords, 1)
	assert.Equal(t, "resolve", res.State.ErrorRecords[0].Phase)
	assert.Equal(t, "abort", res.State.ErrorRecords[0].Classification)

	assert.Equal(t, 1.0, f.counter(t, metrics.MCyclesTotal, nil))
	assert.Equal(t, 0.0, f.counter(t, metrics.MCyclesSuccess, nil))
	assert.Equal(t, 0.0, f.counter(t, metrics.MIndexFatal, map[string]string{"index": "NIFTY"}))
	assert.Equal(t, 0.0, f.counter(t, metrics.MExpiryFabricated, map[string]string{"index": "NIFTY"}))
}

func TestExecutor_RetrySucceedsWithBackoffInRange(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		set.Pipeline.Retry = config.RetrySection{Enabled: true, MaxAttempts: 3, BaseBackoffMS: 10, JitterMS: 5}
		m.instFails = 1
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-3")

	assert.True(t, res.Success)
	assert.Empty(t, res.State.Errors)

	require.Len(t, f.sleeps, 1)
	assert.GreaterOrEqual(t, f.sleeps[0], 10*time.Millisecond)
	assert.LessOrEqual(t, f.sleeps[0], 15*time.Millisecond)

	assert.Equal(t, 1.0, f.counter(t, metrics.MPhaseRetries, map[string]string{"phase": "fetch"}))
	assert.Equal(t, 2.0, f.counter(t, metrics.MPhaseAttempts, map[string]string{"phase": "fetch"}))
	assert.Equal(t, 2.0, f.counter(t, metrics.MPhaseLastAttempts, map[string]string{"phase": "fetch"}))
	backoffs, ok := gatherValue(t, f.reg.Gatherer(), metrics.MPhaseRetryBackoff, map[string]string{"phase": "fetch"})
	require.True(t, ok)
	assert.Equal(t, 1.0, backoffs)
}

func TestExecutor_RetryExhaustedEmitsSingleToken(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		set.Pipeline.Retry = config.RetrySection{Enabled: true, MaxAttempts: 3, BaseBackoffMS: 10}
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-4")

	assert.Equal(t, 2, res.PhasesTotal, "exhausted retries stop after fetch")
	assert.True(t, res.AbortedEarly)
	assert.True(t, res.Exhausted)
	assert.False(t, res.Success)
	assert.False(t, res.Failed, "running out of retries degrades, it does not fail the index")
	assert.Equal(t, 1, res.OutcomeCounts[OutcomeExhausted])
	assert.Nil(t, res.State.Snapshot)

	require.Len(t, res.State.Errors, 1)
	assert.Equal(t, "recoverable_exhausted:fetch:no_instruments_domain", res.State.Errors[0])
	assert.Equal(t, 3, res.State.ErrorRecords[0].Attempt)
	assert.Len(t, f.sleeps, 2)

	assert.Equal(t, 3.0, f.counter(t, metrics.MPhaseAttempts, map[string]string{"phase": "fetch"}))
	assert.Equal(t, 1.0, f.counter(t, metrics.MPhaseOutcomes, map[string]string{"phase": "fetch", "final_outcome": "recoverable_exhausted"}))
}

func TestExecutor_RetriesDisabledKeepRecoverableToken(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-5")

	require.Len(t, res.State.Errors, 1)
	assert.Equal(t, "recoverable:fetch:no_instruments_domain", res.State.Errors[0])
	assert.Empty(t, f.sleeps)
	assert.Equal(t, 1, res.OutcomeCounts[OutcomeRecoverable])
	assert.Equal(t, 2, res.PhasesTotal)
	assert.True(t, res.AbortedEarly)
	assert.False(t, res.Exhausted, "without retries the token keeps the plain classification")
}

func TestExecutor_AllSinksFailingIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = errors.New("disk full")

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-6")

	assert.Equal(t, 10, res.PhasesTotal, "persist is the tenth phase")
	assert.True(t, res.Failed)
	assert.True(t, res.AbortedEarly)
	assert.False(t, res.Success)
	assert.Nil(t, res.State.Snapshot, "snapshot phase never ran")

	require.Len(t, res.State.Errors, 1)
	assert.Equal(t, "fatal:persist:persist_sink", res.State.Errors[0])
	assert.Equal(t, 1.0, f.counter(t, metrics.MIndexFatal, map[string]string{"index": "NIFTY"}))
}

func TestExecutor_BackoffDoublesAndCaps(t *testing.T) {
	f := newFixture(t, nil)
	retry := config.RetrySection{Enabled: true, MaxAttempts: 10, BaseBackoffMS: 1000}

	assert.Equal(t, 1*time.Second, f.exec.backoff(1, retry))
	assert.Equal(t, 2*time.Second, f.exec.backoff(2, retry))
	assert.Equal(t, 4*time.Second, f.exec.backoff(3, retry))
	assert.Equal(t, 5*time.Second, f.exec.backoff(4, retry), "exponential growth caps at 5s")
	assert.Equal(t, 5*time.Second, f.exec.backoff(8, retry))
}

func TestExecutor_WindowTracksSuccessRate(t *testing.T) {
	f := newFixture(t, nil)

	f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "w1")
	f.market.instruments = nil
	f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "w2")

	assert.Equal(t, 2, f.exec.Window().Total())
	assert.InDelta(t, 0.5, f.exec.Window().SuccessRate(), 1e-9)
	assert.InDelta(t, 0.5, f.counter(t, metrics.MCycleSuccessWindow, nil), 1e-9)
	assert.InDelta(t, 0.5, f.counter(t, metrics.MTrendsSuccessRate, nil), 1e-9)
	assert.Equal(t, 2.0, f.counter(t, metrics.MTrendsCycles, nil))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(3)
	w.Record(false)
	w.Record(true)
	w.Record(true)
	assert.InDelta(t, 2.0/3, w.SuccessRate(), 1e-9)

	w.Record(true) // evicts the initial failure
	assert.InDelta(t, 1.0, w.SuccessRate(), 1e-9)
	assert.Equal(t, 3, w.Size())
	assert.Equal(t, 4, w.Total())
}

func TestWindow_ZeroSizeDisablesRatesKeepsLifetime(t *testing.T) {
	w := NewWindow(0)
	assert.False(t, w.Enabled())

	w.Record(true)
	w.Record(false)
	assert.Equal(t, 0, w.Size())
	assert.Zero(t, w.SuccessRate())
	assert.Equal(t, 2, w.Total())
	assert.InDelta(t, 0.5, w.LifetimeRate(), 1e-9)

	assert.False(t, NewWindow(-3).Enabled(), "negative sizes collapse to disabled")
}

func TestContentHash_StableAndRecomputable(t *testing.T) {
	records := []ErrorExportRecord{
		{Attempt: 2, Classification: "recoverable", Message: "no quotes", Phase: "fetch", TS: 1787893200},
	}
	h1 := ContentHash(records)
	h2 := ContentHash(records)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
	assert.NotEqual(t, h1, ContentHash(nil))
	assert.Len(t, ContentHash(nil), 16)
}

func TestExecutor_PipelineSummaryMeta(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-7")

	sum, ok := res.State.Meta["pipeline_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, sum["phases_total"])
	assert.Equal(t, 1, sum["phases_ok"])
	assert.Equal(t, 1, sum["phases_error"])
	assert.Equal(t, true, sum["aborted_early"])
	assert.Equal(t, false, sum["fatal"])
	assert.Equal(t, map[string]int{"recoverable": 1}, sum["error_outcomes"])
}

func TestExecutor_StructuredExportInMeta(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-8")

	exp, ok := res.State.Meta["structured_errors"].(ErrorExport)
	require.True(t, ok)
	assert.Equal(t, 1, exp.Count)
	require.Len(t, exp.Records, 1)
	assert.Equal(t, "fetch", exp.Records[0].Phase)
	assert.Equal(t, "recoverable", exp.Records[0].Classification)
	assert.Equal(t, ContentHash(exp.Records), exp.Hash)
}

func TestExecutor_StructuredExportDisabled(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		off := false
		set.Pipeline.StructuredExport = &off
		m.instruments = nil
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-9")

	_, ok := res.State.Meta["structured_errors"]
	assert.False(t, ok)
}

func TestExecutor_PhaseMetricsDisabledKeepsCycleSeries(t *testing.T) {
	f := newFixture(t, func(set *config.Settings, m *marketStub) {
		off := false
		set.Pipeline.PhaseMetrics = &off
	})

	res := f.exec.Run(context.Background(), "NIFTY", domain.RuleThisWeek, "cycle-10")
	require.True(t, res.Success)

	for _, name := range []string{metrics.MPhaseAttempts, metrics.MPhaseRuns, metrics.MPhaseDuration, metrics.MPhaseLastAttempts} {
		_, ok := gatherValue(t, f.reg.Gatherer(), name, map[string]string{"phase": "resolve"})
		assert.False(t, ok, "%s should emit no series with phase metrics off", name)
	}

	assert.Equal(t, 1.0, f.counter(t, metrics.MCyclesTotal, nil))
	assert.Equal(t, 1.0, f.counter(t, metrics.MCyclesSuccess, nil))
	assert.Equal(t, 1.0, f.counter(t, metrics.MCycleSuccess, nil))
}
