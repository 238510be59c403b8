// Package orchestrator drives the collection loop: an aligned interval
// ticker gated on market hours, per-index fan-out through a bounded worker
// pool, overview assembly, panel emission and the parity feed.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/market"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/panels"
	"github.com/g6run/g6run/internal/parity"
	"github.com/g6run/g6run/internal/pipeline"
	"github.com/g6run/g6run/internal/worker"
)

// Skip reasons recorded on g6_collection_cycle_skipped_total.
const (
	SkipMarketClosed = "market_closed"
	SkipOverrun      = "overrun"
)

// CycleSummary is the orchestrator's per-cycle outcome, kept for the ops
// health endpoint and returned by RunOnce.
type CycleSummary struct {
	Cycle          string           `json:"cycle,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	DurationMS     float64          `json:"duration_ms"`
	Skipped        bool             `json:"skipped,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	TimedOut       bool             `json:"timed_out,omitempty"`
	IndicesTotal   int              `json:"indices_total"`
	IndicesOK      int              `json:"indices_ok"`
	IndicesFailed  int              `json:"indices_failed"`
	ExpiriesOK     int              `json:"expiries_ok"`
	ExpiriesFailed int              `json:"expiries_failed"`
	OptionsWritten int              `json:"options_written"`
	SuccessRate    float64          `json:"success_rate"`
	PhasesTotal    int              `json:"phases_total"`
	PhasesOK       int              `json:"phases_ok"`
	PhasesError    int              `json:"phases_error"`
	Parity         *parity.Decision `json:"parity,omitempty"`
}

// indexOutcome carries one index's results back from the pool.
type indexOutcome struct {
	overview    domain.OverviewSnapshot
	exports     []pipeline.RunErrors
	runsOK      int
	runsBad     int
	rows        int
	phasesTotal int
	phasesOK    int
	phasesError int
}

// Orchestrator owns the cycle loop. Construct with New, start with Run;
// RunOnce performs a single gated cycle for the one-shot CLI path.
type Orchestrator struct {
	set    *config.Settings
	cal    *market.Calendar
	exec   *pipeline.Executor
	legacy *parity.LegacyCollector
	gate   *parity.Controller
	panels *panels.Writer
	reg    *metrics.Registry
	batch  *metrics.Batcher
	events *bus.Bus
	pool   *worker.Pool[config.IndexConfig, indexOutcome]

	clock func() time.Time
	newID func() string

	extraSummaries []summarySource
	summaryOnce    sync.Once

	mu      sync.Mutex
	busy    bool
	started time.Time
	last    *CycleSummary
	wg      sync.WaitGroup
}

// Option adjusts orchestrator construction, mostly for tests.
type Option func(*Orchestrator)

// WithClock pins the loop's clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithIDSource replaces the cycle ID generator.
func WithIDSource(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithSummarySource adds a component block to the startup summaries, used
// by the CLI to report the provider facade it wired.
func WithSummarySource(name string, fields map[string]any) Option {
	return func(o *Orchestrator) {
		o.extraSummaries = append(o.extraSummaries, summarySource{name: name, fields: fields})
	}
}

// New wires the orchestrator. gate and legacy may be nil when shadow gating
// is off; panelw may be nil when panels are disabled.
func New(set *config.Settings, cal *market.Calendar, exec *pipeline.Executor,
	legacy *parity.LegacyCollector, gate *parity.Controller, panelw *panels.Writer,
	reg *metrics.Registry, batch *metrics.Batcher, events *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		set:    set,
		cal:    cal,
		exec:   exec,
		legacy: legacy,
		gate:   gate,
		panels: panelw,
		reg:    reg,
		batch:  batch,
		events: events,
		pool:   worker.NewPool[config.IndexConfig, indexOutcome](set.Collection.Workers),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.started = o.clock()
	return o
}

// StartedAt is when the orchestrator was constructed.
func (o *Orchestrator) StartedAt() time.Time { return o.started }

// LastCycle returns the most recent cycle summary, skipped ticks included.
func (o *Orchestrator) LastCycle() (CycleSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleSummary{}, false
	}
	return *o.last, true
}

// Run executes the aligned cycle loop until ctx is cancelled, then waits up
// to shutdown_grace for the in-flight cycle. Cycles run on their own
// goroutine so the ticker keeps firing and overruns are observed rather
// than silently absorbed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.LogStartupSummaries()
	interval := o.set.Interval()
	log.Info().Dur("interval", interval).Int("workers", o.set.Collection.Workers).
		Msg("collection loop starting")

	for {
		timer := time.NewTimer(o.untilNextTick(interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return o.drain()
		case <-timer.C:
			o.tick(ctx)
		}
	}
}

// RunOnce performs a single gated cycle synchronously.
func (o *Orchestrator) RunOnce(ctx context.Context) CycleSummary {
	o.LogStartupSummaries()
	now := o.clock()
	o.heartbeat(now)
	if skip := o.gateCheck(now); skip != "" {
		return o.skipCycle(skip, now)
	}
	if !o.begin() {
		return o.skipCycle(SkipOverrun, now)
	}
	defer o.end()
	cctx, cancel := context.WithTimeout(ctx, o.set.CycleDeadline())
	defer cancel()
	return o.runCycle(cctx)
}

// tick handles one timer firing inside Run.
func (o *Orchestrator) tick(ctx context.Context) {
	now := o.clock()
	o.heartbeat(now)
	if skip := o.gateCheck(now); skip != "" {
		o.skipCycle(skip, now)
		return
	}
	if !o.begin() {
		o.skipCycle(SkipOverrun, now)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.set.CycleDeadline())
	go func() {
		defer cancel()
		defer o.end()
		o.runCycle(cctx)
	}()
}

// heartbeat updates the stall-watchdog gauge on every tick, market open or
// not.
func (o *Orchestrator) heartbeat(now time.Time) {
	o.reg.Gauge(metrics.MHeartbeat).Set(float64(now.Unix()))
}

// gateCheck returns the skip reason for this tick, or "" to proceed.
func (o *Orchestrator) gateCheck(now time.Time) string {
	if o.set.Collection.MarketHours.ForceOpen {
		return ""
	}
	if o.cal != nil && !o.cal.OpenAt(now) {
		return SkipMarketClosed
	}
	return ""
}

func (o *Orchestrator) skipCycle(reason string, now time.Time) CycleSummary {
	o.batch.Inc(metrics.MCycleSkipped, reason)
	o.events.Publish(bus.Event{
		Name:   bus.EventCycleSkipped,
		Time:   now,
		Fields: map[string]any{"reason": reason},
	})
	log.Debug().Str("reason", reason).Msg("cycle skipped")
	sum := CycleSummary{StartedAt: now, Skipped: true, Reason: reason}
	o.storeLast(sum)
	return sum
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
	o.wg.Done()
}

func (o *Orchestrator) untilNextTick(interval time.Duration) time.Duration {
	now := o.clock()
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}

// drain waits for an in-flight cycle up to the shutdown grace.
func (o *Orchestrator) drain() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	grace := o.set.ShutdownGrace()
	select {
	case <-done:
		log.Info().Msg("collection loop stopped")
		return nil
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("shutdown grace expired with a cycle in flight")
		return errors.New("shutdown grace expired")
	}
}

// runCycle collects every enabled index once and publishes the artifacts.
func (o *Orchestrator) runCycle(ctx context.Context) CycleSummary {
	cycleID := o.newID()
	started := o.clock()
	o.batch.Inc(metrics.MCollectionCycles)
	o.events.Publish(bus.Event{Name: bus.EventCycleStart, Cycle: cycleID, Time: started})

	indices := o.set.EnabledIndices()
	results := o.pool.Process(ctx, indices, func(ctx context.Context, idx config.IndexConfig) (indexOutcome, error) {
		return o.collectIndex(ctx, cycleID, idx), nil
	})

	sum := CycleSummary{Cycle: cycleID, StartedAt: started, IndicesTotal: len(indices)}
	var overviews []domain.OverviewSnapshot
	var exports []pipeline.RunErrors
	for _, res := range results {
		name := res.Input.Name
		if res.Err != nil {
			sum.IndicesFailed++
			o.batch.Inc(metrics.MIndexFailure, name)
			log.Error().Err(res.Err).Str("index", name).Str("cycle", cycleID).
				Msg("index collection failed")
			continue
		}
		out := res.Value
		overviews = append(overviews, out.overview)
		exports = append(exports, out.exports...)
		sum.ExpiriesOK += out.runsOK
		sum.ExpiriesFailed += out.runsBad
		sum.OptionsWritten += out.rows
		sum.PhasesTotal += out.phasesTotal
		sum.PhasesOK += out.phasesOK
		sum.PhasesError += out.phasesError
		if out.overview.ExpiriesExpected > 0 && out.overview.ExpiriesCollected == 0 {
			sum.IndicesFailed++
			o.batch.Inc(metrics.MIndexFailure, name)
		} else {
			sum.IndicesOK++
			o.batch.Inc(metrics.MIndexSuccess, name)
		}
	}
	if total := sum.ExpiriesOK + sum.ExpiriesFailed; total > 0 {
		sum.SuccessRate = float64(sum.ExpiriesOK) / float64(total)
	}

	if o.gate != nil && o.gate.Enabled() {
		d := o.gate.Decide(cycleID)
		sum.Parity = &d
	}

	duration := o.clock().Sub(started)
	sum.DurationMS = float64(duration.Milliseconds())
	o.reg.Observe(metrics.MCollectionDuration, duration.Seconds())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		sum.TimedOut = true
		o.batch.Inc(metrics.MCycleTimeout)
		o.events.Publish(bus.Event{
			Name:   bus.EventCycleTimeout,
			Cycle:  cycleID,
			Time:   o.clock(),
			Fields: map[string]any{"deadline_s": o.set.CycleDeadline().Seconds()},
		})
	}

	o.writePanels(cycleID, sum, overviews, exports)

	o.events.Publish(bus.Event{
		Name:  bus.EventCycleComplete,
		Cycle: cycleID,
		Time:  o.clock(),
		Fields: map[string]any{
			"duration_ms":  sum.DurationMS,
			"indices_ok":   sum.IndicesOK,
			"indices_bad":  sum.IndicesFailed,
			"expiries_ok":  sum.ExpiriesOK,
			"expiries_bad": sum.ExpiriesFailed,
			"rows":         sum.OptionsWritten,
		},
	})
	log.Info().Str("cycle", cycleID).Dur("elapsed", duration).
		Int("indices_ok", sum.IndicesOK).Int("indices_bad", sum.IndicesFailed).
		Int("expiries_ok", sum.ExpiriesOK).Int("expiries_bad", sum.ExpiriesFailed).
		Int("rows", sum.OptionsWritten).Bool("timed_out", sum.TimedOut).
		Msg("cycle complete")

	o.storeLast(sum)
	return sum
}

// collectIndex runs every configured rule for one index sequentially and
// folds the results into an overview snapshot.
func (o *Orchestrator) collectIndex(ctx context.Context, cycleID string, idx config.IndexConfig) indexOutcome {
	out := indexOutcome{}
	ov := domain.OverviewSnapshot{
		Index:       idx.Name,
		PCRByRule:   map[domain.Rule]float64{},
		GeneratedAt: o.clock(),
	}
	var netDelta, netGamma, netTheta, netVega float64

	for _, rule := range idx.RulesFor() {
		ov.ExpectedMask |= rule.Bit()
		ov.ExpiriesExpected++

		res := o.exec.Run(ctx, idx.Name, rule, cycleID)
		if res.Success {
			out.runsOK++
		} else {
			out.runsBad++
		}
		out.rows += res.State.MetaInt("persist_rows")
		out.phasesTotal += res.PhasesTotal
		out.phasesOK += res.PhasesOK
		out.phasesError += res.PhasesError
		if len(res.State.ErrorRecords) > 0 {
			out.exports = append(out.exports, pipeline.RunErrors{
				Index:  idx.Name,
				Rule:   rule.String(),
				Cycle:  cycleID,
				Export: pipeline.NewErrorExport(res.State, o.clock()),
			})
		}
		o.feedParity(ctx, cycleID, idx.Name, rule, res)

		snap := res.State.Snapshot
		if snap == nil {
			continue
		}
		ov.CollectedMask |= rule.Bit()
		ov.ExpiriesCollected++
		ov.PCRByRule[rule] = snap.PCR
		ov.OptionCount += snap.OptionCount
		if snap.DayWidthSeconds > ov.DayWidthSeconds {
			ov.DayWidthSeconds = snap.DayWidthSeconds
		}
		netDelta += snap.NetDelta
		netGamma += snap.NetGamma
		netTheta += snap.NetTheta
		netVega += snap.NetVega
	}

	ov.MissingMask = ov.ExpectedMask &^ ov.CollectedMask
	out.overview = ov

	o.reg.Gauge(metrics.MRiskNetDelta, idx.Name).Set(netDelta)
	o.reg.Gauge(metrics.MRiskNetGamma, idx.Name).Set(netGamma)
	o.reg.Gauge(metrics.MRiskNetTheta, idx.Name).Set(netTheta)
	o.reg.Gauge(metrics.MRiskNetVega, idx.Name).Set(netVega)
	o.reg.Gauge(metrics.MVolSurfacePoints, idx.Name).Set(float64(ov.OptionCount))
	o.reg.Gauge(metrics.MQuoteDayWidth, idx.Name).Set(ov.DayWidthSeconds)
	return out
}

// feedParity runs the legacy collector beside the finished pipeline run and
// records the comparison sample.
func (o *Orchestrator) feedParity(ctx context.Context, cycleID, index string, rule domain.Rule, res *pipeline.Result) {
	if o.gate == nil || o.legacy == nil || !o.gate.Enabled() || !o.gate.InScope(index) {
		return
	}
	legacyFields, err := o.legacy.Collect(ctx, index, rule)
	if err != nil {
		log.Debug().Err(err).Str("index", index).Str("rule", rule.String()).
			Msg("legacy parity collect failed")
		return
	}
	o.gate.Compare(cycleID, index, rule, legacyFields, parity.FieldsFromState(res.State))
}

func (o *Orchestrator) writePanels(cycleID string, sum CycleSummary, overviews []domain.OverviewSnapshot, exports []pipeline.RunErrors) {
	if o.panels == nil || !o.panels.Enabled() {
		return
	}
	stats := panels.SystemStats{
		Cycle:          cycleID,
		StartedAt:      sum.StartedAt,
		DurationMS:     sum.DurationMS,
		IndicesTotal:   sum.IndicesTotal,
		IndicesOK:      sum.IndicesOK,
		IndicesFailed:  sum.IndicesFailed,
		ExpiriesOK:     sum.ExpiriesOK,
		ExpiriesFailed: sum.ExpiriesFailed,
		OptionsWritten: sum.OptionsWritten,
		SuccessRate:    sum.SuccessRate,
		PhasesTotal:    sum.PhasesTotal,
		PhasesOK:       sum.PhasesOK,
		PhasesError:    sum.PhasesError,
		Parity:         sum.Parity,
	}
	err := o.panels.WriteCycle(panels.CycleArtifacts{
		Cycle:     cycleID,
		Stats:     stats,
		Overviews: overviews,
		Errors:    exports,
	})
	if err != nil {
		log.Error().Err(err).Str("cycle", cycleID).Msg("panel write failed")
	}
}

func (o *Orchestrator) storeLast(sum CycleSummary) {
	o.mu.Lock()
	o.last = &sum
	o.mu.Unlock()
}
