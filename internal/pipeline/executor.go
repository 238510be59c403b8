package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/metrics"
)

// maxBackoff caps any single retry sleep regardless of attempt count.
const maxBackoff = 5 * time.Second

// phaseFunc mutates the state and reports the phase error, which the
// executor classifies into an outcome.
type phaseFunc func(ctx context.Context, st *ExpiryState) error

type phase struct {
	name string
	fn   phaseFunc
}

// PhaseNames lists the fixed phase order. The executor never reorders or
// skips entries except by abort or fatal early-stop.
func PhaseNames() []string {
	return []string{
		"resolve", "fetch", "prefilter", "enrich", "validate", "salvage",
		"coverage", "iv", "greeks", "persist", "classify", "snapshot",
		"summarize",
	}
}

// Result summarises one pipeline run over a single (index, rule).
type Result struct {
	State         *ExpiryState
	PhasesTotal   int
	PhasesOK      int
	PhasesError   int
	PhasesRetried int
	OutcomeCounts map[Outcome]int
	AbortedEarly  bool
	Exhausted     bool
	Failed        bool
	Success       bool
	Duration      time.Duration
}

// Executor drives the phase sequence with retry, metrics and windowed
// success accounting. One executor serves all indices; runs are
// independent apart from the shared rolling window.
type Executor struct {
	set    *config.Settings
	col    *Collector
	reg    *metrics.Registry
	batch  *metrics.Batcher
	window *Window

	clock func() time.Time
	sleep func(time.Duration)

	mu  sync.Mutex
	rng *rand.Rand
}

// ExecutorOption adjusts executor construction, mostly for tests.
type ExecutorOption func(*Executor)

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitterSeed makes backoff jitter reproducible.
func WithJitterSeed(seed int64) ExecutorOption {
	return func(e *Executor) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewExecutor wires a collector to the metrics registry and batcher. The
// rolling window is sized from pipeline.rolling_window.
func NewExecutor(set *config.Settings, col *Collector, reg *metrics.Registry, batch *metrics.Batcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		set:    set,
		col:    col,
		reg:    reg,
		batch:  batch,
		clock:  time.Now,
		sleep:  time.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		window: NewWindow(set.Pipeline.WindowSize()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Window exposes the rolling success window for trends emission.
func (e *Executor) Window() *Window { return e.window }

// Run executes the full phase sequence for one (index, rule) and returns
// the summary. The state is always returned, including on early stop.
func (e *Executor) Run(ctx context.Context, index string, rule domain.Rule, cycleID string) *Result {
	started := e.clock()
	st := NewExpiryState(index, rule, cycleID, e.set, started)
	res := &Result{State: st, OutcomeCounts: map[Outcome]int{}}

	e.batch.Inc(metrics.MCyclesTotal)

	planned := len(e.col.phases())
	for _, p := range e.col.phases() {
		outcome, attempts := e.runPhase(ctx, p, st)
		res.PhasesTotal++
		res.OutcomeCounts[outcome]++
		if attempts > 1 {
			res.PhasesRetried++
		}
		if outcome == OutcomeOK {
			res.PhasesOK++
			continue
		}

		// Any non-ok outcome stops the remaining phases for this expiry.
		// Abort is a clean stop; recoverable stops and leaves retry to the
		// next cycle; fatal and unknown additionally mark the run failed.
		res.PhasesError++
		res.AbortedEarly = res.PhasesTotal < planned
		if outcome == OutcomeExhausted {
			res.Exhausted = true
		}
		if outcome.Failure() {
			res.Failed = true
		}
		break
	}

	res.Duration = e.clock().Sub(started)
	res.Success = res.PhasesError == 0 && res.PhasesTotal == planned

	errorOutcomes := make(map[string]int, len(res.OutcomeCounts))
	for k, v := range res.OutcomeCounts {
		if k == OutcomeOK {
			continue
		}
		errorOutcomes[string(k)] = v
	}
	st.MetaPut("pipeline_summary", map[string]any{
		"phases_total":          res.PhasesTotal,
		"phases_ok":             res.PhasesOK,
		"phases_error":          res.PhasesError,
		"phases_with_retries":   res.PhasesRetried,
		"retry_enabled":         e.set.Pipeline.Retry.Enabled,
		"error_outcomes":        errorOutcomes,
		"aborted_early":         res.AbortedEarly,
		"fatal":                 res.Failed,
		"recoverable_exhausted": res.Exhausted,
		"duration_ms":           res.Duration.Milliseconds(),
	})

	if res.Success {
		e.batch.Inc(metrics.MCyclesSuccess)
		e.reg.Gauge(metrics.MCycleSuccess).Set(1)
	} else {
		e.reg.Gauge(metrics.MCycleSuccess).Set(0)
	}
	if res.Failed {
		e.batch.Inc(metrics.MIndexFatal, index)
	}
	if res.PhasesTotal > 0 {
		e.reg.Gauge(metrics.MCycleErrorRatio).Set(float64(res.PhasesError) / float64(res.PhasesTotal))
	}

	e.window.Record(res.Success)
	if e.window.Enabled() {
		e.reg.Gauge(metrics.MCycleSuccessWindow).Set(e.window.SuccessRate())
		e.reg.Gauge(metrics.MCycleErrorWindow).Set(1 - e.window.SuccessRate())
	}
	e.reg.Gauge(metrics.MTrendsSuccessRate).Set(e.window.LifetimeRate())
	e.reg.Gauge(metrics.MTrendsCycles).Set(float64(e.window.Total()))

	e.exportStructured(st)
	return res
}

// runPhase drives one phase to its final outcome, retrying recoverable
// results when the retry policy allows. Exactly one token+record pair is
// appended for a failed phase, carrying the final outcome. The second
// return is the number of attempts consumed.
func (e *Executor) runPhase(ctx context.Context, p phase, st *ExpiryState) (Outcome, int) {
	retry := e.set.Pipeline.Retry
	phaseMetrics := e.set.Pipeline.PhaseMetricsEnabled()
	maxAttempts := 1
	if retry.Enabled && retry.MaxAttempts > 1 {
		maxAttempts = retry.MaxAttempts
	}

	var (
		outcome Outcome
		reason  string
		lastErr error
	)
	attempts := 0
	phaseStart := e.clock()

	for {
		attempts++
		if phaseMetrics {
			e.batch.Inc(metrics.MPhaseAttempts, p.name)
		}

		lastErr = p.fn(ctx, st)
		outcome, reason = Classify(lastErr)

		if !outcome.Retryable() || attempts >= maxAttempts {
			break
		}

		backoff := e.backoff(attempts, retry)
		if phaseMetrics {
			e.reg.Observe(metrics.MPhaseRetryBackoff, backoff.Seconds(), p.name)
			e.batch.Inc(metrics.MPhaseRetries, p.name)
		}
		e.sleep(backoff)
	}

	if outcome == OutcomeRecoverable && retry.Enabled && attempts >= maxAttempts && maxAttempts > 1 {
		outcome = OutcomeExhausted
	}

	elapsed := e.clock().Sub(phaseStart)
	final := string(outcome)
	if phaseMetrics {
		e.batch.Inc(metrics.MPhaseOutcomes, p.name, final)
		e.batch.Inc(metrics.MPhaseRuns, p.name, final)
		e.batch.Add(float64(elapsed.Milliseconds()), metrics.MPhaseDurationMS, p.name, final)
		e.reg.Observe(metrics.MPhaseDuration, elapsed.Seconds(), p.name, final)
		e.reg.Gauge(metrics.MPhaseLastAttempts, p.name).Set(float64(attempts))
	}

	if outcome != OutcomeOK {
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		st.AddRecord(PhaseErrorRecord{
			Phase:          p.name,
			Classification: string(outcome),
			OutcomeToken:   Token(string(outcome), p.name, reason),
			Message:        msg,
			Detail:         reason,
			Attempt:        attempts,
			Time:           e.clock(),
		})
		log.Warn().Str("index", st.Index).Str("rule", st.Rule.String()).
			Str("phase", p.name).Str("outcome", final).Str("reason", reason).
			Int("attempts", attempts).Err(lastErr).Msg("phase failed")
	}

	return outcome, attempts
}

// backoff computes the sleep before the next attempt: base*2^(n-1) plus
// uniform jitter, capped at 5s.
func (e *Executor) backoff(attempt int, retry config.RetrySection) time.Duration {
	base := time.Duration(retry.BaseBackoffMS) * time.Millisecond
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	d := base << (attempt - 1)
	if retry.JitterMS > 0 {
		e.mu.Lock()
		j := e.rng.Int63n(int64(retry.JitterMS) + 1)
		e.mu.Unlock()
		d += time.Duration(j) * time.Millisecond
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
