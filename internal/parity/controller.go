package parity

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/metrics"
)

// Shadow gating modes.
const (
	ModeOff     = "off"
	ModeDryrun  = "dryrun"
	ModeCanary  = "canary"
	ModePromote = "promote"
)

// Decision reasons, stable tokens for panels and alerting.
const (
	ReasonModeOff            = "mode_off"
	ReasonForcedDemote       = "forced_demote"
	ReasonInsufficientSample = "insufficient_samples"
	ReasonProtectedBlock     = "protected_block"
	ReasonRollbackChurn      = "rollback_churn"
	ReasonRollbackProtected  = "rollback_protected"
	ReasonParityTargetMet    = "parity_target_met"
	ReasonFailHysteresis     = "fail_hysteresis"
	ReasonWaitingHysteresis  = "waiting_hysteresis"
)

// Sample is one per-(index, rule) parity observation: whether the two
// structural hashes matched, which tuple fields differed, and the shadow
// side's hash for churn tracking.
type Sample struct {
	Cycle     string
	Index     string
	Rule      domain.Rule
	OK        bool
	Diff      []string
	Protected []string
	Hash      string
	Time      time.Time
}

// Decision is the controller's per-cycle verdict.
type Decision struct {
	Mode              string  `json:"mode"`
	Promote           bool    `json:"promote"`
	Canary            bool    `json:"canary"`
	OKRatio           float64 `json:"parity_ok_ratio"`
	WindowSize        int     `json:"window_size"`
	DiffCount         int     `json:"diff_count"`
	ProtectedDiff     bool    `json:"protected_diff"`
	OKStreak          int     `json:"ok_streak"`
	FailStreak        int     `json:"fail_streak"`
	HashDistinct      int     `json:"hash_distinct"`
	HashChurnRatio    float64 `json:"hash_churn_ratio"`
	ProtectedInWindow int     `json:"protected_in_window"`
	Reason            string  `json:"reason"`
	Authoritative     bool    `json:"authoritative,omitempty"`
	ChurnWindowSize   int     `json:"churn_window_size,omitempty"`
}

// Controller accumulates parity samples and gates promotion of the phased
// pipeline behind the OK ratio, per-sample hysteresis streaks,
// protected-field blocks and a distinct-hash churn guard.
type Controller struct {
	cfg       config.ShadowGatingSection
	weights   Weights
	extended  bool
	anomalyTh float64
	anomalyN  int
	scoreSpan int
	reg       *metrics.Registry
	batch     *metrics.Batcher
	events    *bus.Bus
	clock     func() time.Time

	mu           sync.Mutex
	window       []Sample
	okStreak     int
	failStreak   int
	promoted     bool
	statsCycle   string
	legacyStats  *CycleStats
	shadowStats  *CycleStats
	scoreHist    []float64
	lastDecision Decision
}

// NewController validates the weights string and prepares an empty window.
// The rolling score span falls back to the sample window size when the
// pipeline section leaves it unset.
func NewController(set *config.Settings, reg *metrics.Registry, batch *metrics.Batcher, events *bus.Bus, clock func() time.Time) (*Controller, error) {
	w, err := ParseWeights(set.ShadowGating.Weights)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	span := set.Pipeline.ParityRollingWindow
	if span <= 0 {
		span = set.ShadowGating.WindowSize
	}
	return &Controller{
		cfg:       set.ShadowGating,
		weights:   w,
		extended:  set.Pipeline.ParityExtended,
		anomalyTh: set.Pipeline.ParityAlertAnomalyThreshold,
		anomalyN:  set.Pipeline.ParityAlertAnomalyMinTotal,
		scoreSpan: span,
		reg:       reg,
		batch:     batch,
		events:    events,
		clock:     clock,
	}, nil
}

// Mode returns the configured gating mode.
func (c *Controller) Mode() string { return c.cfg.Mode }

// Enabled reports whether samples should be collected at all.
func (c *Controller) Enabled() bool { return c.cfg.Mode != ModeOff }

// Promoted reports whether the shadow pipeline is currently promoted.
func (c *Controller) Promoted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promoted
}

// LastDecision returns the most recent verdict.
func (c *Controller) LastDecision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDecision
}

// InScope reports whether an index participates in gating under canary
// mode. An explicit allowlist wins over the percentage sample; outside
// canary mode every index is in scope.
func (c *Controller) InScope(index string) bool {
	if c.cfg.Mode != ModeCanary {
		return c.Enabled()
	}
	if len(c.cfg.CanaryIndices) > 0 {
		for _, name := range c.cfg.CanaryIndices {
			if name == index {
				return true
			}
		}
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(index))
	return float64(h.Sum32()%100) < c.cfg.CanaryPct
}

// Compare builds a sample from the two fingerprints, folds both sides into
// the cycle aggregates and records the sample in the window.
func (c *Controller) Compare(cycle, index string, rule domain.Rule, legacy, shadow Fields) Sample {
	s := Sample{
		Cycle:     cycle,
		Index:     index,
		Rule:      rule,
		OK:        legacy.Hash() == shadow.Hash(),
		Diff:      DiffFields(legacy, shadow),
		Protected: ProtectedDiff(legacy, shadow, c.cfg.ProtectedFields),
		Hash:      shadow.Hash(),
		Time:      c.clock(),
	}

	c.mu.Lock()
	if c.statsCycle != cycle {
		c.statsCycle = cycle
		c.legacyStats = NewCycleStats()
		c.shadowStats = NewCycleStats()
	}
	c.legacyStats.Add(index, legacy)
	c.shadowStats.Add(index, shadow)
	c.mu.Unlock()

	c.checkAlertAnomaly(cycle, index, rule, legacy.Alerts, shadow.Alerts)
	c.Observe(s)
	return s
}

// checkAlertAnomaly publishes a structured anomaly when the severity
// weighted alert disagreement crosses the configured threshold over a
// large enough union.
func (c *Controller) checkAlertAnomaly(cycle, index string, rule domain.Rule, legacy, shadow []string) {
	if c.anomalyTh <= 0 {
		return
	}
	cmp := CompareAlerts(legacy, shadow)
	if cmp.Union < c.anomalyN || cmp.WeightedDiff <= c.anomalyTh {
		return
	}
	c.batch.Inc(metrics.MParityAlertAnomaly)
	if c.events == nil {
		return
	}
	c.events.Publish(bus.Event{
		Name:  bus.EventParityAnomaly,
		Cycle: cycle,
		Index: index,
		Time:  c.clock(),
		Fields: map[string]any{
			"rule":          rule.String(),
			"weighted_diff": cmp.WeightedDiff,
			"union":         cmp.Union,
			"categories":    cmp.Categories,
		},
	})
}

// Observe appends a sample, evicting the oldest beyond the window size, and
// advances the per-sample hysteresis streaks.
func (c *Controller) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, s)
	if c.cfg.WindowSize > 0 && len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}
	if s.OK {
		c.okStreak++
		c.failStreak = 0
	} else {
		c.failStreak++
		c.okStreak = 0
	}
	if len(s.Protected) > 0 {
		c.batch.Inc(metrics.MParityProtectedDiff)
	}
	c.reg.Gauge(metrics.MParityWindowSize).Set(float64(len(c.window)))
}

// Decide issues the per-cycle verdict. Dryrun computes everything without
// ever flipping the promoted state.
func (c *Controller) Decide(cycle string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{Mode: c.cfg.Mode}
	if c.cfg.Mode == ModeOff {
		d.Reason = ReasonModeOff
		return c.finish(cycle, d)
	}

	d.OKRatio = c.okRatio()
	d.WindowSize = len(c.window)
	d.OKStreak = c.okStreak
	d.FailStreak = c.failStreak
	d.HashDistinct, d.HashChurnRatio, d.ChurnWindowSize = c.hashChurn()
	d.ProtectedInWindow = c.protectedInWindow()
	if last := c.lastSample(); last != nil {
		d.DiffCount = len(last.Diff)
		d.ProtectedDiff = len(last.Protected) > 0
	}
	c.exportScore(cycle)

	switch {
	case c.cfg.ForceDemote:
		d.Reason = ReasonForcedDemote
		c.promoted = false

	case len(c.window) < c.cfg.MinSamples:
		d.Reason = ReasonInsufficientSample

	case d.ProtectedDiff:
		d.Reason = ReasonProtectedBlock

	case c.cfg.ChurnRollbackRatio > 0 && d.HashChurnRatio >= c.cfg.ChurnRollbackRatio:
		d.Reason = ReasonRollbackChurn
		c.promoted = false

	case c.cfg.ProtectedRollback > 0 && d.ProtectedInWindow >= c.cfg.ProtectedRollback:
		d.Reason = ReasonRollbackProtected
		c.promoted = false

	default:
		if c.gating() && d.OKRatio >= c.cfg.CanaryTarget {
			d.Canary = true
		}
		switch {
		case c.cfg.Mode == ModePromote && d.OKRatio >= c.cfg.ParityTarget && c.okStreak >= c.cfg.OKHysteresis:
			d.Promote = true
			d.Reason = ReasonParityTargetMet
			c.promoted = true
		case c.gating() && c.failStreak >= c.cfg.FailHysteresis:
			d.Reason = ReasonFailHysteresis
			c.promoted = false
		default:
			d.Reason = ReasonWaitingHysteresis
		}
	}

	d.Authoritative = c.cfg.Authoritative && c.promoted
	return c.finish(cycle, d)
}

// gating reports whether the mode lets decisions activate anything.
func (c *Controller) gating() bool {
	return c.cfg.Mode == ModeCanary || c.cfg.Mode == ModePromote
}

// okRatio is the fraction of window samples whose hashes matched.
func (c *Controller) okRatio() float64 {
	if len(c.window) == 0 {
		return 0
	}
	ok := 0
	for _, s := range c.window {
		if s.OK {
			ok++
		}
	}
	return float64(ok) / float64(len(c.window))
}

// hashChurn counts distinct shadow hashes over the churn span: the tail of
// the window bounded by the churn window size.
func (c *Controller) hashChurn() (distinct int, ratio float64, span int) {
	span = len(c.window)
	if c.cfg.ChurnWindow > 0 && span > c.cfg.ChurnWindow {
		span = c.cfg.ChurnWindow
	}
	if span == 0 {
		return 0, 0, 0
	}
	seen := map[string]bool{}
	for _, s := range c.window[len(c.window)-span:] {
		seen[s.Hash] = true
	}
	return len(seen), float64(len(seen)) / float64(span), span
}

// protectedInWindow counts window samples carrying a protected-field diff.
func (c *Controller) protectedInWindow() int {
	n := 0
	for _, s := range c.window {
		if len(s.Protected) > 0 {
			n++
		}
	}
	return n
}

func (c *Controller) lastSample() *Sample {
	if len(c.window) == 0 {
		return nil
	}
	return &c.window[len(c.window)-1]
}

// exportScore publishes the composite cycle score and its rolling mean when
// the cycle produced samples. The score is observability only; promotion
// rides on the OK ratio.
func (c *Controller) exportScore(cycle string) {
	if c.statsCycle != cycle || c.legacyStats.Empty() {
		return
	}
	score := Score(c.legacyStats, c.shadowStats, c.weights, c.extended)
	c.scoreHist = append(c.scoreHist, score)
	if c.scoreSpan > 0 && len(c.scoreHist) > c.scoreSpan {
		c.scoreHist = c.scoreHist[len(c.scoreHist)-c.scoreSpan:]
	}
	sum := 0.0
	for _, v := range c.scoreHist {
		sum += v
	}
	c.reg.Gauge(metrics.MParityScore).Set(score)
	c.reg.Gauge(metrics.MParityScoreRolling).Set(sum / float64(len(c.scoreHist)))
}

// decisionKind folds a decision into the promotions counter label.
func decisionKind(d Decision) string {
	switch {
	case d.Promote:
		return "promote"
	case d.Reason == ReasonRollbackChurn || d.Reason == ReasonRollbackProtected:
		return "rollback"
	case d.Reason == ReasonFailHysteresis || d.Reason == ReasonForcedDemote:
		return "demote"
	default:
		return "hold"
	}
}

func (c *Controller) finish(cycle string, d Decision) Decision {
	c.lastDecision = d

	c.batch.Inc(metrics.MParityPromotions, decisionKind(d))
	c.reg.Gauge(metrics.MParityOKRatio).Set(d.OKRatio)
	c.reg.Gauge(metrics.MParityHashDistinct).Set(float64(d.HashDistinct))
	c.reg.Gauge(metrics.MParityHashChurn).Set(d.HashChurnRatio)
	if c.promoted {
		c.reg.Gauge(metrics.MParityActive).Set(1)
	} else {
		c.reg.Gauge(metrics.MParityActive).Set(0)
	}

	log.Debug().Str("cycle", cycle).Str("mode", d.Mode).Str("reason", d.Reason).
		Bool("promote", d.Promote).Bool("canary", d.Canary).
		Float64("ok_ratio", d.OKRatio).Int("window", d.WindowSize).
		Float64("hash_churn", d.HashChurnRatio).Msg("parity decision")
	return d
}
