package metrics

import (
	"context"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
)

// defaultSeriesBudget applies to groups without an explicit budget.
const defaultSeriesBudget = 500

// GuardReport is the outcome of one cardinality sweep.
type GuardReport struct {
	SeriesByGroup map[string]int     `json:"series_by_group"`
	GrowthByGroup map[string]float64 `json:"growth_by_group"`
	Offenders     []string           `json:"offenders"`
	TotalSeries   int                `json:"total_series"`
}

// CardinalityGuard walks the exposed registry periodically, counts live
// series per metric group and flags groups over budget.
type CardinalityGuard struct {
	reg      *Registry
	budgets  map[string]int
	interval time.Duration
	last     map[string]int
}

// NewCardinalityGuard builds a guard from the metrics config.
func NewCardinalityGuard(reg *Registry, cfg config.MetricsSection) *CardinalityGuard {
	interval := time.Duration(cfg.CardinalityIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	budgets := make(map[string]int, len(cfg.CardinalityBudgets))
	for g, n := range cfg.CardinalityBudgets {
		budgets[g] = n
	}
	return &CardinalityGuard{reg: reg, budgets: budgets, interval: interval, last: make(map[string]int)}
}

// seriesCount is the number of live children in one family.
func seriesCount(mf *dto.MetricFamily) int { return len(mf.GetMetric()) }

// budget returns the series budget for a group.
func (g *CardinalityGuard) budget(group string) int {
	if n, ok := g.budgets[group]; ok {
		return n
	}
	return defaultSeriesBudget
}

// RunOnce performs a single sweep and publishes the guard gauges.
func (g *CardinalityGuard) RunOnce() GuardReport {
	report := GuardReport{
		SeriesByGroup: make(map[string]int),
		GrowthByGroup: make(map[string]float64),
	}
	families, err := g.reg.Gatherer().Gather()
	if err != nil {
		log.Error().Err(err).Msg("cardinality sweep gather failed")
		return report
	}
	for _, mf := range families {
		group := "unknown"
		if spec, ok := g.reg.Spec(mf.GetName()); ok {
			group = spec.Group
		}
		n := seriesCount(mf)
		report.SeriesByGroup[group] += n
		report.TotalSeries += n
	}
	for group, n := range report.SeriesByGroup {
		growth := 0.0
		if prev, ok := g.last[group]; ok && prev > 0 {
			growth = 100 * float64(n-prev) / float64(prev)
		}
		report.GrowthByGroup[group] = growth
		g.last[group] = n
		g.reg.Gauge(MCardSeries, group).Set(float64(n))
		g.reg.Gauge(MCardGrowth, group).Set(growth)
		if n > g.budget(group) {
			report.Offenders = append(report.Offenders, group)
		}
	}
	sort.Strings(report.Offenders)
	for _, group := range report.Offenders {
		log.Warn().
			Str("group", group).
			Int("series", report.SeriesByGroup[group]).
			Int("budget", g.budget(group)).
			Msg("metric group over cardinality budget")
	}
	g.reg.Gauge(MCardOffenders).Set(float64(len(report.Offenders)))
	g.reg.Gauge(MCardLastRun).Set(float64(time.Now().Unix()))
	return report
}

// Run sweeps on the configured interval until the context ends.
func (g *CardinalityGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	g.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce()
		}
	}
}
