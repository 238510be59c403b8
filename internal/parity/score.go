package parity

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Score component names accepted in the weights string. The base score
// blends the first three; strike_coverage joins under the extended score.
const (
	CompIndexCount     = "index_count"
	CompOptionCount    = "option_count"
	CompAlerts         = "alerts"
	CompStrikeCoverage = "strike_coverage"
)

var knownComponents = map[string]bool{
	CompIndexCount:     true,
	CompOptionCount:    true,
	CompAlerts:         true,
	CompStrikeCoverage: true,
}

// Weights maps score components to their relative weight.
type Weights map[string]float64

// DefaultWeights gives every component equal weight, making the score the
// plain mean of the active components.
func DefaultWeights() Weights {
	return Weights{
		CompIndexCount:     1,
		CompOptionCount:    1,
		CompAlerts:         1,
		CompStrikeCoverage: 1,
	}
}

// ParseWeights reads a "component:weight,component:weight" override string.
// Unknown components and malformed weights are load errors; an empty string
// keeps the defaults.
func ParseWeights(s string) (Weights, error) {
	w := DefaultWeights()
	if strings.TrimSpace(s) == "" {
		return w, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("weight %q: want component:weight", part)
		}
		name := strings.TrimSpace(kv[0])
		if !knownComponents[name] {
			return nil, fmt.Errorf("unknown score component %q", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("weight %q: bad value", part)
		}
		w[name] = v
	}
	return w, nil
}

// Names returns the component names in deterministic order.
func (w Weights) Names() []string {
	out := make([]string, 0, len(w))
	for k := range w {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CycleStats aggregates one side of a cycle across its per-expiry samples:
// the indices that produced a sample, the summed option counts, the union
// of alerts and the strike coverage readings per index.
type CycleStats struct {
	indices  map[string]bool
	options  int
	alerts   map[string]bool
	coverage map[string][]float64
}

// NewCycleStats returns an empty accumulator.
func NewCycleStats() *CycleStats {
	return &CycleStats{
		indices:  map[string]bool{},
		alerts:   map[string]bool{},
		coverage: map[string][]float64{},
	}
}

// Add folds one per-expiry fingerprint into the cycle aggregate.
func (cs *CycleStats) Add(index string, f Fields) {
	cs.indices[index] = true
	cs.options += f.PersistCount
	for _, a := range f.Alerts {
		if a != "" {
			cs.alerts[a] = true
		}
	}
	cs.coverage[index] = append(cs.coverage[index], f.CoverageStrike)
}

// IndexCount is the number of distinct indices sampled.
func (cs *CycleStats) IndexCount() int { return len(cs.indices) }

// OptionCount is the summed option count across samples.
func (cs *CycleStats) OptionCount() int { return cs.options }

// Alerts returns the union of alert names, sorted.
func (cs *CycleStats) Alerts() []string {
	out := make([]string, 0, len(cs.alerts))
	for a := range cs.alerts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// meanCoverage averages the strike coverage readings of one index.
func (cs *CycleStats) meanCoverage(index string) (float64, bool) {
	vals := cs.coverage[index]
	if len(vals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), true
}

// Empty reports whether nothing was accumulated.
func (cs *CycleStats) Empty() bool { return cs == nil || len(cs.indices) == 0 }

// countSimilarity maps two counts to [0,1]: 1 when equal, shrinking with
// the relative gap, 0 when exactly one side is empty.
func countSimilarity(l, p int) float64 {
	den := math.Max(math.Max(float64(l), float64(p)), 1)
	return 1 - math.Min(1, math.Abs(float64(l)-float64(p))/den)
}

// alertSimilarity compares two alert name sets: the complement of the
// symmetric difference over the union, 1 when both are empty.
func alertSimilarity(legacy, shadow []string) float64 {
	sa, sb := alertSet(legacy), alertSet(shadow)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	diff, union := 0, 0
	for a := range sa {
		union++
		if !sb[a] {
			diff++
		}
	}
	for a := range sb {
		if !sa[a] {
			union++
			diff++
		}
	}
	return 1 - float64(diff)/float64(union)
}

func alertSet(alerts []string) map[string]bool {
	m := map[string]bool{}
	for _, a := range alerts {
		if a != "" {
			m[a] = true
		}
	}
	return m
}

// coverageSimilarity averages, over the union of indices either side saw,
// how close the two mean strike coverages sit. An index one side never
// sampled counts as fully divergent; no indices at all count as identical.
func coverageSimilarity(legacy, shadow *CycleStats) float64 {
	union := map[string]bool{}
	for idx := range legacy.coverage {
		union[idx] = true
	}
	for idx := range shadow.coverage {
		union[idx] = true
	}
	if len(union) == 0 {
		return 1
	}
	sum := 0.0
	for idx := range union {
		lc, lok := legacy.meanCoverage(idx)
		sc, sok := shadow.meanCoverage(idx)
		if !lok || !sok {
			continue
		}
		sum += 1 - math.Min(1, math.Abs(lc-sc))
	}
	return sum / float64(len(union))
}

// Score blends the cycle-level similarities of the two sides into [0,1].
// The base form is the weighted mean of index_count, option_count and
// alerts; the extended form adds strike_coverage.
func Score(legacy, shadow *CycleStats, w Weights, extended bool) float64 {
	comp := map[string]float64{
		CompIndexCount:  countSimilarity(legacy.IndexCount(), shadow.IndexCount()),
		CompOptionCount: countSimilarity(legacy.OptionCount(), shadow.OptionCount()),
		CompAlerts:      alertSimilarity(legacy.Alerts(), shadow.Alerts()),
	}
	if extended {
		comp[CompStrikeCoverage] = coverageSimilarity(legacy, shadow)
	}

	num, den := 0.0, 0.0
	for name, value := range comp {
		weight, ok := w[name]
		if !ok {
			weight = 1
		}
		num += weight * value
		den += weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Alert severity weighting for the structured alert parity. Unknown alert
// names weigh as info.
var severityWeights = map[string]float64{
	"info":     0.5,
	"warn":     1.0,
	"critical": 2.0,
}

var alertSeverity = map[string]string{
	"validation_failed":   "warn",
	"salvaged":            "warn",
	"fabricated_expiry":   "critical",
	"partial_quotes":      "info",
	"low_strike_coverage": "warn",
	"low_field_coverage":  "warn",
}

func severityOf(alert string) string {
	if s, ok := alertSeverity[alert]; ok {
		return s
	}
	return "info"
}

// AlertComparison is the severity-weighted view of two alert sets.
type AlertComparison struct {
	// WeightedDiff is the weighted symmetric difference normalised by the
	// weighted union, in [0,1]; 0 when the union is empty.
	WeightedDiff float64
	// Union is the unweighted size of the alert union.
	Union int
	// Categories counts the differing alerts per severity.
	Categories map[string]int
}

// CompareAlerts weighs the disagreement between two alert sets by severity.
// A critical alert present on only one side moves the needle four times as
// far as an info one.
func CompareAlerts(legacy, shadow []string) AlertComparison {
	sa, sb := alertSet(legacy), alertSet(shadow)
	cmp := AlertComparison{Categories: map[string]int{}}

	diffWeight, unionWeight := 0.0, 0.0
	for a := range sa {
		w := severityWeights[severityOf(a)]
		unionWeight += w
		cmp.Union++
		if !sb[a] {
			diffWeight += w
			cmp.Categories[severityOf(a)]++
		}
	}
	for a := range sb {
		if sa[a] {
			continue
		}
		w := severityWeights[severityOf(a)]
		unionWeight += w
		cmp.Union++
		diffWeight += w
		cmp.Categories[severityOf(a)]++
	}
	if unionWeight > 0 {
		cmp.WeightedDiff = diffWeight / unionWeight
	}
	return cmp
}
