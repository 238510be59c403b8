package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
)

// Registry owns a dedicated Prometheus registry populated from the
// catalogue. Gated-off groups are registered against a dark registry that is
// never exposed, so call sites always get a live handle and disabled groups
// emit no series.
type Registry struct {
	exposed *prometheus.Registry
	dark    *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	specs      map[string]Spec
	enabled    map[string]bool
	groupOn    map[string]bool
	failOnDup  bool

	duplicates *prometheus.CounterVec

	mu       sync.Mutex
	unknowns map[string]bool
}

// groupEnabled resolves gating for one group. Disabled wins over enabled;
// always-on groups cannot be disabled. An explicit enabled list turns every
// unlisted gateable group off.
func groupEnabled(group string, cfg config.MetricsSection) bool {
	if AlwaysOn(group) {
		return true
	}
	for _, g := range cfg.GroupsDisabled {
		if strings.EqualFold(g, group) {
			return false
		}
	}
	if len(cfg.GroupsEnabled) == 0 {
		return true
	}
	for _, g := range cfg.GroupsEnabled {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}

// NewRegistry builds collectors for the full catalogue, warms declared label
// sets and publishes the catalogue hash.
func NewRegistry(cfg config.MetricsSection) *Registry {
	r := &Registry{
		exposed:    prometheus.NewRegistry(),
		dark:       prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		specs:      make(map[string]Spec),
		enabled:    make(map[string]bool),
		groupOn:    make(map[string]bool),
		failOnDup:  cfg.FailOnDuplicate,
		unknowns:   make(map[string]bool),
	}
	for _, g := range Groups() {
		r.groupOn[g] = groupEnabled(g, cfg)
	}
	for _, spec := range Catalogue() {
		if err := r.RegisterSpec(spec); err != nil {
			log.Error().Err(err).Str("metric", spec.Name).Msg("metric registration failed")
		}
	}
	r.duplicates = r.counters[MMetricDuplicates]
	r.Gauge(MSpecHashInfo, SpecHash()).Set(1)
	return r
}

// RegisterSpec adds one declared metric. Re-registering an existing name is
// counted and the first registration wins; under fail_on_duplicate the
// duplicate is also an error after counting.
func (r *Registry) RegisterSpec(spec Spec) error {
	if _, dup := r.specs[spec.Name]; dup {
		if r.duplicates != nil {
			r.duplicates.WithLabelValues(spec.Name).Inc()
		}
		if r.failOnDup {
			return fmt.Errorf("metric %s registered twice", spec.Name)
		}
		return nil
	}
	enabled, known := r.groupOn[spec.Group]
	if !known {
		enabled = true
	}
	target := r.exposed
	if !enabled {
		target = r.dark
	}
	switch spec.Kind {
	case KindCounter:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: spec.Name, Help: spec.Help}, spec.Labels)
		if err := target.Register(vec); err != nil {
			return err
		}
		r.counters[spec.Name] = vec
	case KindGauge:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: spec.Name, Help: spec.Help}, spec.Labels)
		if err := target.Register(vec); err != nil {
			return err
		}
		r.gauges[spec.Name] = vec
	case KindHistogram:
		buckets := spec.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: spec.Name, Help: spec.Help, Buckets: buckets}, spec.Labels)
		if err := target.Register(vec); err != nil {
			return err
		}
		r.histograms[spec.Name] = vec
	}
	r.specs[spec.Name] = spec
	r.enabled[spec.Name] = enabled
	r.warm(spec)
	return nil
}

// warm pre-creates declared series so the first scrape already shows them.
func (r *Registry) warm(spec Spec) {
	for _, lvs := range spec.Warm {
		switch spec.Kind {
		case KindCounter:
			r.counters[spec.Name].WithLabelValues(lvs...).Add(0)
		case KindGauge:
			r.gauges[spec.Name].WithLabelValues(lvs...).Add(0)
		case KindHistogram:
			r.histograms[spec.Name].WithLabelValues(lvs...)
		}
	}
	if len(spec.Warm) == 0 && len(spec.Labels) == 0 {
		switch spec.Kind {
		case KindCounter:
			r.counters[spec.Name].WithLabelValues().Add(0)
		case KindGauge:
			r.gauges[spec.Name].WithLabelValues().Add(0)
		case KindHistogram:
			r.histograms[spec.Name].WithLabelValues()
		}
	}
}

// logUnknown reports an undeclared metric name once.
func (r *Registry) logUnknown(name string) {
	r.mu.Lock()
	seen := r.unknowns[name]
	r.unknowns[name] = true
	r.mu.Unlock()
	if !seen {
		log.Error().Str("metric", name).Msg("metric not declared in catalogue")
	}
}

// fallback collectors absorb undeclared names so call sites never get nil.
var (
	fallbackCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "g6_undeclared_counter_total", Help: "Catch-all for undeclared counter names.",
	}, []string{"name"})
	fallbackGauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "g6_undeclared_gauge", Help: "Catch-all for undeclared gauge names.",
	}, []string{"name"})
	fallbackHistograms = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "g6_undeclared_histogram", Help: "Catch-all for undeclared histogram names.",
	}, []string{"name"})
)

// Counter returns the live counter for name and label values.
func (r *Registry) Counter(name string, lvs ...string) prometheus.Counter {
	vec, ok := r.counters[name]
	if !ok {
		r.logUnknown(name)
		return fallbackCounters.WithLabelValues(name)
	}
	return vec.WithLabelValues(lvs...)
}

// Gauge returns the live gauge for name and label values.
func (r *Registry) Gauge(name string, lvs ...string) prometheus.Gauge {
	vec, ok := r.gauges[name]
	if !ok {
		r.logUnknown(name)
		return fallbackGauges.WithLabelValues(name)
	}
	return vec.WithLabelValues(lvs...)
}

// Observe records one histogram observation.
func (r *Registry) Observe(name string, v float64, lvs ...string) {
	vec, ok := r.histograms[name]
	if !ok {
		r.logUnknown(name)
		fallbackHistograms.WithLabelValues(name).Observe(v)
		return
	}
	vec.WithLabelValues(lvs...).Observe(v)
}

// Enabled reports whether a metric's group is exposed.
func (r *Registry) Enabled(name string) bool { return r.enabled[name] }

// Spec returns the catalogue entry for a metric name.
func (r *Registry) Spec(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// SetBuildConfigHash publishes the effective-config hash info gauge.
func (r *Registry) SetBuildConfigHash(hash string) {
	r.Gauge(MBuildHashInfo, hash).Set(1)
}

// BuildConfigHash hashes an effective-config rendering to 16 hex chars.
func BuildConfigHash(rendered []byte) string {
	sum := sha256.Sum256(rendered)
	return hex.EncodeToString(sum[:])[:16]
}

// Gatherer exposes the live registry for scrapes and the guard.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.exposed }

// Handler serves the exposed registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.exposed, promhttp.HandlerOpts{})
}

// GroupStates summarises gating per group for diagnostics.
func (r *Registry) GroupStates() map[string]bool {
	out := make(map[string]bool, len(r.groupOn))
	for g, on := range r.groupOn {
		out[g] = on
	}
	return out
}

// EnabledGroups returns the exposed groups, sorted.
func (r *Registry) EnabledGroups() []string {
	out := make([]string, 0, len(r.groupOn))
	for g, on := range r.groupOn {
		if on {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
