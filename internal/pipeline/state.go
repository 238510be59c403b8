// Package pipeline runs the ordered phase sequence that turns one
// (index, expiry rule) pair into persisted option rows and an expiry
// snapshot. Phases share a single mutable ExpiryState; failures are
// recorded as legacy tokens and structured records in lockstep.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
)

// PhaseErrorRecord is the structured twin of a legacy error token. Exactly
// one record is appended per failed phase, carrying the final outcome of the
// whole attempt sequence, never one per attempt.
type PhaseErrorRecord struct {
	Phase          string    `json:"phase"`
	Classification string    `json:"classification"`
	OutcomeToken   string    `json:"outcome_token"`
	Message        string    `json:"message"`
	Detail         string    `json:"detail,omitempty"`
	Attempt        int       `json:"attempt"`
	Time           time.Time `json:"time"`
}

// Token renders the legacy form <classification>:<phase>[:<detail>].
func Token(classification, phase, detail string) string {
	if detail == "" {
		return classification + ":" + phase
	}
	return classification + ":" + phase + ":" + detail
}

// ExpiryState is the mutable record threaded through all phases of one
// pipeline run.
type ExpiryState struct {
	Index    string
	Rule     domain.Rule
	CycleID  string
	Settings *config.Settings
	Started  time.Time

	ExpiryDate string
	ATMStrike  float64
	Spot       float64
	Fabricated bool

	Instruments []domain.Instrument
	Strikes     []float64
	Quotes      map[string]domain.Quote
	Enriched    map[string]domain.EnrichedOption

	Errors       []string
	ErrorRecords []PhaseErrorRecord
	Flags        map[string]bool
	Meta         map[string]any
	Snapshot     *domain.ExpirySnapshot
}

// NewExpiryState seeds a state for one run. Settings is a read-only snapshot
// shared by all phases.
func NewExpiryState(index string, rule domain.Rule, cycleID string, set *config.Settings, started time.Time) *ExpiryState {
	return &ExpiryState{
		Index:    index,
		Rule:     rule,
		CycleID:  cycleID,
		Settings: set,
		Started:  started,
		Quotes:   map[string]domain.Quote{},
		Enriched: map[string]domain.EnrichedOption{},
		Flags:    map[string]bool{},
		Meta:     map[string]any{},
	}
}

// AddRecord appends rec and its OutcomeToken pairwise. This is the only
// mutation path for the two error lists, which keeps them the same length
// and in the same order.
func (s *ExpiryState) AddRecord(rec PhaseErrorRecord) {
	if rec.OutcomeToken == "" {
		rec.OutcomeToken = Token(rec.Classification, rec.Phase, rec.Detail)
	}
	s.ErrorRecords = append(s.ErrorRecords, rec)
	s.Errors = append(s.Errors, rec.OutcomeToken)
}

// AddError parses a legacy token and appends it with a minimal structured
// record, so ad-hoc callers cannot break the lockstep invariant.
func (s *ExpiryState) AddError(token string) {
	parts := strings.SplitN(token, ":", 3)
	rec := PhaseErrorRecord{OutcomeToken: token, Attempt: 1, Time: s.Started}
	if len(parts) > 0 {
		rec.Classification = parts[0]
	}
	if len(parts) > 1 {
		rec.Phase = parts[1]
	}
	if len(parts) > 2 {
		rec.Detail = parts[2]
	}
	s.AddRecord(rec)
}

// Flag marks a named condition on the state.
func (s *ExpiryState) Flag(name string) { s.Flags[name] = true }

// HasFlag reports whether a named condition was set.
func (s *ExpiryState) HasFlag(name string) bool { return s.Flags[name] }

// MetaPut stores an arbitrary value in the run metadata.
func (s *ExpiryState) MetaPut(k string, v any) { s.Meta[k] = v }

// MetaInt reads an integer metadata value, tolerating the numeric types
// that survive a JSON round trip.
func (s *ExpiryState) MetaInt(k string) int {
	switch v := s.Meta[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaString reads a string metadata value.
func (s *ExpiryState) MetaString(k string) string {
	if v, ok := s.Meta[k].(string); ok {
		return v
	}
	return ""
}

// MetaFloat reads a float metadata value with the same tolerance as MetaInt.
func (s *ExpiryState) MetaFloat(k string) float64 {
	switch v := s.Meta[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// OptionCount is the number of options currently enriched.
func (s *ExpiryState) OptionCount() int { return len(s.Enriched) }

// CoveredStrikes returns the distinct strikes present in the enriched set,
// sorted ascending. Strikes holds the planned survivors from prefilter;
// this is the subset that actually produced a usable quote.
func (s *ExpiryState) CoveredStrikes() []float64 {
	seen := map[float64]bool{}
	for _, opt := range s.Enriched {
		seen[opt.Instrument.Strike] = true
	}
	out := make([]float64, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Float64s(out)
	return out
}

// LogKey identifies the run in structured logs.
func (s *ExpiryState) LogKey() string {
	return fmt.Sprintf("%s/%s", s.Index, s.Rule)
}
