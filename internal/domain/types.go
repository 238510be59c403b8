// Package domain holds the option-chain types shared across the collection
// pipeline, provider facade, sinks and panels.
package domain

import (
	"fmt"
	"time"
)

// Rule identifies a logical expiry bucket relative to the current date.
type Rule string

const (
	RuleThisWeek  Rule = "this_week"
	RuleNextWeek  Rule = "next_week"
	RuleThisMonth Rule = "this_month"
	RuleNextMonth Rule = "next_month"
)

// AllRules returns the rule buckets in canonical mask order.
func AllRules() []Rule {
	return []Rule{RuleThisWeek, RuleNextWeek, RuleThisMonth, RuleNextMonth}
}

// ParseRule validates a rule token from configuration.
func ParseRule(s string) (Rule, error) {
	switch Rule(s) {
	case RuleThisWeek, RuleNextWeek, RuleThisMonth, RuleNextMonth:
		return Rule(s), nil
	}
	return "", fmt.Errorf("unknown expiry rule %q", s)
}

func (r Rule) String() string { return string(r) }

// Bit returns the rule's position in expected/collected/missing masks.
// this_week=1, next_week=2, this_month=4, next_month=8.
func (r Rule) Bit() int {
	switch r {
	case RuleThisWeek:
		return 1
	case RuleNextWeek:
		return 2
	case RuleThisMonth:
		return 4
	case RuleNextMonth:
		return 8
	}
	return 0
}

// OptionType is the option side, CE (call) or PE (put).
type OptionType string

const (
	CallOption OptionType = "CE"
	PutOption  OptionType = "PE"
)

func (o OptionType) Valid() bool {
	return o == CallOption || o == PutOption
}

// Instrument is one tradable option contract as reported by a provider.
// Volume and OI come from the instrument dump when the provider supplies
// them; zero means unknown and passes prefilter thresholds.
type Instrument struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Index      string     `json:"index"`
	Exchange   string     `json:"exchange"`
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"option_type"`
	Expiry     time.Time  `json:"expiry"`
	LotSize    int        `json:"lot_size"`
	Volume     int64      `json:"volume,omitempty"`
	OI         int64      `json:"oi,omitempty"`
}

// Quote is a point-in-time market snapshot for one instrument.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	OI        int64     `json:"oi"`
	Timestamp time.Time `json:"timestamp"`
}

// Greeks are the Black-Scholes sensitivities for one option.
// Theta is per calendar day, Vega per vol point, Rho per rate point.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// EnrichedOption pairs an instrument with its quote and model outputs.
type EnrichedOption struct {
	Instrument   Instrument `json:"instrument"`
	Quote        Quote      `json:"quote"`
	IV           float64    `json:"iv"`
	IVIterations int        `json:"iv_iterations"`
	IVFallback   bool       `json:"iv_fallback"`
	Greeks       Greeks     `json:"greeks"`
	LTPOnly      bool       `json:"ltp_only,omitempty"`
}

// ExpirySnapshot is the per-(index, rule) result of one pipeline run.
type ExpirySnapshot struct {
	SchemaVersion   int       `json:"schema_version"`
	Index           string    `json:"index"`
	Rule            Rule      `json:"rule"`
	ExpiryDate      string    `json:"expiry_date"`
	ATMStrike       float64   `json:"atm_strike"`
	StrikeCount     int       `json:"strike_count"`
	InstrumentCount int       `json:"instrument_count"`
	OptionCount     int       `json:"option_count"`
	PCR             float64   `json:"pcr"`
	CallOI          int64     `json:"call_oi"`
	PutOI           int64     `json:"put_oi"`
	AvgIV           float64   `json:"avg_iv"`
	NetDelta        float64   `json:"net_delta"`
	NetGamma        float64   `json:"net_gamma"`
	NetTheta        float64   `json:"net_theta"`
	NetVega         float64   `json:"net_vega"`
	DayWidthSeconds float64   `json:"day_width_seconds"`
	CoverageStrike  float64   `json:"coverage_strike"`
	CoverageField   float64   `json:"coverage_field"`
	Fabricated      bool      `json:"fabricated,omitempty"`
	Salvaged        bool      `json:"salvaged,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// SnapshotSchemaVersion stamps ExpirySnapshot so downstream consumers can
// detect shape changes.
const SnapshotSchemaVersion = 1

// OverviewSnapshot aggregates one orchestrator cycle for a single index.
type OverviewSnapshot struct {
	Index             string           `json:"index"`
	PCRByRule         map[Rule]float64 `json:"pcr_by_rule"`
	ExpiriesExpected  int              `json:"expiries_expected"`
	ExpiriesCollected int              `json:"expiries_collected"`
	ExpectedMask      int              `json:"expected_mask"`
	CollectedMask     int              `json:"collected_mask"`
	MissingMask       int              `json:"missing_mask"`
	DayWidthSeconds   float64          `json:"day_width_seconds"`
	OptionCount       int              `json:"option_count"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// ExpiryKey formats an expiry date the way sinks and panels key it.
func ExpiryKey(t time.Time) string {
	return t.Format("2006-01-02")
}
