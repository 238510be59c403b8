// Package parity compares the phased pipeline against a compact legacy
// collection path and gates promotion of the new pipeline behind rolling
// parity scores, hysteresis and protected-field checks.
package parity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/g6run/g6run/internal/pipeline"
)

// maxTopStrikes bounds the strike prefix folded into the fingerprint.
const maxTopStrikes = 5

// Protected fields that always block promotion when they differ,
// regardless of the weighted score.
const (
	FieldExpiryDate      = "expiry_date"
	FieldInstrumentCount = "instrument_count"
)

// Fields is the canonical tuple fingerprinted for one (index, rule)
// collection, v2 layout.
type Fields struct {
	ExpiryDate      string    `json:"expiry_date"`
	StrikeCount     int       `json:"strike_count"`
	InstrumentCount int       `json:"instrument_count"`
	TopStrikes      []float64 `json:"top_strikes"`
	CoverageStrike  float64   `json:"coverage_strike"`
	CoverageField   float64   `json:"coverage_field"`
	PersistCount    int       `json:"persist_count"`
	PCR             float64   `json:"pcr"`
	Alerts          []string  `json:"alerts,omitempty"`
}

// Hash renders the canonical v2 fingerprint: a fixed-order, fixed-precision
// encoding of the tuple, SHA-256, first 16 hex. Map iteration order can
// never leak in because every component is explicitly ordered.
func (f Fields) Hash() string {
	var b strings.Builder
	b.WriteString("v2|expiry=")
	b.WriteString(f.ExpiryDate)
	b.WriteString("|strikes=")
	b.WriteString(strconv.Itoa(f.StrikeCount))
	b.WriteString("|instruments=")
	b.WriteString(strconv.Itoa(f.InstrumentCount))
	b.WriteString("|top=")
	top := append([]float64(nil), f.TopStrikes...)
	sort.Float64s(top)
	if len(top) > maxTopStrikes {
		top = top[:maxTopStrikes]
	}
	for i, s := range top {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(s, 'f', 2, 64))
	}
	b.WriteString("|coverage=")
	b.WriteString(strconv.FormatFloat(f.CoverageStrike, 'f', 6, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(f.CoverageField, 'f', 6, 64))
	b.WriteString("|persist=")
	b.WriteString(strconv.Itoa(f.PersistCount))
	b.WriteString("|pcr=")
	b.WriteString(strconv.FormatFloat(f.PCR, 'f', 6, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// CanonicalAlerts returns the sorted distinct alert names joined by commas,
// the form compared by the extended score.
func CanonicalAlerts(alerts []string) string {
	seen := map[string]bool{}
	var out []string
	for _, a := range alerts {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// FieldsFromState extracts the fingerprint tuple from a finished pipeline
// run.
func FieldsFromState(st *pipeline.ExpiryState) Fields {
	f := Fields{
		ExpiryDate:      st.ExpiryDate,
		InstrumentCount: len(st.Instruments),
		PersistCount:    st.MetaInt("persist_options_simulated"),
		CoverageStrike:  st.MetaFloat("coverage_strike"),
		CoverageField:   st.MetaFloat("coverage_field"),
		PCR:             st.MetaFloat("pcr"),
	}
	strikes := st.CoveredStrikes()
	f.StrikeCount = len(strikes)
	if len(strikes) > maxTopStrikes {
		strikes = strikes[:maxTopStrikes]
	}
	f.TopStrikes = strikes
	if alerts, ok := st.Meta["alerts"].([]string); ok {
		f.Alerts = alerts
	}
	return f
}

// DiffFields names every tuple member that differs between the two sides,
// using the JSON tags. Top strikes compare as ordered prefixes and alerts
// in canonical form.
func DiffFields(legacy, shadow Fields) []string {
	var diffs []string
	if legacy.ExpiryDate != shadow.ExpiryDate {
		diffs = append(diffs, "expiry_date")
	}
	if legacy.StrikeCount != shadow.StrikeCount {
		diffs = append(diffs, "strike_count")
	}
	if legacy.InstrumentCount != shadow.InstrumentCount {
		diffs = append(diffs, "instrument_count")
	}
	if !equalStrikes(legacy.TopStrikes, shadow.TopStrikes) {
		diffs = append(diffs, "top_strikes")
	}
	if legacy.CoverageStrike != shadow.CoverageStrike {
		diffs = append(diffs, "coverage_strike")
	}
	if legacy.CoverageField != shadow.CoverageField {
		diffs = append(diffs, "coverage_field")
	}
	if legacy.PersistCount != shadow.PersistCount {
		diffs = append(diffs, "persist_count")
	}
	if legacy.PCR != shadow.PCR {
		diffs = append(diffs, "pcr")
	}
	if CanonicalAlerts(legacy.Alerts) != CanonicalAlerts(shadow.Alerts) {
		diffs = append(diffs, "alerts")
	}
	return diffs
}

func equalStrikes(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ProtectedDiff lists the protected fields whose values differ between the
// two sides. Extras name additional Fields members by their JSON tag.
func ProtectedDiff(legacy, shadow Fields, extras []string) []string {
	var diffs []string
	if legacy.ExpiryDate != shadow.ExpiryDate {
		diffs = append(diffs, FieldExpiryDate)
	}
	if legacy.InstrumentCount != shadow.InstrumentCount {
		diffs = append(diffs, FieldInstrumentCount)
	}
	for _, extra := range extras {
		switch extra {
		case FieldExpiryDate, FieldInstrumentCount:
			// already covered
		case "strike_count":
			if legacy.StrikeCount != shadow.StrikeCount {
				diffs = append(diffs, extra)
			}
		case "persist_count":
			if legacy.PersistCount != shadow.PersistCount {
				diffs = append(diffs, extra)
			}
		case "pcr":
			if legacy.PCR != shadow.PCR {
				diffs = append(diffs, extra)
			}
		}
	}
	return diffs
}
