package parity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/pipeline"
)

func sampleFields() Fields {
	return Fields{
		ExpiryDate:      "2026-08-27",
		StrikeCount:     5,
		InstrumentCount: 10,
		TopStrikes:      []float64{24700, 24750, 24800, 24850, 24900},
		CoverageStrike:  1,
		CoverageField:   0.96,
		PersistCount:    10,
		PCR:             1.12,
	}
}

func TestHash_StableAcrossInputOrder(t *testing.T) {
	a := sampleFields()
	b := sampleFields()
	b.TopStrikes = []float64{24900, 24700, 24850, 24800, 24750}

	require.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", a.Hash())
}

func TestHash_Deterministic(t *testing.T) {
	f := sampleFields()
	first := f.Hash()
	for i := 0; i < 50; i++ {
		require.Equal(t, first, f.Hash())
	}
}

func TestHash_SensitiveToEveryComponent(t *testing.T) {
	base := sampleFields().Hash()

	mutations := map[string]func(*Fields){
		"expiry":      func(f *Fields) { f.ExpiryDate = "2026-09-03" },
		"strikes":     func(f *Fields) { f.StrikeCount = 6 },
		"instruments": func(f *Fields) { f.InstrumentCount = 12 },
		"top":         func(f *Fields) { f.TopStrikes[0] = 24650 },
		"coverage":    func(f *Fields) { f.CoverageField = 0.97 },
		"persist":     func(f *Fields) { f.PersistCount = 9 },
		"pcr":         func(f *Fields) { f.PCR = 1.13 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := sampleFields()
			mutate(&f)
			assert.NotEqual(t, base, f.Hash())
		})
	}
}

func TestHash_TruncatesTopStrikes(t *testing.T) {
	a := sampleFields()
	b := sampleFields()
	b.TopStrikes = append(b.TopStrikes, 24950, 25000)

	// Only the five lowest strikes participate.
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestCanonicalAlerts(t *testing.T) {
	assert.Equal(t, "", CanonicalAlerts(nil))
	assert.Equal(t, "low_coverage,wide_spread",
		CanonicalAlerts([]string{"wide_spread", "low_coverage", "wide_spread", ""}))
}

func TestFieldsFromState(t *testing.T) {
	set := newGatingSettings(t, nil)
	st := pipeline.NewExpiryState("NIFTY", domain.RuleThisWeek, "c1", set, time.Now())
	st.ExpiryDate = "2026-08-27"
	st.Instruments = []domain.Instrument{
		{Symbol: "A", Strike: 24800, OptionType: domain.CallOption},
		{Symbol: "B", Strike: 24800, OptionType: domain.PutOption},
		{Symbol: "C", Strike: 24850, OptionType: domain.CallOption},
	}
	st.Enriched = map[string]domain.EnrichedOption{
		"A": {Instrument: st.Instruments[0], Quote: domain.Quote{Symbol: "A", LastPrice: 10}},
		"B": {Instrument: st.Instruments[1], Quote: domain.Quote{Symbol: "B", LastPrice: 12}},
		"C": {Instrument: st.Instruments[2], Quote: domain.Quote{Symbol: "C", LastPrice: 8}},
	}
	st.MetaPut("persist_options_simulated", 3)
	st.MetaPut("coverage_strike", 0.8)
	st.MetaPut("coverage_field", 0.9)
	st.MetaPut("pcr", 1.25)
	st.MetaPut("alerts", []string{"partial_quotes"})

	f := FieldsFromState(st)
	assert.Equal(t, "2026-08-27", f.ExpiryDate)
	assert.Equal(t, 3, f.InstrumentCount)
	assert.Equal(t, 2, f.StrikeCount)
	assert.Equal(t, []float64{24800, 24850}, f.TopStrikes)
	assert.Equal(t, 3, f.PersistCount)
	assert.InDelta(t, 0.8, f.CoverageStrike, 1e-9)
	assert.InDelta(t, 0.9, f.CoverageField, 1e-9)
	assert.InDelta(t, 1.25, f.PCR, 1e-9)
	assert.Equal(t, []string{"partial_quotes"}, f.Alerts)
}

func TestDiffFields(t *testing.T) {
	t.Run("equal tuples", func(t *testing.T) {
		assert.Empty(t, DiffFields(sampleFields(), sampleFields()))
	})

	t.Run("names every divergence", func(t *testing.T) {
		shadow := sampleFields()
		shadow.ExpiryDate = "2026-09-03"
		shadow.StrikeCount = 4
		shadow.PCR = 0.5
		shadow.Alerts = []string{"salvaged"}
		got := DiffFields(sampleFields(), shadow)
		assert.Equal(t, []string{"expiry_date", "strike_count", "pcr", "alerts"}, got)
	})

	t.Run("alert order does not diff", func(t *testing.T) {
		legacy := sampleFields()
		legacy.Alerts = []string{"a", "b"}
		shadow := sampleFields()
		shadow.Alerts = []string{"b", "a"}
		assert.Empty(t, DiffFields(legacy, shadow))
	})
}

func TestProtectedDiff(t *testing.T) {
	legacy := sampleFields()

	t.Run("equal", func(t *testing.T) {
		assert.Empty(t, ProtectedDiff(legacy, sampleFields(), nil))
	})

	t.Run("builtin fields", func(t *testing.T) {
		shadow := sampleFields()
		shadow.ExpiryDate = "2026-09-03"
		shadow.InstrumentCount = 8
		assert.Equal(t, []string{FieldExpiryDate, FieldInstrumentCount},
			ProtectedDiff(legacy, shadow, nil))
	})

	t.Run("extras", func(t *testing.T) {
		shadow := sampleFields()
		shadow.StrikeCount = 4
		shadow.PCR = 0.9
		got := ProtectedDiff(legacy, shadow, []string{"strike_count", "pcr", "persist_count"})
		assert.Equal(t, []string{"strike_count", "pcr"}, got)
	})

	t.Run("extras never duplicate builtins", func(t *testing.T) {
		shadow := sampleFields()
		shadow.ExpiryDate = "2026-09-03"
		got := ProtectedDiff(legacy, shadow, []string{FieldExpiryDate})
		assert.Equal(t, []string{FieldExpiryDate}, got)
	})
}
