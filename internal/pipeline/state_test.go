package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/domain"
)

func TestExpiryState_ErrorListsStayInLockstep(t *testing.T) {
	st := NewExpiryState("NIFTY", domain.RuleThisWeek, "c1", nil, time.Now())

	st.AddRecord(PhaseErrorRecord{
		Phase:          "fetch",
		Classification: "recoverable",
		Detail:         "no_instruments_domain",
		Message:        "empty dump",
		Attempt:        3,
	})
	st.AddError("abort:resolve:expiry_unresolved")
	st.AddRecord(PhaseErrorRecord{
		Phase:          "persist",
		Classification: "fatal",
		OutcomeToken:   "fatal:persist:persist_failed",
		Attempt:        1,
	})

	require.Len(t, st.Errors, 3)
	require.Len(t, st.ErrorRecords, 3)
	for i, rec := range st.ErrorRecords {
		assert.Equal(t, st.Errors[i], rec.OutcomeToken, "record %d token mismatch", i)
	}
	assert.Equal(t, "recoverable:fetch:no_instruments_domain", st.Errors[0])
	assert.Equal(t, "abort:resolve:expiry_unresolved", st.Errors[1])
	assert.Equal(t, "fatal:persist:persist_failed", st.Errors[2])

	parsed := st.ErrorRecords[1]
	assert.Equal(t, "abort", parsed.Classification)
	assert.Equal(t, "resolve", parsed.Phase)
	assert.Equal(t, "expiry_unresolved", parsed.Detail)
}

func TestToken_OmitsEmptyDetail(t *testing.T) {
	assert.Equal(t, "unknown:enrich", Token("unknown", "enrich", ""))
	assert.Equal(t, "recoverable:fetch:no_quotes", Token("recoverable", "fetch", "no_quotes"))
}

func TestExpiryState_CoveredStrikesSortedDistinct(t *testing.T) {
	st := NewExpiryState("NIFTY", domain.RuleThisWeek, "c1", nil, time.Now())
	for _, opt := range []struct {
		sym    string
		strike float64
	}{
		{"A", 24900}, {"B", 24800}, {"C", 24900}, {"D", 24700},
	} {
		st.Enriched[opt.sym] = domain.EnrichedOption{
			Instrument: domain.Instrument{Symbol: opt.sym, Strike: opt.strike},
		}
	}
	assert.Equal(t, []float64{24700, 24800, 24900}, st.CoveredStrikes())
	assert.Equal(t, 4, st.OptionCount())
}

func TestExpiryState_MetaHelpers(t *testing.T) {
	st := NewExpiryState("NIFTY", domain.RuleThisWeek, "c1", nil, time.Now())
	st.MetaPut("count", 7)
	st.MetaPut("ratio", float64(3))
	st.MetaPut("class", "full")
	st.MetaPut("coverage", 0.42)
	st.MetaPut("whole", 2)

	assert.Equal(t, 7, st.MetaInt("count"))
	assert.Equal(t, 3, st.MetaInt("ratio"), "floats collapse to int")
	assert.Equal(t, 0, st.MetaInt("missing"))
	assert.Equal(t, "full", st.MetaString("class"))
	assert.InDelta(t, 0.42, st.MetaFloat("coverage"), 1e-9)
	assert.InDelta(t, 2.0, st.MetaFloat("whole"), 1e-9, "ints widen to float")
	assert.Zero(t, st.MetaFloat("missing"))

	st.Flag("salvaged")
	assert.True(t, st.HasFlag("salvaged"))
	assert.False(t, st.HasFlag("fabricated"))
}
