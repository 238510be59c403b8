package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "g6run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60, s.Collection.IntervalSeconds)
	assert.Equal(t, "NFO", s.Collection.Exchange)
	require.Len(t, s.Collection.Indices, 1)
	assert.Equal(t, "NIFTY", s.Collection.Indices[0].Name)
	assert.Equal(t, "Asia/Kolkata", s.Collection.MarketHours.Timezone)
	assert.Equal(t, "09:15", s.Collection.MarketHours.Open)
	assert.Equal(t, "15:30", s.Collection.MarketHours.Close)

	assert.False(t, s.Pipeline.Retry.Enabled)
	assert.Equal(t, 3, s.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, 50, s.Pipeline.Retry.BaseBackoffMS)
	assert.Equal(t, 0, s.Pipeline.Retry.JitterMS)
	assert.True(t, s.Pipeline.PhaseMetricsEnabled())
	assert.Equal(t, 200, s.Pipeline.TrendsLimit)
	assert.Equal(t, "weekly", s.Pipeline.Fabrication)

	assert.Equal(t, "off", s.ShadowGating.Mode)
	assert.Equal(t, 200, s.ShadowGating.WindowSize)
	assert.Equal(t, 30, s.ShadowGating.MinSamples)
	assert.InDelta(t, 0.97, s.ShadowGating.CanaryTarget, 1e-9)
	assert.InDelta(t, 0.99, s.ShadowGating.ParityTarget, 1e-9)
	assert.Equal(t, 10, s.ShadowGating.OKHysteresis)
	assert.Equal(t, 5, s.ShadowGating.FailHysteresis)
	assert.InDelta(t, 0.5, s.ShadowGating.ChurnRollbackRatio, 1e-9)
	assert.Equal(t, 200, s.ShadowGating.ChurnWindow)
	assert.Equal(t, 2, s.ShadowGating.ProtectedRollback)
	assert.InDelta(t, 100.0, s.ShadowGating.CanaryPct, 1e-9)
	assert.Empty(t, s.ShadowGating.ProtectedFields)

	assert.False(t, s.Pipeline.ParityExtended)
	assert.Zero(t, s.Pipeline.ParityRollingWindow)
	assert.Zero(t, s.Pipeline.ParityAlertAnomalyThreshold)
	assert.Equal(t, 5, s.Pipeline.ParityAlertAnomalyMinTotal)

	assert.InDelta(t, 0.25, s.Greeks.FallbackIV, 1e-9)
	assert.Equal(t, "sim", s.Provider.Name)
	assert.Equal(t, 600, s.Provider.InstrumentTTLSeconds)
	require.NotNil(t, s.Provider.QuoteTTLSeconds)
	assert.Equal(t, 1, *s.Provider.QuoteTTLSeconds)
}

func TestLoad_FileValuesAndRules(t *testing.T) {
	path := writeConfig(t, `
collection:
  interval_seconds: 30
  indices:
    - name: NIFTY
      strike_step: 50
      rules: [this_week, this_month]
      strikes_itm: 6
    - name: BANKNIFTY
      enable: false
pipeline:
  retry:
    enabled: true
    max_attempts: 2
    base_backoff_ms: 10
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, s.Collection.IntervalSeconds)
	assert.True(t, s.Pipeline.Retry.Enabled)
	assert.Equal(t, 2, s.Pipeline.Retry.MaxAttempts)

	enabled := s.EnabledIndices()
	require.Len(t, enabled, 1)
	assert.Equal(t, "NIFTY", enabled[0].Name)
	assert.Equal(t, []domain.Rule{domain.RuleThisWeek, domain.RuleThisMonth}, enabled[0].RulesFor())

	itm, otm := enabled[0].Depths(s.IndexParams)
	assert.Equal(t, 6, itm)
	assert.Equal(t, 10, otm, "unset per-index depth falls back to index_params")
}

func TestLoad_StrictRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
collection:
  interval_secnods: 30
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_secnods")
}

func TestLoad_LenientWarnsOnUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
strict: false
collection:
  interval_secnods: 30
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, s.Collection.IntervalSeconds)
}

func TestLoad_ExplicitMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.yaml")
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, `
collection:
  interval_seconds: 45
`)
	t.Setenv("G6_CONFIG", path)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45, s.Collection.IntervalSeconds)

	t.Setenv("G6_CONFIG", filepath.Join(t.TempDir(), "gone.yaml"))
	_, err = Load("")
	require.Error(t, err, "a named G6_CONFIG file must exist")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("G6_PG_DSN", "postgres://ops@db/g6run")
	t.Setenv("G6_REDIS_ADDR", "127.0.0.1:6390")
	t.Setenv("G6_FORCE_OPEN", "1")
	t.Setenv("G6_PROVIDER", "sim")

	s, err := Load("")
	require.NoError(t, err)

	assert.True(t, s.Storage.Postgres.Enabled)
	assert.Equal(t, "postgres://ops@db/g6run", s.Storage.Postgres.DSN)
	assert.True(t, s.Storage.Redis.Enabled)
	assert.Equal(t, "127.0.0.1:6390", s.Storage.Redis.Addr)
	assert.True(t, s.Collection.MarketHours.ForceOpen)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad rule token",
			yaml:    "collection:\n  indices:\n    - name: NIFTY\n      rules: [this_wek]\n",
			wantErr: "unknown expiry rule",
		},
		{
			name:    "bad shadow mode",
			yaml:    "shadow_gating:\n  mode: shadow\n",
			wantErr: "shadow_gating.mode",
		},
		{
			name:    "canary pct out of range",
			yaml:    "shadow_gating:\n  mode: canary\n  canary_pct: 250\n",
			wantErr: "canary_pct",
		},
		{
			name:    "bad fabrication policy",
			yaml:    "pipeline:\n  fabrication: always\n",
			wantErr: "pipeline.fabrication",
		},
		{
			name:    "all indices disabled",
			yaml:    "collection:\n  indices:\n    - name: NIFTY\n      enable: false\n",
			wantErr: "enables no index",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	c := s.Clone()
	c.Collection.Indices[0].Name = "BANKNIFTY"
	c.Collection.Indices[0].Rules[0] = "mutated"
	c.Lifecycle.Extensions[0] = ".bak"

	assert.Equal(t, "NIFTY", s.Collection.Indices[0].Name)
	assert.Equal(t, string(domain.RuleThisWeek), s.Collection.Indices[0].Rules[0])
	assert.Equal(t, ".json", s.Lifecycle.Extensions[0])
}

func TestCycleDeadline_DefaultsToInterval(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, s.Interval(), s.CycleDeadline())

	s.Collection.CycleDeadlineSeconds = 45
	assert.NotEqual(t, s.Interval(), s.CycleDeadline())
}

func TestPipelineWindowSize(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, s.Pipeline.TrendsLimit, s.Pipeline.WindowSize(), "unset window follows trends_limit")

	for n, want := range map[int]int{0: 0, -5: 0, 50: 50} {
		v := n
		s.Pipeline.RollingWindow = &v
		assert.Equal(t, want, s.Pipeline.WindowSize())
	}

	var unset PipelineSection
	unset.TrendsLimit = 12
	assert.Equal(t, 12, unset.WindowSize())
}

func TestProviderQuoteTTL(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Provider.QuoteTTL())

	zero := 0
	s.Provider.QuoteTTLSeconds = &zero
	assert.Equal(t, time.Duration(0), s.Provider.QuoteTTL(), "explicit zero disables the quote cache")

	five := 5
	s.Provider.QuoteTTLSeconds = &five
	assert.Equal(t, 5*time.Second, s.Provider.QuoteTTL())

	var unset ProviderSection
	assert.Equal(t, time.Second, unset.QuoteTTL())
}

func TestLoad_ZeroOverridesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  rolling_window: 0
  phase_metrics_enabled: false
provider:
  quote_ttl_seconds: 0
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Pipeline.WindowSize())
	assert.False(t, s.Pipeline.PhaseMetricsEnabled())
	assert.Equal(t, time.Duration(0), s.Provider.QuoteTTL())
}
