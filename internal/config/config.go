// Package config loads the g6run settings record from YAML with environment
// overrides. Settings are immutable after Load; use Clone for per-cycle
// snapshots.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/g6run/g6run/internal/domain"
)

// Settings is the root configuration record.
type Settings struct {
	Strict *bool `yaml:"strict"`

	Collection   CollectionSection   `yaml:"collection"`
	IndexParams  IndexParamsSection  `yaml:"index_params"`
	Greeks       GreeksSection       `yaml:"greeks"`
	Pipeline     PipelineSection     `yaml:"pipeline"`
	ShadowGating ShadowGatingSection `yaml:"shadow_gating"`
	Metrics      MetricsSection      `yaml:"metrics"`
	Panels       PanelsSection       `yaml:"panels"`
	Storage      StorageSection      `yaml:"storage"`
	Provider     ProviderSection     `yaml:"provider"`
	Lifecycle    LifecycleSection    `yaml:"lifecycle"`
}

// IndexConfig enables one index for collection. StrikesITM/StrikesOTM of 0
// fall back to the global index_params depths.
type IndexConfig struct {
	Name       string   `yaml:"name"`
	Enable     *bool    `yaml:"enable"`
	StrikeStep float64  `yaml:"strike_step"`
	Rules      []string `yaml:"rules"`
	StrikesITM int      `yaml:"strikes_itm"`
	StrikesOTM int      `yaml:"strikes_otm"`
}

// MarketHoursConfig describes the trading session gate.
type MarketHoursConfig struct {
	Open      string `yaml:"open"`
	Close     string `yaml:"close"`
	Timezone  string `yaml:"timezone"`
	ForceOpen bool   `yaml:"force_open"`
}

// CollectionSection drives the orchestrator loop.
type CollectionSection struct {
	IntervalSeconds      int               `yaml:"interval_seconds"`
	Exchange             string            `yaml:"exchange"`
	Indices              []IndexConfig     `yaml:"indices"`
	MarketHours          MarketHoursConfig `yaml:"market_hours"`
	Workers              int               `yaml:"workers"`
	CycleDeadlineSeconds int               `yaml:"cycle_deadline_seconds"`
	ShutdownGraceSeconds int               `yaml:"shutdown_grace_seconds"`
}

// IndexParamsSection bounds the strike universe per index.
type IndexParamsSection struct {
	ITMDepth          int   `yaml:"itm_depth"`
	OTMDepth          int   `yaml:"otm_depth"`
	MaxInstruments    int   `yaml:"max_instruments"`
	StrictSymbolMatch *bool `yaml:"strict_symbol_match"`
}

// GreeksSection configures the implied-vol solver and greeks computation.
type GreeksSection struct {
	EstimateIV      *bool   `yaml:"estimate_iv"`
	ComputeGreeks   *bool   `yaml:"compute_greeks"`
	RiskFreeRate    float64 `yaml:"risk_free_rate"`
	IVMin           float64 `yaml:"iv_min"`
	IVMax           float64 `yaml:"iv_max"`
	IVMaxIterations int     `yaml:"iv_max_iterations"`
	IVPrecision     float64 `yaml:"iv_precision"`
	FallbackIV      float64 `yaml:"fallback_iv"`
}

// RetrySection controls per-phase retry of recoverable outcomes.
type RetrySection struct {
	Enabled       bool `yaml:"enabled"`
	MaxAttempts   int  `yaml:"max_attempts"`
	BaseBackoffMS int  `yaml:"base_backoff_ms"`
	JitterMS      int  `yaml:"jitter_ms"`
}

// PipelineSection configures phase behaviour. RollingWindow left unset
// defaults to trends_limit; an explicit 0 disables the windowed success
// rate without touching lifetime counters.
type PipelineSection struct {
	Retry                       RetrySection `yaml:"retry"`
	PhaseMetrics                *bool        `yaml:"phase_metrics_enabled"`
	TrendsLimit                 int          `yaml:"trends_limit"`
	RollingWindow               *int         `yaml:"rolling_window"`
	MinVolume                   int64        `yaml:"min_volume"`
	MinOpenInterest             int64        `yaml:"min_open_interest"`
	VolumePercentile            float64      `yaml:"volume_percentile"`
	CoverageStrikeFloor         float64      `yaml:"coverage_strike_floor"`
	CoverageFieldFloor          float64      `yaml:"coverage_field_floor"`
	SalvageEnabled              *bool        `yaml:"salvage_enabled"`
	Fabrication                 string       `yaml:"fabrication"`
	StructuredExport            *bool        `yaml:"structured_export"`
	StructuredStdout            bool         `yaml:"structured_stdout"`
	ParityExtended              bool         `yaml:"parity_extended"`
	ParityRollingWindow         int          `yaml:"parity_rolling_window"`
	ParityAlertAnomalyThreshold float64      `yaml:"parity_alert_anomaly_threshold"`
	ParityAlertAnomalyMinTotal  int          `yaml:"parity_alert_anomaly_min_total"`
}

// ShadowGatingSection configures parity scoring and promotion gating.
// ProtectedFields lists extras beyond the built-in protected set.
type ShadowGatingSection struct {
	Mode               string   `yaml:"mode"`
	WindowSize         int      `yaml:"window_size"`
	MinSamples         int      `yaml:"min_samples"`
	CanaryTarget       float64  `yaml:"canary_target"`
	ParityTarget       float64  `yaml:"parity_target"`
	OKHysteresis       int      `yaml:"ok_hysteresis"`
	FailHysteresis     int      `yaml:"fail_hysteresis"`
	ChurnRollbackRatio float64  `yaml:"churn_rollback_ratio"`
	ChurnWindow        int      `yaml:"churn_window"`
	ProtectedRollback  int      `yaml:"protected_rollback"`
	ProtectedFields    []string `yaml:"protected_fields"`
	Weights            string   `yaml:"weights"`
	CanaryIndices      []string `yaml:"canary_indices"`
	CanaryPct          float64  `yaml:"canary_pct"`
	ForceDemote        bool     `yaml:"force_demote"`
	Authoritative      bool     `yaml:"authoritative"`
}

// BatchSection configures the counter batcher. FlushThreshold is the
// distinct-series count that forces a flush; 0 defers to the adaptive
// target.
type BatchSection struct {
	Enabled         *bool `yaml:"enabled"`
	FlushIntervalMS int   `yaml:"flush_interval_ms"`
	MinBatch        int   `yaml:"min_batch"`
	MaxBatch        int   `yaml:"max_batch"`
	FlushThreshold  int   `yaml:"flush_threshold"`
	QueueSize       int   `yaml:"queue_size"`
	Shed            bool  `yaml:"shed"`
}

// MetricsSection configures the registry, exposition and guards.
type MetricsSection struct {
	ListenAddr                 string         `yaml:"listen_addr"`
	GroupsEnabled              []string       `yaml:"groups_enabled"`
	GroupsDisabled             []string       `yaml:"groups_disabled"`
	FailOnDuplicate            bool           `yaml:"fail_on_duplicate"`
	CardinalityBudgets         map[string]int `yaml:"cardinality_budgets"`
	CardinalityIntervalSeconds int            `yaml:"cardinality_interval_seconds"`
	Batch                      BatchSection   `yaml:"batch"`
}

// PanelsSection configures artifact emission.
type PanelsSection struct {
	Enabled                  *bool    `yaml:"enabled"`
	Dir                      string   `yaml:"dir"`
	HistoryEnabled           *bool    `yaml:"history_enabled"`
	HistoryLimit             int      `yaml:"history_limit"`
	Hash                     *bool    `yaml:"hash"`
	ConfigSnapshot           *bool    `yaml:"config_snapshot"`
	TrendsEnabled            *bool    `yaml:"trends_enabled"`
	RedactPatterns           []string `yaml:"redact_patterns"`
	RedactReplacement        string   `yaml:"redact_replacement"`
	IntegrityIntervalSeconds int      `yaml:"integrity_interval_seconds"`
	IntegrityStrict          bool     `yaml:"integrity_strict"`
}

// PostgresConfig configures the relational option-row sink.
type PostgresConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DSN                 string `yaml:"dsn"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// RedisConfig configures the shared provider cache backend.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// StorageSection configures sinks and cache backends.
type StorageSection struct {
	CSVDir   string         `yaml:"csv_dir"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// ProviderSection selects and tunes the market data provider.
// QuoteTTLSeconds left unset defaults to one second; an explicit 0 turns
// quote caching off entirely.
type ProviderSection struct {
	Name                 string             `yaml:"name"`
	APIKeyEnv            string             `yaml:"api_key_env"`
	APISecretEnv         string             `yaml:"api_secret_env"`
	RateLimitRPS         float64            `yaml:"rate_limit_rps"`
	RateLimitBurst       int                `yaml:"rate_limit_burst"`
	InstrumentTTLSeconds int                `yaml:"instrument_ttl_seconds"`
	QuoteTTLSeconds      *int               `yaml:"quote_ttl_seconds"`
	Breaker              BreakerConfig      `yaml:"breaker"`
	StrikeSteps          map[string]float64 `yaml:"strike_steps"`
	LogThrottleSeconds   int                `yaml:"log_throttle_seconds"`
}

// LifecycleSection configures artifact compression and retention.
type LifecycleSection struct {
	Enabled              *bool    `yaml:"enabled"`
	Extensions           []string `yaml:"compression_extensions"`
	CompressAgeSeconds   int      `yaml:"compression_age_seconds"`
	MaxPerCycle          int      `yaml:"max_per_cycle"`
	RetentionDays        int      `yaml:"retention_days"`
	RetentionDeleteLimit int      `yaml:"retention_delete_limit"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
}

// DefaultPath is probed when no config path is given.
const DefaultPath = "config/g6run.yaml"

// Load reads settings from path, applies defaults and environment overrides,
// and validates the result. An empty path falls back to G6_CONFIG, then to
// DefaultPath; only the fallback may be absent (yielding pure defaults), an
// explicitly named file must exist. Unknown keys are an error under strict
// mode (the default) and a warning otherwise.
func Load(path string) (*Settings, error) {
	var s Settings
	var data []byte

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("G6_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}
	if _, err := os.Stat(path); err == nil {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		data = b
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if len(data) > 0 {
		strict := s.Strict == nil || *s.Strict
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		var probe Settings
		if err := dec.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
			if strict {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			log.Warn().Str("path", path).Err(err).Msg("config contains unknown keys")
		}
	}

	s.applyDefaults()
	s.applyEnvOverrides()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func boolDefault(p **bool, v bool) {
	if *p == nil {
		b := v
		*p = &b
	}
}

func intDefault(p **int, v int) {
	if *p == nil {
		n := v
		*p = &n
	}
}

func (s *Settings) applyDefaults() {
	c := &s.Collection
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 60
	}
	if c.Exchange == "" {
		c.Exchange = "NFO"
	}
	if len(c.Indices) == 0 {
		c.Indices = []IndexConfig{{Name: "NIFTY"}}
	}
	for i := range c.Indices {
		boolDefault(&c.Indices[i].Enable, true)
		if len(c.Indices[i].Rules) == 0 {
			c.Indices[i].Rules = []string{
				string(domain.RuleThisWeek), string(domain.RuleNextWeek),
				string(domain.RuleThisMonth), string(domain.RuleNextMonth),
			}
		}
	}
	if c.MarketHours.Open == "" {
		c.MarketHours.Open = "09:15"
	}
	if c.MarketHours.Close == "" {
		c.MarketHours.Close = "15:30"
	}
	if c.MarketHours.Timezone == "" {
		c.MarketHours.Timezone = "Asia/Kolkata"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 10
	}

	p := &s.IndexParams
	if p.ITMDepth == 0 {
		p.ITMDepth = 10
	}
	if p.OTMDepth == 0 {
		p.OTMDepth = 10
	}
	if p.MaxInstruments == 0 {
		p.MaxInstruments = 600
	}
	boolDefault(&p.StrictSymbolMatch, true)

	g := &s.Greeks
	boolDefault(&g.EstimateIV, true)
	boolDefault(&g.ComputeGreeks, true)
	if g.RiskFreeRate == 0 {
		g.RiskFreeRate = 0.06
	}
	if g.IVMin == 0 {
		g.IVMin = 0.01
	}
	if g.IVMax == 0 {
		g.IVMax = 5.0
	}
	if g.IVMaxIterations == 0 {
		g.IVMaxIterations = 100
	}
	if g.IVPrecision == 0 {
		g.IVPrecision = 1e-5
	}
	if g.FallbackIV == 0 {
		g.FallbackIV = 0.25
	}

	pl := &s.Pipeline
	if pl.Retry.MaxAttempts == 0 {
		pl.Retry.MaxAttempts = 3
	}
	if pl.Retry.BaseBackoffMS == 0 {
		pl.Retry.BaseBackoffMS = 50
	}
	if pl.TrendsLimit == 0 {
		pl.TrendsLimit = 200
	}
	if pl.TrendsLimit < 1 {
		pl.TrendsLimit = 1
	}
	intDefault(&pl.RollingWindow, pl.TrendsLimit)
	boolDefault(&pl.PhaseMetrics, true)
	boolDefault(&pl.SalvageEnabled, true)
	boolDefault(&pl.StructuredExport, true)
	if pl.Fabrication == "" {
		pl.Fabrication = "weekly"
	}
	if pl.ParityAlertAnomalyMinTotal == 0 {
		pl.ParityAlertAnomalyMinTotal = 5
	}

	sg := &s.ShadowGating
	if sg.Mode == "" {
		sg.Mode = "off"
	}
	if sg.WindowSize == 0 {
		sg.WindowSize = 200
	}
	if sg.MinSamples == 0 {
		sg.MinSamples = 30
	}
	if sg.CanaryTarget == 0 {
		sg.CanaryTarget = 0.97
	}
	if sg.ParityTarget == 0 {
		sg.ParityTarget = 0.99
	}
	if sg.OKHysteresis == 0 {
		sg.OKHysteresis = 10
	}
	if sg.FailHysteresis == 0 {
		sg.FailHysteresis = 5
	}
	if sg.ChurnRollbackRatio == 0 {
		sg.ChurnRollbackRatio = 0.5
	}
	if sg.ChurnWindow == 0 {
		sg.ChurnWindow = sg.WindowSize
	}
	if sg.ProtectedRollback == 0 {
		sg.ProtectedRollback = 2
	}
	if sg.CanaryPct == 0 {
		sg.CanaryPct = 100
	}

	m := &s.Metrics
	if m.ListenAddr == "" {
		m.ListenAddr = ":9108"
	}
	if m.CardinalityIntervalSeconds == 0 {
		m.CardinalityIntervalSeconds = 300
	}
	boolDefault(&m.Batch.Enabled, true)
	if m.Batch.FlushIntervalMS == 0 {
		m.Batch.FlushIntervalMS = 200
	}
	if m.Batch.MinBatch == 0 {
		m.Batch.MinBatch = 16
	}
	if m.Batch.MaxBatch == 0 {
		m.Batch.MaxBatch = 4096
	}
	if m.Batch.QueueSize == 0 {
		m.Batch.QueueSize = 8192
	}

	pn := &s.Panels
	boolDefault(&pn.Enabled, true)
	boolDefault(&pn.HistoryEnabled, true)
	boolDefault(&pn.Hash, true)
	boolDefault(&pn.ConfigSnapshot, true)
	boolDefault(&pn.TrendsEnabled, true)
	if pn.Dir == "" {
		pn.Dir = "data/panels"
	}
	if pn.HistoryLimit == 0 {
		pn.HistoryLimit = 32
	}
	if pn.RedactReplacement == "" {
		pn.RedactReplacement = "[redacted]"
	}
	if pn.IntegrityIntervalSeconds == 0 {
		pn.IntegrityIntervalSeconds = 60
	}

	st := &s.Storage
	if st.CSVDir == "" {
		st.CSVDir = "data/csv"
	}
	if st.Postgres.QueryTimeoutSeconds == 0 {
		st.Postgres.QueryTimeoutSeconds = 10
	}

	pr := &s.Provider
	if pr.Name == "" {
		pr.Name = "sim"
	}
	if pr.APIKeyEnv == "" {
		pr.APIKeyEnv = "G6_API_KEY"
	}
	if pr.APISecretEnv == "" {
		pr.APISecretEnv = "G6_API_SECRET"
	}
	if pr.RateLimitRPS == 0 {
		pr.RateLimitRPS = 8
	}
	if pr.RateLimitBurst == 0 {
		pr.RateLimitBurst = 16
	}
	if pr.InstrumentTTLSeconds == 0 {
		pr.InstrumentTTLSeconds = 600
	}
	intDefault(&pr.QuoteTTLSeconds, 1)
	if pr.Breaker.FailureThreshold == 0 {
		pr.Breaker.FailureThreshold = 5
	}
	if pr.Breaker.CooldownSeconds == 0 {
		pr.Breaker.CooldownSeconds = 30
	}
	if pr.LogThrottleSeconds == 0 {
		pr.LogThrottleSeconds = 5
	}

	lc := &s.Lifecycle
	boolDefault(&lc.Enabled, true)
	if len(lc.Extensions) == 0 {
		lc.Extensions = []string{".json", ".csv"}
	}
	if lc.CompressAgeSeconds == 0 {
		lc.CompressAgeSeconds = 86400
	}
	if lc.MaxPerCycle == 0 {
		lc.MaxPerCycle = 100
	}
	if lc.RetentionDays == 0 {
		lc.RetentionDays = 7
	}
	if lc.RetentionDeleteLimit == 0 {
		lc.RetentionDeleteLimit = 100
	}
	if lc.SweepIntervalSeconds == 0 {
		lc.SweepIntervalSeconds = 3600
	}
}

func (s *Settings) applyEnvOverrides() {
	if dsn := os.Getenv("G6_PG_DSN"); dsn != "" {
		s.Storage.Postgres.DSN = dsn
		s.Storage.Postgres.Enabled = true
	}
	if addr := os.Getenv("G6_REDIS_ADDR"); addr != "" {
		s.Storage.Redis.Addr = addr
		s.Storage.Redis.Enabled = true
	}
	if name := os.Getenv("G6_PROVIDER"); name != "" {
		s.Provider.Name = name
	}
	if v := os.Getenv("G6_FORCE_OPEN"); v == "1" || v == "true" {
		s.Collection.MarketHours.ForceOpen = true
	}
	if addr := os.Getenv("G6_METRICS_ADDR"); addr != "" {
		s.Metrics.ListenAddr = addr
	}
}

// Validate rejects settings an operator would regret at 09:15.
func (s *Settings) Validate() error {
	if s.Collection.IntervalSeconds < 1 {
		return fmt.Errorf("collection.interval_seconds must be positive, got %d", s.Collection.IntervalSeconds)
	}
	if s.Collection.Workers < 1 {
		return fmt.Errorf("collection.workers must be positive, got %d", s.Collection.Workers)
	}
	enabled := 0
	for _, idx := range s.Collection.Indices {
		if idx.Name == "" {
			return errors.New("collection.indices entries require a name")
		}
		for _, r := range idx.Rules {
			if _, err := domain.ParseRule(r); err != nil {
				return fmt.Errorf("collection.indices[%s]: %w", idx.Name, err)
			}
		}
		if idx.Enable == nil || *idx.Enable {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("collection.indices enables no index")
	}
	switch s.Pipeline.Fabrication {
	case "off", "weekly":
	default:
		return fmt.Errorf("pipeline.fabrication must be off or weekly, got %q", s.Pipeline.Fabrication)
	}
	switch s.ShadowGating.Mode {
	case "off", "dryrun", "canary", "promote":
	default:
		return fmt.Errorf("shadow_gating.mode must be one of off, dryrun, canary, promote; got %q", s.ShadowGating.Mode)
	}
	if s.ShadowGating.CanaryPct < 0 || s.ShadowGating.CanaryPct > 100 {
		return fmt.Errorf("shadow_gating.canary_pct must be within [0, 100], got %g", s.ShadowGating.CanaryPct)
	}
	if s.Pipeline.Retry.Enabled && s.Pipeline.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry.max_attempts must be positive, got %d", s.Pipeline.Retry.MaxAttempts)
	}
	if s.Greeks.IVMin <= 0 || s.Greeks.IVMax <= s.Greeks.IVMin {
		return fmt.Errorf("greeks iv bounds invalid: [%g, %g]", s.Greeks.IVMin, s.Greeks.IVMax)
	}
	return nil
}

// Clone returns a deep copy for per-cycle snapshotting.
func (s *Settings) Clone() *Settings {
	data, err := yaml.Marshal(s)
	if err != nil {
		return s
	}
	var c Settings
	if err := yaml.Unmarshal(data, &c); err != nil {
		return s
	}
	return &c
}

var (
	dsnURLPassword = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+(@)`)
	dsnKVPassword  = regexp.MustCompile(`(password=)[^ ]+`)
)

// MaskDSN strips the password from a connection string, covering both the
// URL and the key=value forms lib/pq accepts.
func MaskDSN(dsn string) string {
	dsn = dsnURLPassword.ReplaceAllString(dsn, "${1}***${2}")
	return dsnKVPassword.ReplaceAllString(dsn, "${1}***")
}

// Masked renders the effective settings as a generic map with credential
// material removed. Snapshots and startup summaries publish this form, never
// the raw record.
func (s *Settings) Masked() map[string]any {
	data, err := yaml.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	if storage, ok := m["storage"].(map[string]any); ok {
		if pg, ok := storage["postgres"].(map[string]any); ok {
			if dsn, ok := pg["dsn"].(string); ok && dsn != "" {
				pg["dsn"] = MaskDSN(dsn)
			}
		}
	}
	return m
}

// Interval is the orchestrator tick period.
func (s *Settings) Interval() time.Duration {
	return time.Duration(s.Collection.IntervalSeconds) * time.Second
}

// CycleDeadline bounds one collection cycle; defaults to the interval.
func (s *Settings) CycleDeadline() time.Duration {
	if s.Collection.CycleDeadlineSeconds > 0 {
		return time.Duration(s.Collection.CycleDeadlineSeconds) * time.Second
	}
	return s.Interval()
}

// ShutdownGrace bounds the wait for an in-flight cycle on shutdown.
func (s *Settings) ShutdownGrace() time.Duration {
	return time.Duration(s.Collection.ShutdownGraceSeconds) * time.Second
}

// PhaseMetricsEnabled reports whether the executor emits per-phase series
// (attempts, retries, outcomes, durations). Cycle-level counters and the
// rolling window stay on either way.
func (p PipelineSection) PhaseMetricsEnabled() bool {
	return p.PhaseMetrics == nil || *p.PhaseMetrics
}

// WindowSize resolves the rolling success window length. Unset falls back
// to trends_limit; 0 or negative disables windowed rates.
func (p PipelineSection) WindowSize() int {
	if p.RollingWindow == nil {
		return p.TrendsLimit
	}
	if *p.RollingWindow < 0 {
		return 0
	}
	return *p.RollingWindow
}

// QuoteTTL resolves the quote cache lifetime. Unset falls back to one
// second; 0 or negative disables the quote cache.
func (p ProviderSection) QuoteTTL() time.Duration {
	if p.QuoteTTLSeconds == nil {
		return time.Second
	}
	if *p.QuoteTTLSeconds < 0 {
		return 0
	}
	return time.Duration(*p.QuoteTTLSeconds) * time.Second
}

// EnabledIndices returns the indices the orchestrator should collect.
func (s *Settings) EnabledIndices() []IndexConfig {
	out := make([]IndexConfig, 0, len(s.Collection.Indices))
	for _, idx := range s.Collection.Indices {
		if idx.Enable == nil || *idx.Enable {
			out = append(out, idx)
		}
	}
	return out
}

// RulesFor parses the configured rule buckets for one index.
func (idx IndexConfig) RulesFor() []domain.Rule {
	out := make([]domain.Rule, 0, len(idx.Rules))
	for _, r := range idx.Rules {
		if rule, err := domain.ParseRule(r); err == nil {
			out = append(out, rule)
		}
	}
	return out
}

// Depths resolves the strike ladder depths for one index, falling back to
// the global index_params values.
func (idx IndexConfig) Depths(p IndexParamsSection) (itm, otm int) {
	itm, otm = p.ITMDepth, p.OTMDepth
	if idx.StrikesITM > 0 {
		itm = idx.StrikesITM
	}
	if idx.StrikesOTM > 0 {
		otm = idx.StrikesOTM
	}
	return itm, otm
}
