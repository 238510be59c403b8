// Package metrics implements the spec-driven Prometheus registry: every
// series the engine can emit is declared in the catalogue below, metric
// groups can be gated on or off per deployment, and hot counters go through
// an adaptive batcher.
package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Kind is the collector type for a catalogue entry.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Metric groups. Gating can disable any group not in alwaysOn.
const (
	GroupPipeline          = "pipeline"
	GroupCache             = "cache"
	GroupLifecycle         = "lifecycle"
	GroupPanelDiff         = "panel_diff"
	GroupVolSurface        = "analytics_vol_surface"
	GroupRiskAgg           = "analytics_risk_agg"
	GroupProviderFailover  = "provider_failover"
	GroupExpiryRemediation = "expiry_remediation"
	GroupIVEstimation      = "iv_estimation"
	GroupSLAHealth         = "sla_health"
	GroupAdaptive          = "adaptive_controller"
	GroupBus               = "bus"
	GroupColumnStore       = "column_store"
	GroupStream            = "stream"
)

// alwaysOn groups ignore disable lists; their series carry remediation,
// failover and health signals operators must never lose.
var alwaysOn = map[string]bool{
	GroupExpiryRemediation: true,
	GroupProviderFailover:  true,
	GroupAdaptive:          true,
	GroupIVEstimation:      true,
	GroupSLAHealth:         true,
}

// AlwaysOn reports whether a group is exempt from gating.
func AlwaysOn(group string) bool { return alwaysOn[group] }

// Groups returns every known group name, sorted.
func Groups() []string {
	out := []string{
		GroupPipeline, GroupCache, GroupLifecycle, GroupPanelDiff,
		GroupVolSurface, GroupRiskAgg, GroupProviderFailover,
		GroupExpiryRemediation, GroupIVEstimation, GroupSLAHealth,
		GroupAdaptive, GroupBus, GroupColumnStore, GroupStream,
	}
	sort.Strings(out)
	return out
}

// Spec declares one metric. Warm lists label tuples to pre-create at init so
// scrapes see the series before first use; Sheddable marks series the
// batcher may drop under sustained overload.
type Spec struct {
	Name      string     `json:"name"`
	Kind      Kind       `json:"kind"`
	Group     string     `json:"group"`
	Help      string     `json:"help"`
	Labels    []string   `json:"labels,omitempty"`
	Buckets   []float64  `json:"buckets,omitempty"`
	Warm      [][]string `json:"-"`
	Sheddable bool       `json:"sheddable,omitempty"`
}

// Metric name constants referenced by call sites.
const (
	MPhaseAttempts       = "g6_phase_attempts_total"
	MPhaseRetries        = "g6_phase_retries_total"
	MPhaseOutcomes       = "g6_phase_outcomes_total"
	MPhaseRuns           = "g6_phase_runs_total"
	MPhaseDurationMS     = "g6_phase_duration_ms_total"
	MPhaseDuration       = "g6_phase_duration_seconds"
	MPhaseRetryBackoff   = "g6_phase_retry_backoff_seconds"
	MPhaseLastAttempts   = "g6_phase_last_attempts"
	MCyclesTotal         = "g6_cycles_total"
	MCyclesSuccess       = "g6_cycles_success_total"
	MCycleSuccess        = "g6_cycle_success"
	MCycleErrorRatio     = "g6_cycle_error_ratio"
	MCycleSuccessWindow  = "g6_cycle_success_rate_window"
	MCycleErrorWindow    = "g6_cycle_error_rate_window"
	MTrendsSuccessRate   = "g6_trends_success_rate"
	MTrendsCycles        = "g6_trends_cycles"
	MIndexFatal          = "g6_pipeline_index_fatal_total"
	MParityOKRatio       = "g6_parity_ok_ratio"
	MParityWindowSize    = "g6_parity_window_size"
	MParityPromotions    = "g6_parity_promotions_total"
	MParityProtectedDiff = "g6_parity_protected_diff_total"
	MParityActive        = "g6_parity_active_pipeline"
	MParityScore         = "g6_parity_score"
	MParityScoreRolling  = "g6_parity_score_rolling_avg"
	MParityHashDistinct  = "g6_parity_hash_distinct"
	MParityHashChurn     = "g6_parity_hash_churn_ratio"
	MParityAlertAnomaly  = "g6_parity_alert_anomalies_total"

	MQuotesReceived = "g6_quotes_received_total"
	MQuoteDayWidth  = "g6_quote_stream_day_width_seconds"

	MCacheHits     = "g6_provider_cache_hits_total"
	MCacheMisses   = "g6_provider_cache_misses_total"
	MCacheSize     = "g6_provider_cache_size"
	MCacheHitRatio = "g6_provider_cache_hit_ratio"

	MProviderCalls        = "g6_provider_calls_total"
	MProviderRateLimited  = "g6_provider_rate_limited_total"
	MProviderBreakerState = "g6_provider_breaker_state"
	MProviderHealth       = "g6_provider_health"
	MProviderAuthFailures = "g6_provider_auth_failures_total"
	MProviderFailover     = "g6_provider_failover_total"
	MLogSuppressed        = "g6_provider_log_suppressed_total"

	MExpiryFabricated = "g6_expiry_fabricated_total"
	MExpirySalvaged   = "g6_expiry_salvaged_total"
	MExpiryRejected   = "g6_expiry_rejected_total"
	MExpiryClassified = "g6_expiry_classified_total"

	MIVSuccess       = "g6_iv_estimation_success_total"
	MIVFailure       = "g6_iv_estimation_failure_total"
	MIVAvgIterations = "g6_iv_estimation_avg_iterations"

	MVolSurfaceATMIV  = "g6_vol_surface_atm_iv"
	MVolSurfacePoints = "g6_vol_surface_points"

	MGreeksComputed = "g6_greeks_computed_total"
	MGreeksFailed   = "g6_greeks_failures_total"
	MRiskNetDelta   = "g6_risk_agg_net_delta"
	MRiskNetGamma   = "g6_risk_agg_net_gamma"
	MRiskNetTheta   = "g6_risk_agg_net_theta"
	MRiskNetVega    = "g6_risk_agg_net_vega"

	MHeartbeat        = "g6_heartbeat_timestamp_seconds"
	MCardOffenders    = "g6_cardinality_guard_offenders"
	MCardGrowth       = "g6_cardinality_guard_growth_percent"
	MCardSeries       = "g6_cardinality_guard_series"
	MCardLastRun      = "g6_cardinality_guard_last_run_timestamp_seconds"
	MMetricDuplicates = "g6_metric_duplicates_total"
	MSpecHashInfo     = "g6_spec_hash_info"
	MBuildHashInfo    = "g6_build_config_hash_info"

	MBatchQueueDepth    = "g6_counter_batch_queue_depth"
	MBatchFlushDuration = "g6_counter_batch_flush_duration_seconds"
	MBatchFlushIncr     = "g6_counter_batch_flush_increments"
	MBatchTarget        = "g6_counter_batch_adaptive_target"
	MBatchBackpressure  = "g6_counter_batch_backpressure_total"
	MBatchShed          = "g6_counter_batch_shed_total"
	MBatchFallthrough   = "g6_counter_batch_fallthrough_total"

	MCollectionCycles    = "g6_collection_cycles_total"
	MCollectionDuration  = "g6_collection_cycle_duration_seconds"
	MCycleSkipped        = "g6_collection_cycle_skipped_total"
	MCycleTimeout        = "g6_collection_cycle_timeout_total"
	MIndexSuccess        = "g6_index_success_total"
	MIndexFailure        = "g6_index_failure_total"
	MLifecycleCompressed = "g6_lifecycle_compressed_total"
	MLifecycleDeleted    = "g6_lifecycle_deleted_total"
	MLifecycleErrors     = "g6_lifecycle_errors_total"
	MLifecycleLastRun    = "g6_lifecycle_last_run_timestamp_seconds"

	MPanelsWritten       = "g6_panels_written_total"
	MPanelWriteErrors    = "g6_panel_write_errors_total"
	MIntegrityChecks     = "g6_panel_integrity_checks_total"
	MIntegrityMismatches = "g6_panel_integrity_mismatches_total"
	MIntegrityOK         = "g6_panel_integrity_ok"

	MEventsPublished = "g6_events_published_total"
	MEventsDropped   = "g6_events_dropped_total"
	MBusSubscribers  = "g6_bus_subscribers"

	MSinkRows          = "g6_sink_rows_written_total"
	MSinkErrors        = "g6_sink_write_errors_total"
	MSinkFlushDuration = "g6_sink_flush_duration_seconds"
	MSinkDuplicates    = "g6_sink_duplicates_skipped_total"
)

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backoffBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	flushBuckets    = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025}
	cycleBuckets    = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Catalogue enumerates every metric the engine may emit.
func Catalogue() []Spec {
	return []Spec{
		// pipeline
		{Name: MPhaseAttempts, Kind: KindCounter, Group: GroupPipeline, Help: "Phase attempts including retries.", Labels: []string{"phase"}, Sheddable: true},
		{Name: MPhaseRetries, Kind: KindCounter, Group: GroupPipeline, Help: "Retries consumed per phase.", Labels: []string{"phase"}},
		{Name: MPhaseOutcomes, Kind: KindCounter, Group: GroupPipeline, Help: "Final outcomes, one per phase sequence.", Labels: []string{"phase", "final_outcome"}},
		{Name: MPhaseRuns, Kind: KindCounter, Group: GroupPipeline, Help: "Phase sequences by final outcome.", Labels: []string{"phase", "final_outcome"}},
		{Name: MPhaseDurationMS, Kind: KindCounter, Group: GroupPipeline, Help: "Accumulated phase wall time in milliseconds.", Labels: []string{"phase", "final_outcome"}, Sheddable: true},
		{Name: MPhaseDuration, Kind: KindHistogram, Group: GroupPipeline, Help: "Phase duration distribution.", Labels: []string{"phase", "final_outcome"}, Buckets: durationBuckets},
		{Name: MPhaseRetryBackoff, Kind: KindHistogram, Group: GroupPipeline, Help: "Backoff sleeps before phase retries.", Labels: []string{"phase"}, Buckets: backoffBuckets},
		{Name: MPhaseLastAttempts, Kind: KindGauge, Group: GroupPipeline, Help: "Attempts consumed by the most recent run of each phase.", Labels: []string{"phase"}},
		{Name: MCyclesTotal, Kind: KindCounter, Group: GroupPipeline, Help: "Pipeline runs started.", Warm: [][]string{{}}},
		{Name: MCyclesSuccess, Kind: KindCounter, Group: GroupPipeline, Help: "Pipeline runs with zero error outcomes.", Warm: [][]string{{}}},
		{Name: MCycleSuccess, Kind: KindGauge, Group: GroupPipeline, Help: "Whether the latest pipeline run succeeded."},
		{Name: MCycleErrorRatio, Kind: KindGauge, Group: GroupPipeline, Help: "Error phases over executed phases for the latest run."},
		{Name: MCycleSuccessWindow, Kind: KindGauge, Group: GroupPipeline, Help: "Success rate over the rolling cycle window."},
		{Name: MCycleErrorWindow, Kind: KindGauge, Group: GroupPipeline, Help: "Error rate over the rolling cycle window."},
		{Name: MTrendsSuccessRate, Kind: KindGauge, Group: GroupPipeline, Help: "Success rate of the persisted trends series."},
		{Name: MTrendsCycles, Kind: KindGauge, Group: GroupPipeline, Help: "Cycles recorded in the trends series."},
		{Name: MIndexFatal, Kind: KindCounter, Group: GroupPipeline, Help: "Fatal pipeline outcomes per index.", Labels: []string{"index"}},
		{Name: MParityOKRatio, Kind: KindGauge, Group: GroupPipeline, Help: "Parity OK ratio over the shadow window."},
		{Name: MParityWindowSize, Kind: KindGauge, Group: GroupPipeline, Help: "Samples currently in the shadow window."},
		{Name: MParityPromotions, Kind: KindCounter, Group: GroupPipeline, Help: "Gate decisions by kind.", Labels: []string{"decision"}, Warm: [][]string{{"promote"}, {"demote"}, {"hold"}, {"rollback"}}},
		{Name: MParityProtectedDiff, Kind: KindCounter, Group: GroupPipeline, Help: "Samples rejected for protected-field diffs.", Warm: [][]string{{}}},
		{Name: MParityActive, Kind: KindGauge, Group: GroupPipeline, Help: "Active pipeline: 0 legacy, 1 promoted."},
		{Name: MParityScore, Kind: KindGauge, Group: GroupPipeline, Help: "Composite parity score of the last cycle."},
		{Name: MParityScoreRolling, Kind: KindGauge, Group: GroupPipeline, Help: "Rolling mean of the composite parity score."},
		{Name: MParityHashDistinct, Kind: KindGauge, Group: GroupPipeline, Help: "Distinct structural hashes over the churn span."},
		{Name: MParityHashChurn, Kind: KindGauge, Group: GroupPipeline, Help: "Distinct-hash churn ratio over the churn span."},
		{Name: MParityAlertAnomaly, Kind: KindCounter, Group: GroupPipeline, Help: "Severity-weighted alert disagreements past the anomaly threshold.", Warm: [][]string{{}}},

		// stream
		{Name: MQuotesReceived, Kind: KindCounter, Group: GroupStream, Help: "Quotes accepted into enrichment.", Labels: []string{"index"}, Sheddable: true},
		{Name: MQuoteDayWidth, Kind: KindGauge, Group: GroupStream, Help: "Span of quote timestamps observed in the last cycle.", Labels: []string{"index"}},

		// cache
		{Name: MCacheHits, Kind: KindCounter, Group: GroupCache, Help: "Provider cache hits.", Labels: []string{"cache"}, Warm: [][]string{{"instruments"}, {"quotes"}}, Sheddable: true},
		{Name: MCacheMisses, Kind: KindCounter, Group: GroupCache, Help: "Provider cache misses.", Labels: []string{"cache"}, Warm: [][]string{{"instruments"}, {"quotes"}}, Sheddable: true},
		{Name: MCacheSize, Kind: KindGauge, Group: GroupCache, Help: "Live entries per provider cache.", Labels: []string{"cache"}},
		{Name: MCacheHitRatio, Kind: KindGauge, Group: GroupCache, Help: "Hit ratio per provider cache.", Labels: []string{"cache"}},

		// provider_failover (always on)
		{Name: MProviderCalls, Kind: KindCounter, Group: GroupProviderFailover, Help: "Guarded provider calls by op and outcome.", Labels: []string{"provider", "op", "outcome"}},
		{Name: MProviderRateLimited, Kind: KindCounter, Group: GroupProviderFailover, Help: "Calls delayed by the token bucket.", Labels: []string{"provider"}},
		{Name: MProviderBreakerState, Kind: KindGauge, Group: GroupProviderFailover, Help: "Breaker state: 0 closed, 1 half-open, 2 open.", Labels: []string{"provider"}},
		{Name: MProviderHealth, Kind: KindGauge, Group: GroupProviderFailover, Help: "Provider health: 1 healthy, 0.5 degraded, 0 unhealthy.", Labels: []string{"provider"}},
		{Name: MProviderAuthFailures, Kind: KindCounter, Group: GroupProviderFailover, Help: "Authentication failures.", Labels: []string{"provider"}},
		{Name: MProviderFailover, Kind: KindCounter, Group: GroupProviderFailover, Help: "Fallback retries taken inside the facade.", Labels: []string{"provider", "op"}},
		{Name: MLogSuppressed, Kind: KindCounter, Group: GroupProviderFailover, Help: "Log lines suppressed by throttled sinks.", Labels: []string{"sink"}, Warm: [][]string{{"fallback"}, {"quote_fallback"}}},

		// expiry_remediation (always on)
		{Name: MExpiryFabricated, Kind: KindCounter, Group: GroupExpiryRemediation, Help: "Expiry dates fabricated after failed resolution.", Labels: []string{"index"}},
		{Name: MExpirySalvaged, Kind: KindCounter, Group: GroupExpiryRemediation, Help: "Expiries with rows recovered price-only via LTP.", Labels: []string{"index"}},
		{Name: MExpiryRejected, Kind: KindCounter, Group: GroupExpiryRemediation, Help: "Options dropped during validation and classification.", Labels: []string{"index", "reason"}},
		{Name: MExpiryClassified, Kind: KindCounter, Group: GroupExpiryRemediation, Help: "Expiry results by class.", Labels: []string{"index", "class"}},

		// iv_estimation (always on)
		{Name: MIVSuccess, Kind: KindCounter, Group: GroupIVEstimation, Help: "Options whose implied vol converged.", Labels: []string{"index", "expiry"}, Sheddable: true},
		{Name: MIVFailure, Kind: KindCounter, Group: GroupIVEstimation, Help: "Options that fell back to the default vol.", Labels: []string{"index", "expiry"}},
		{Name: MIVAvgIterations, Kind: KindGauge, Group: GroupIVEstimation, Help: "Mean solver iterations per converged option.", Labels: []string{"index", "expiry"}},

		// analytics_vol_surface
		{Name: MVolSurfaceATMIV, Kind: KindGauge, Group: GroupVolSurface, Help: "ATM implied vol per expiry bucket.", Labels: []string{"index", "expiry"}},
		{Name: MVolSurfacePoints, Kind: KindGauge, Group: GroupVolSurface, Help: "Options contributing to the vol surface.", Labels: []string{"index"}},

		// analytics_risk_agg
		{Name: MGreeksComputed, Kind: KindCounter, Group: GroupRiskAgg, Help: "Options with greeks computed.", Labels: []string{"index"}, Sheddable: true},
		{Name: MGreeksFailed, Kind: KindCounter, Group: GroupRiskAgg, Help: "Options whose greeks computation failed.", Labels: []string{"index"}},
		{Name: MRiskNetDelta, Kind: KindGauge, Group: GroupRiskAgg, Help: "OI-weighted net delta per index.", Labels: []string{"index"}},
		{Name: MRiskNetGamma, Kind: KindGauge, Group: GroupRiskAgg, Help: "OI-weighted net gamma per index.", Labels: []string{"index"}},
		{Name: MRiskNetTheta, Kind: KindGauge, Group: GroupRiskAgg, Help: "OI-weighted net theta per index.", Labels: []string{"index"}},
		{Name: MRiskNetVega, Kind: KindGauge, Group: GroupRiskAgg, Help: "OI-weighted net vega per index.", Labels: []string{"index"}},

		// sla_health (always on)
		{Name: MHeartbeat, Kind: KindGauge, Group: GroupSLAHealth, Help: "Unix time of the last orchestrator heartbeat."},
		{Name: MCardOffenders, Kind: KindGauge, Group: GroupSLAHealth, Help: "Groups currently over their cardinality budget."},
		{Name: MCardGrowth, Kind: KindGauge, Group: GroupSLAHealth, Help: "Series growth percent per group since the last sweep.", Labels: []string{"group"}},
		{Name: MCardSeries, Kind: KindGauge, Group: GroupSLAHealth, Help: "Live series per group.", Labels: []string{"group"}},
		{Name: MCardLastRun, Kind: KindGauge, Group: GroupSLAHealth, Help: "Unix time of the last cardinality sweep."},
		{Name: MMetricDuplicates, Kind: KindCounter, Group: GroupSLAHealth, Help: "Duplicate registration attempts by metric name.", Labels: []string{"name"}},
		{Name: MSpecHashInfo, Kind: KindGauge, Group: GroupSLAHealth, Help: "Catalogue hash as a labelled constant 1.", Labels: []string{"hash"}},
		{Name: MBuildHashInfo, Kind: KindGauge, Group: GroupSLAHealth, Help: "Effective config hash as a labelled constant 1.", Labels: []string{"hash"}},

		// adaptive_controller (always on)
		{Name: MBatchQueueDepth, Kind: KindGauge, Group: GroupAdaptive, Help: "Pending increments in the batcher queue."},
		{Name: MBatchFlushDuration, Kind: KindHistogram, Group: GroupAdaptive, Help: "Batch flush duration.", Buckets: flushBuckets},
		{Name: MBatchFlushIncr, Kind: KindGauge, Group: GroupAdaptive, Help: "Increments applied by the last flush."},
		{Name: MBatchTarget, Kind: KindGauge, Group: GroupAdaptive, Help: "Adaptive flush target in increments."},
		{Name: MBatchBackpressure, Kind: KindCounter, Group: GroupAdaptive, Help: "Enqueue attempts that found the queue full.", Warm: [][]string{{}}},
		{Name: MBatchShed, Kind: KindCounter, Group: GroupAdaptive, Help: "Sheddable increments dropped under overload.", Warm: [][]string{{}}},
		{Name: MBatchFallthrough, Kind: KindCounter, Group: GroupAdaptive, Help: "Increments applied inline when the queue was full.", Warm: [][]string{{}}},

		// lifecycle
		{Name: MCollectionCycles, Kind: KindCounter, Group: GroupLifecycle, Help: "Orchestrator cycles run.", Warm: [][]string{{}}},
		{Name: MCollectionDuration, Kind: KindHistogram, Group: GroupLifecycle, Help: "Orchestrator cycle duration.", Buckets: cycleBuckets},
		{Name: MCycleSkipped, Kind: KindCounter, Group: GroupLifecycle, Help: "Cycles skipped before starting.", Labels: []string{"reason"}, Warm: [][]string{{"market_closed"}, {"overrun"}}},
		{Name: MCycleTimeout, Kind: KindCounter, Group: GroupLifecycle, Help: "Cycles cancelled at the deadline.", Warm: [][]string{{}}},
		{Name: MIndexSuccess, Kind: KindCounter, Group: GroupLifecycle, Help: "Successful index collections.", Labels: []string{"index"}},
		{Name: MIndexFailure, Kind: KindCounter, Group: GroupLifecycle, Help: "Failed index collections.", Labels: []string{"index"}},
		{Name: MLifecycleCompressed, Kind: KindCounter, Group: GroupLifecycle, Help: "Artifacts gzip-compressed by the sweeper.", Warm: [][]string{{}}},
		{Name: MLifecycleDeleted, Kind: KindCounter, Group: GroupLifecycle, Help: "Artifacts deleted by the sweeper.", Warm: [][]string{{}}},
		{Name: MLifecycleErrors, Kind: KindCounter, Group: GroupLifecycle, Help: "Sweeper failures.", Warm: [][]string{{}}},
		{Name: MLifecycleLastRun, Kind: KindGauge, Group: GroupLifecycle, Help: "Unix time of the last lifecycle sweep."},

		// panel_diff
		{Name: MPanelsWritten, Kind: KindCounter, Group: GroupPanelDiff, Help: "Panel artifacts written.", Labels: []string{"panel"}},
		{Name: MPanelWriteErrors, Kind: KindCounter, Group: GroupPanelDiff, Help: "Panel write failures.", Labels: []string{"panel"}},
		{Name: MIntegrityChecks, Kind: KindCounter, Group: GroupPanelDiff, Help: "Integrity sweeps over emitted panels.", Warm: [][]string{{}}},
		{Name: MIntegrityMismatches, Kind: KindCounter, Group: GroupPanelDiff, Help: "Panels whose recomputed hash differed.", Warm: [][]string{{}}},
		{Name: MIntegrityOK, Kind: KindGauge, Group: GroupPanelDiff, Help: "Whether the last integrity sweep was clean."},

		// bus
		{Name: MEventsPublished, Kind: KindCounter, Group: GroupBus, Help: "Events published on the internal bus.", Labels: []string{"event"}, Sheddable: true},
		{Name: MEventsDropped, Kind: KindCounter, Group: GroupBus, Help: "Events dropped by saturated subscribers.", Labels: []string{"event"}},
		{Name: MBusSubscribers, Kind: KindGauge, Group: GroupBus, Help: "Registered bus subscribers."},

		// column_store
		{Name: MSinkRows, Kind: KindCounter, Group: GroupColumnStore, Help: "Option rows written per sink.", Labels: []string{"sink"}, Warm: [][]string{{"csv"}, {"postgres"}}},
		{Name: MSinkErrors, Kind: KindCounter, Group: GroupColumnStore, Help: "Write failures per sink.", Labels: []string{"sink"}, Warm: [][]string{{"csv"}, {"postgres"}}},
		{Name: MSinkFlushDuration, Kind: KindHistogram, Group: GroupColumnStore, Help: "Sink flush duration.", Labels: []string{"sink"}, Buckets: durationBuckets},
		{Name: MSinkDuplicates, Kind: KindCounter, Group: GroupColumnStore, Help: "Rows skipped as duplicates on conflict.", Labels: []string{"sink"}},
	}
}

// SpecHash returns the first 16 hex chars of the SHA-256 over the canonical
// sorted catalogue. It changes iff the metric surface changes.
func SpecHash() string {
	lines := make([]string, 0, 96)
	for _, s := range Catalogue() {
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s", s.Name, s.Kind, s.Group, strings.Join(s.Labels, ",")))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}
