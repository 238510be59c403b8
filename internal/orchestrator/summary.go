package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/metrics"
)

// summarySource is one component block in the startup summaries.
type summarySource struct {
	name   string
	fields map[string]any
}

// LogStartupSummaries emits one deterministic line per component plus a
// composite hash line. Keys are sorted and secrets are masked upstream, so
// two processes on the same config produce identical hashes. Safe to call
// from both Run and RunOnce; only the first call logs.
func (o *Orchestrator) LogStartupSummaries() {
	o.summaryOnce.Do(func() {
		sources := []summarySource{
			{name: "settings", fields: o.settingsSummary()},
			{name: "metrics", fields: o.metricsSummary()},
			{name: "orchestrator", fields: o.loopSummary()},
		}
		sources = append(sources, o.extraSummaries...)
		sort.Slice(sources, func(i, j int) bool { return sources[i].name < sources[j].name })

		parts := make([]string, 0, len(sources))
		for _, src := range sources {
			payload := renderSummary(src.fields)
			h := summaryHash(payload)
			parts = append(parts, src.name+"="+h)
			log.Info().Str("component", src.name).Str("hash", h).Str("summary", payload).
				Msg("startup summary")
		}
		log.Info().Str("hash", summaryHash(strings.Join(parts, " "))).
			Msg("startup summary composite")
	})
}

func (o *Orchestrator) settingsSummary() map[string]any {
	rendered, _ := json.Marshal(o.set.Masked())
	names := make([]string, 0)
	for _, idx := range o.set.EnabledIndices() {
		names = append(names, idx.Name)
	}
	sort.Strings(names)
	return map[string]any{
		"config_hash": summaryHash(string(rendered)),
		"exchange":    o.set.Collection.Exchange,
		"indices":     strings.Join(names, ","),
		"interval_s":  o.set.Interval().Seconds(),
		"workers":     o.set.Collection.Workers,
	}
}

func (o *Orchestrator) metricsSummary() map[string]any {
	batch := o.set.Metrics.Batch.Enabled != nil && *o.set.Metrics.Batch.Enabled
	return map[string]any{
		"batch":          batch,
		"groups_enabled": len(o.reg.EnabledGroups()),
		"spec_hash":      metrics.SpecHash(),
	}
}

func (o *Orchestrator) loopSummary() map[string]any {
	mh := o.set.Collection.MarketHours
	return map[string]any{
		"deadline_s":  o.set.CycleDeadline().Seconds(),
		"force_open":  mh.ForceOpen,
		"grace_s":     o.set.ShutdownGrace().Seconds(),
		"market":      mh.Open + "-" + mh.Close,
		"parity_mode": o.set.ShadowGating.Mode,
		"timezone":    mh.Timezone,
	}
}

// renderSummary flattens a field map into "k=v" pairs in key order.
func renderSummary(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(pairs, " ")
}

// summaryHash is a truncated sha256 used to spot config drift across
// restarts without logging full payloads.
func summaryHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:12]
}
