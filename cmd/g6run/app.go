package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/httpapi"
	"github.com/g6run/g6run/internal/market"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/orchestrator"
	"github.com/g6run/g6run/internal/panels"
	"github.com/g6run/g6run/internal/parity"
	"github.com/g6run/g6run/internal/pipeline"
	"github.com/g6run/g6run/internal/provider"
	"github.com/g6run/g6run/internal/sink"
)

// app is the fully wired engine: one of these backs both the collect loop
// and the one-shot cycle.
type app struct {
	set     *config.Settings
	reg     *metrics.Registry
	batch   *metrics.Batcher
	events  *bus.Bus
	facade  *provider.Facade
	pg      *sink.Postgres
	sweeper *sink.Sweeper
	monitor *panels.Monitor
	orch    *orchestrator.Orchestrator
	ops     *httpapi.Server
}

// buildApp loads settings and wires every component. Nothing starts
// running here; the callers own goroutines and lifecycle.
func buildApp(cfgPath string) (*app, error) {
	set, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry(set.Metrics)
	batch := metrics.NewBatcher(reg, set.Metrics.Batch)
	rendered, err := json.Marshal(set.Masked())
	if err != nil {
		return nil, fmt.Errorf("render effective config: %w", err)
	}
	reg.SetBuildConfigHash(metrics.BuildConfigHash(rendered))

	events := bus.New(256, bus.Hooks{
		OnPublish: func(event string) { batch.Inc(metrics.MEventsPublished, event) },
		OnDrop:    func(event string) { batch.Inc(metrics.MEventsDropped, event) },
	})

	creds := provider.NewCredentialStore(set.Provider.APIKeyEnv, set.Provider.APISecretEnv, nil)
	providers := provider.NewRegistry()
	if err := providers.Register("sim", provider.SimFactory); err != nil {
		return nil, err
	}
	inner, err := providers.Build(set.Provider.Name, set.Provider, creds)
	if err != nil {
		return nil, err
	}
	facade := provider.NewFacade(inner, set.Provider, set.Storage.Redis, creds, facadeHooks(reg, batch, events))

	sinks := []pipeline.Sink{sink.NewCSV(set.Storage.CSVDir, reg, batch)}
	var pg *sink.Postgres
	if set.Storage.Postgres.Enabled {
		db, err := sink.OpenPostgres(set.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		pg = sink.NewPostgres(db, set.Storage.Postgres, reg, batch)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pg.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
	}

	cal, err := market.NewCalendar(set.Collection.MarketHours)
	if err != nil {
		return nil, err
	}

	col := pipeline.NewCollector(set, facade, sinks, reg, batch, events)
	exec := pipeline.NewExecutor(set, col, reg, batch)

	gate, err := parity.NewController(set, reg, batch, events, nil)
	if err != nil {
		return nil, err
	}
	legacy := parity.NewLegacyCollector(set, facade, nil)

	panelw, err := panels.NewWriter(set, reg, batch, nil)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(set, cal, exec, legacy, gate, panelw, reg, batch, events,
		orchestrator.WithSummarySource("provider", map[string]any{
			"name":         facade.Name(),
			"capabilities": facade.Capabilities().String(),
			"rate_rps":     set.Provider.RateLimitRPS,
			"breaker":      set.Provider.Breaker.FailureThreshold,
			"postgres":     set.Storage.Postgres.Enabled,
			"redis":        set.Storage.Redis.Enabled,
		}))

	ops := httpapi.NewServer(httpapi.DefaultServerConfig(set.Metrics.ListenAddr), reg, orch, facade)

	return &app{
		set:     set,
		reg:     reg,
		batch:   batch,
		events:  events,
		facade:  facade,
		pg:      pg,
		sweeper: sink.NewSweeper(set.Lifecycle, []string{set.Storage.CSVDir, set.Panels.Dir}, reg, batch),
		monitor: panels.NewMonitor(set, reg, batch),
		orch:    orch,
		ops:     ops,
	}, nil
}

// Close flushes the counter batcher and releases sink handles. Call after
// the loop has stopped so the final cycle's increments land.
func (a *app) Close() {
	a.batch.Close()
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			log.Warn().Err(err).Msg("postgres close failed")
		}
	}
}

// facadeHooks routes provider facade callbacks into the metrics layer. The
// hit-ratio gauge is maintained here because the facade reports hits and
// misses as separate per-cache events.
func facadeHooks(reg *metrics.Registry, batch *metrics.Batcher, events *bus.Bus) provider.Hooks {
	var mu sync.Mutex
	hits := map[string]float64{}
	misses := map[string]float64{}
	ratio := func(cache string) {
		if total := hits[cache] + misses[cache]; total > 0 {
			reg.Gauge(metrics.MCacheHitRatio, cache).Set(hits[cache] / total)
		}
	}
	return provider.Hooks{
		OnCall: func(prov, op, outcome string) {
			batch.Inc(metrics.MProviderCalls, prov, op, outcome)
		},
		OnRateLimited: func(prov string) {
			batch.Inc(metrics.MProviderRateLimited, prov)
		},
		OnCacheHit: func(cache string) {
			batch.Inc(metrics.MCacheHits, cache)
			mu.Lock()
			hits[cache]++
			ratio(cache)
			mu.Unlock()
		},
		OnCacheMiss: func(cache string) {
			batch.Inc(metrics.MCacheMisses, cache)
			mu.Lock()
			misses[cache]++
			ratio(cache)
			mu.Unlock()
		},
		OnCacheSize: func(cache string, size int) {
			reg.Gauge(metrics.MCacheSize, cache).Set(float64(size))
		},
		OnBreakerState: func(prov string, state gobreaker.State) {
			reg.Gauge(metrics.MProviderBreakerState, prov).Set(float64(state))
		},
		OnAuthFailure: func(prov string) {
			batch.Inc(metrics.MProviderAuthFailures, prov)
		},
		OnLogSuppressed: func(s string) {
			batch.Inc(metrics.MLogSuppressed, s)
		},
		OnFailover: func(prov, op string) {
			batch.Inc(metrics.MProviderFailover, prov, op)
			events.Publish(bus.Event{
				Name:   bus.EventProviderFailover,
				Fields: map[string]any{"provider": prov, "op": op},
			})
		},
	}
}

// sampleProviderHealth keeps the health gauge current between cycles.
func sampleProviderHealth(ctx context.Context, facade *provider.Facade, reg *metrics.Registry) {
	set := func() {
		reg.Gauge(metrics.MProviderHealth, facade.Name()).Set(healthValue(facade.Health()))
	}
	set()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set()
		}
	}
}

func healthValue(h provider.Health) float64 {
	switch h {
	case provider.HealthHealthy:
		return 1
	case provider.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}
