package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/bus"
	"github.com/g6run/g6run/internal/metrics"
)

// runCollect is daemon mode: the collection loop, the ops HTTP server and
// the background sweepers, running until SIGINT/SIGTERM.
func runCollect(cfgPath string) error {
	a, err := buildApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.MirrorToLog(a.events.Subscribe(), ctx.Done())
	a.reg.Gauge(metrics.MBusSubscribers).Set(float64(a.events.SubscriberCount()))

	go sampleProviderHealth(ctx, a.facade, a.reg)
	if a.sweeper.Enabled() {
		go a.sweeper.Run(ctx)
	}
	if a.set.Panels.Enabled == nil || *a.set.Panels.Enabled {
		go func() {
			if err := a.monitor.Run(ctx); err != nil {
				log.Fatal().Err(err).Msg("panel integrity violated under strict mode")
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.ops.Start(); err != nil {
			serverErr <- err
		}
	}()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.orch.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		cancel()
		<-loopDone
		return fmt.Errorf("ops server: %w", err)
	}

	cancel()
	if err := <-loopDone; err != nil {
		log.Warn().Err(err).Msg("collection loop did not drain cleanly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.ops.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown error")
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// runOnce performs a single gated cycle. The market-hours gate still
// applies; use market_hours.force_open or G6_FORCE_OPEN to collect off
// hours.
func runOnce(cfgPath string) error {
	a, err := buildApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.MirrorToLog(a.events.Subscribe(), ctx.Done())

	sum := a.orch.RunOnce(ctx)
	if sum.Skipped {
		log.Info().Str("reason", sum.Reason).Msg("cycle skipped")
		return nil
	}
	log.Info().Int("indices_ok", sum.IndicesOK).Int("indices_failed", sum.IndicesFailed).
		Int("expiries_ok", sum.ExpiriesOK).Int("expiries_failed", sum.ExpiriesFailed).
		Int("rows", sum.OptionsWritten).Float64("duration_ms", sum.DurationMS).
		Msg("cycle finished")
	if sum.TimedOut || sum.IndicesFailed > 0 {
		return fmt.Errorf("cycle %s failed: %d of %d indices failed (timed_out=%v)",
			sum.Cycle, sum.IndicesFailed, sum.IndicesTotal, sum.TimedOut)
	}
	return nil
}
