package panels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/metrics"
)

// Monitor periodically re-reads the manifest and its panels, recomputes the
// data hashes and reports drift. It only observes: a mismatch raises
// counters and, under strict mode, an error; it never rewrites artifacts.
type Monitor struct {
	dir      string
	interval time.Duration
	strict   bool
	reg      *metrics.Registry
	batch    *metrics.Batcher
}

// NewMonitor wires the integrity sweep for the panels directory.
func NewMonitor(set *config.Settings, reg *metrics.Registry, batch *metrics.Batcher) *Monitor {
	return &Monitor{
		dir:      set.Panels.Dir,
		interval: time.Duration(set.Panels.IntegrityIntervalSeconds) * time.Second,
		strict:   set.Panels.IntegrityStrict,
		reg:      reg,
		batch:    batch,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Under strict
// mode the first mismatching sweep returns its error so the caller can stop
// the process; unreadable manifests only warn, strict or not.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, mismatched, err := m.CheckOnce()
			if m.strict && mismatched > 0 {
				return err
			}
			if err != nil {
				log.Warn().Err(err).Str("dir", m.dir).Msg("panel integrity sweep failed")
			}
		}
	}
}

// envelopeFile is the read-side envelope shape; Data stays raw so the hash
// is recomputed from exactly what sits on disk.
type envelopeFile struct {
	Panel   string          `json:"panel"`
	Version int             `json:"version"`
	Cycle   string          `json:"cycle"`
	Meta    Meta            `json:"meta"`
	Data    json.RawMessage `json:"data"`
}

// CheckOnce verifies every panel the manifest names. A missing manifest
// means no cycle has completed yet and counts as a clean sweep.
func (m *Monitor) CheckOnce() (checked, mismatched int, err error) {
	defer func() {
		m.batch.Inc(metrics.MIntegrityChecks)
		if mismatched == 0 {
			m.reg.Gauge(metrics.MIntegrityOK).Set(1)
		} else {
			m.reg.Gauge(metrics.MIntegrityOK).Set(0)
		}
	}()

	data, rerr := os.ReadFile(filepath.Join(m.dir, FileManifest))
	if os.IsNotExist(rerr) {
		return 0, 0, nil
	}
	if rerr != nil {
		return 0, 0, fmt.Errorf("read manifest: %w", rerr)
	}
	var man Manifest
	if uerr := json.Unmarshal(data, &man); uerr != nil {
		return 0, 0, fmt.Errorf("parse manifest: %w", uerr)
	}

	for _, file := range man.Panels {
		want, ok := man.Hashes[file]
		if !ok {
			continue
		}
		checked++
		got, verr := m.verify(file, want)
		if verr != nil {
			mismatched++
			m.batch.Inc(metrics.MIntegrityMismatches)
			log.Warn().Str("panel", file).Str("want", want).Str("got", got).
				Err(verr).Msg("panel hash mismatch")
		}
	}
	if mismatched > 0 && m.strict {
		return checked, mismatched, fmt.Errorf("%d of %d panels failed integrity", mismatched, checked)
	}
	return checked, mismatched, nil
}

// verify recomputes the canonical data hash of one panel file and compares
// it with the manifest entry and the envelope's own short hash.
func (m *Monitor) verify(file, want string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	var env envelopeFile
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	got, err := DataHash(env.Data)
	if err != nil {
		return "", err
	}
	if got != want {
		return got, fmt.Errorf("manifest hash differs")
	}
	if env.Meta.Hash != ShortHash(got) {
		return got, fmt.Errorf("envelope meta hash differs")
	}
	return got, nil
}
