package sink

import (
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/metrics"
)

// SweepReport summarises one lifecycle pass.
type SweepReport struct {
	Compressed int
	Deleted    int
	Errors     int
}

// Sweeper ages out artifacts under the managed directories: files older
// than the compression age are gzipped in place, files past retention are
// deleted. Both stages are capped per sweep so a large backlog drains over
// several passes instead of stalling one.
type Sweeper struct {
	cfg   config.LifecycleSection
	dirs  []string
	reg   *metrics.Registry
	batch *metrics.Batcher
	now   func() time.Time
}

// NewSweeper manages the given directories, typically the CSV sink dir and
// the panels dir.
func NewSweeper(cfg config.LifecycleSection, dirs []string, reg *metrics.Registry, batch *metrics.Batcher) *Sweeper {
	return &Sweeper{cfg: cfg, dirs: dirs, reg: reg, batch: batch, now: time.Now}
}

// Enabled reports whether sweeping is switched on in settings.
func (s *Sweeper) Enabled() bool {
	return s.cfg.Enabled == nil || *s.cfg.Enabled
}

// Run sweeps on the configured interval until the context ends. The
// interval carries +/-10% jitter so processes sharing a volume spread out.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	interval := time.Duration(s.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.SweepOnce()
			timer.Reset(jitter(interval))
		}
	}
}

// SweepOnce walks the managed directories and applies the two aging stages.
// Deletion is checked first so files past retention are removed rather than
// compressed.
func (s *Sweeper) SweepOnce() SweepReport {
	var rep SweepReport
	if !s.Enabled() {
		return rep
	}
	now := s.now()
	var compressBefore, deleteBefore time.Time
	if s.cfg.CompressAgeSeconds > 0 {
		compressBefore = now.Add(-time.Duration(s.cfg.CompressAgeSeconds) * time.Second)
	}
	if s.cfg.RetentionDays > 0 {
		deleteBefore = now.AddDate(0, 0, -s.cfg.RetentionDays)
	}
	for _, dir := range s.dirs {
		s.sweepDir(dir, compressBefore, deleteBefore, &rep)
	}

	s.reg.Gauge(metrics.MLifecycleLastRun).Set(float64(now.Unix()))
	if rep.Compressed > 0 {
		s.batch.Add(float64(rep.Compressed), metrics.MLifecycleCompressed)
	}
	if rep.Deleted > 0 {
		s.batch.Add(float64(rep.Deleted), metrics.MLifecycleDeleted)
	}
	if rep.Errors > 0 {
		s.batch.Add(float64(rep.Errors), metrics.MLifecycleErrors)
	}
	log.Debug().Int("compressed", rep.Compressed).Int("deleted", rep.Deleted).
		Int("errors", rep.Errors).Msg("lifecycle sweep complete")
	return rep
}

func (s *Sweeper) sweepDir(dir string, compressBefore, deleteBefore time.Time, rep *SweepReport) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime()

		if !deleteBefore.IsZero() && mtime.Before(deleteBefore) && rep.Deleted < s.deleteLimit() {
			if err := os.Remove(path); err != nil {
				rep.Errors++
				log.Warn().Err(err).Str("path", path).Msg("lifecycle delete failed")
				return nil
			}
			rep.Deleted++
			return nil
		}

		if !compressBefore.IsZero() && mtime.Before(compressBefore) &&
			s.compressible(path) && rep.Compressed < s.compressLimit() {
			if err := compressFile(path, mtime); err != nil {
				rep.Errors++
				log.Warn().Err(err).Str("path", path).Msg("lifecycle compress failed")
				return nil
			}
			rep.Compressed++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		rep.Errors++
		log.Warn().Err(err).Str("dir", dir).Msg("lifecycle sweep walk failed")
	}
}

func (s *Sweeper) compressible(path string) bool {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".gz") {
		return false
	}
	for _, want := range s.cfg.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

func (s *Sweeper) compressLimit() int {
	if s.cfg.MaxPerCycle <= 0 {
		return 100
	}
	return s.cfg.MaxPerCycle
}

func (s *Sweeper) deleteLimit() int {
	if s.cfg.RetentionDeleteLimit <= 0 {
		return 100
	}
	return s.cfg.RetentionDeleteLimit
}

// compressFile gzips path into path.gz and removes the original. The
// archive keeps the source's mtime so retention still ages it from the
// original write, not the compression.
func compressFile(path string, mtime time.Time) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	target := path + ".gz"
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(target)
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(target)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(target)
		return err
	}
	_ = os.Chtimes(target, mtime, mtime)
	return os.Remove(path)
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
