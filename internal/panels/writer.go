package panels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/ioatomic"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/parity"
	"github.com/g6run/g6run/internal/pipeline"
)

// SystemStats is the per-cycle payload of the system panel.
type SystemStats struct {
	Cycle          string           `json:"cycle"`
	StartedAt      time.Time        `json:"started_at"`
	DurationMS     float64          `json:"duration_ms"`
	IndicesTotal   int              `json:"indices_total"`
	IndicesOK      int              `json:"indices_ok"`
	IndicesFailed  int              `json:"indices_failed"`
	ExpiriesOK     int              `json:"expiries_ok"`
	ExpiriesFailed int              `json:"expiries_failed"`
	OptionsWritten int              `json:"options_written"`
	SuccessRate    float64          `json:"success_rate"`
	PhasesTotal    int              `json:"phases_total"`
	PhasesOK       int              `json:"phases_ok"`
	PhasesError    int              `json:"phases_error"`
	Parity         *parity.Decision `json:"parity,omitempty"`
}

// CycleArtifacts bundles everything one orchestrator cycle hands to the
// writer.
type CycleArtifacts struct {
	Cycle     string
	Stats     SystemStats
	Overviews []domain.OverviewSnapshot
	Errors    []pipeline.RunErrors
}

// Writer emits the artifact set for each cycle into the panels directory.
type Writer struct {
	cfg    config.PanelsSection
	set    *config.Settings
	reg    *metrics.Registry
	batch  *metrics.Batcher
	redact *Redactor
	limit  int
	clock  func() time.Time

	mu sync.Mutex
}

// NewWriter prepares the panels directory writer. Redaction patterns are
// compiled here so a bad pattern fails startup instead of a cycle.
func NewWriter(set *config.Settings, reg *metrics.Registry, batch *metrics.Batcher, clock func() time.Time) (*Writer, error) {
	redact, err := NewRedactor(set.Panels.RedactPatterns, set.Panels.RedactReplacement)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	limit := set.Pipeline.TrendsLimit
	if limit < 1 {
		limit = 1
	}
	return &Writer{
		cfg:    set.Panels,
		set:    set,
		reg:    reg,
		batch:  batch,
		redact: redact,
		limit:  limit,
		clock:  clock,
	}, nil
}

// Enabled reports whether artifact emission is on.
func (w *Writer) Enabled() bool {
	return w.cfg.Enabled == nil || *w.cfg.Enabled
}

// Dir is the panels output directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// WriteCycle emits the full artifact set for one cycle. The first write
// error aborts the remainder; partial cycles are visible only as missing
// files, never as torn JSON.
func (w *Writer) WriteCycle(art CycleArtifacts) error {
	if !w.Enabled() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock().UTC()
	man := Manifest{
		GeneratedAt: now,
		Cycle:       art.Cycle,
		Hashes:      map[string]string{},
	}

	indices := make(map[string]domain.OverviewSnapshot, len(art.Overviews))
	for _, ov := range art.Overviews {
		indices[ov.Index] = ov
	}
	clones := make([]panelClone, 0, 2)
	env, err := w.writePanel(&man, FileIndicesPanel, "indices", art.Cycle, now, map[string]any{
		"count":   len(indices),
		"indices": indices,
	})
	if err != nil {
		return err
	}
	clones = append(clones, panelClone{file: FileIndicesPanel, env: env})
	env, err = w.writePanel(&man, FileSystemPanel, "system", art.Cycle, now, art.Stats)
	if err != nil {
		return err
	}
	clones = append(clones, panelClone{file: FileSystemPanel, env: env})

	sort.Strings(man.Panels)
	if err := w.writeFile(FileManifest, man); err != nil {
		return err
	}
	records, errHash, err := w.writeErrorsSummary(art, now)
	if err != nil {
		return err
	}
	if w.cfg.ConfigSnapshot == nil || *w.cfg.ConfigSnapshot {
		if err := w.writeConfigSnapshot(art.Cycle, now); err != nil {
			return err
		}
	}
	if w.cfg.HistoryEnabled == nil || *w.cfg.HistoryEnabled {
		if err := w.writeHistory(art.Cycle, now, man, clones); err != nil {
			return err
		}
	}
	if w.cfg.TrendsEnabled == nil || *w.cfg.TrendsEnabled {
		if err := w.appendTrend(art, now, records, errHash); err != nil {
			return err
		}
	}

	log.Debug().Str("cycle", art.Cycle).Int("panels", len(man.Panels)).
		Str("dir", w.cfg.Dir).Msg("panel artifacts written")
	return nil
}

// envelopeSource identifies this process as the panel producer.
const envelopeSource = "g6run"

// writePanel envelopes one payload, records its hash in the manifest and
// writes it atomically. Manifest hashes are never optional: the integrity
// monitor verifies exactly what the manifest names.
func (w *Writer) writePanel(man *Manifest, file, name, cycle string, at time.Time, data any) (Envelope, error) {
	env, full, err := NewEnvelope(name, envelopeSource, cycle, at, data)
	if err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, name)
		return Envelope{}, err
	}
	if err := w.writeFile(file, env); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, name)
		return Envelope{}, err
	}
	man.Hashes[file] = full
	man.Panels = append(man.Panels, file)
	w.batch.Inc(metrics.MPanelsWritten, name)
	return env, nil
}

type errorsSummary struct {
	Cycle       string               `json:"cycle"`
	GeneratedAt time.Time            `json:"generated_at"`
	Records     int                  `json:"records"`
	Exports     []pipeline.RunErrors `json:"exports"`
	ContentHash string               `json:"content_hash,omitempty"`
}

// writeErrorsSummary emits the structured error list for the cycle. The
// content_hash field rides only when the hash flag is on; the hash itself is
// always computed since the trend record carries it regardless. Returns the
// redacted record count and that hash.
func (w *Writer) writeErrorsSummary(art CycleArtifacts, at time.Time) (int, string, error) {
	exports := make([]pipeline.RunErrors, 0, len(art.Errors))
	var all []pipeline.ErrorExportRecord
	for _, e := range art.Errors {
		e.Export = w.redact.Export(e.Export)
		exports = append(exports, e)
		all = append(all, e.Export.Records...)
	}
	hash := pipeline.ContentHash(all)
	sum := errorsSummary{
		Cycle:       art.Cycle,
		GeneratedAt: at,
		Records:     len(all),
		Exports:     exports,
	}
	if w.cfg.Hash == nil || *w.cfg.Hash {
		sum.ContentHash = hash
	}
	if err := w.writeFile(FileErrorsSummary, sum); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, "errors_summary")
		return 0, "", err
	}
	w.batch.Inc(metrics.MPanelsWritten, "errors_summary")
	return len(all), hash, nil
}

type configSnapshot struct {
	Cycle       string         `json:"cycle"`
	GeneratedAt time.Time      `json:"generated_at"`
	ContentHash string         `json:"content_hash"`
	Settings    map[string]any `json:"settings"`
}

func (w *Writer) writeConfigSnapshot(cycle string, at time.Time) error {
	masked := w.set.Masked()
	full, err := DataHash(masked)
	if err != nil {
		return err
	}
	snap := configSnapshot{
		Cycle:       cycle,
		GeneratedAt: at,
		ContentHash: ShortHash(full),
		Settings:    masked,
	}
	if err := w.writeFile(FileConfigSnapshot, snap); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, "config_snapshot")
		return err
	}
	w.batch.Inc(metrics.MPanelsWritten, "config_snapshot")
	return nil
}

// panelClone pairs a written panel file with its in-memory envelope so
// history can re-emit identical bytes.
type panelClone struct {
	file string
	env  Envelope
}

// historyIndex lists the retained cycle directories, newest first.
type historyIndex struct {
	UpdatedAt time.Time           `json:"updated_at"`
	Limit     int                 `json:"limit"`
	Entries   []historyIndexEntry `json:"entries"`
}

type historyIndexEntry struct {
	Dir       string    `json:"dir"`
	Cycle     string    `json:"cycle,omitempty"`
	WrittenAt time.Time `json:"written_at,omitempty"`
}

// writeHistory clones this cycle's panel export (the enveloped panels and
// their manifest) into a timestamped directory, prunes beyond the retention
// limit and rewrites the newest-first index.
func (w *Writer) writeHistory(cycle string, at time.Time, man Manifest, clones []panelClone) error {
	dir := historyCycleDir(at, cycle)
	for _, c := range clones {
		if err := w.writeFile(filepath.Join(historyDirName, dir, c.file), c.env); err != nil {
			w.batch.Inc(metrics.MPanelWriteErrors, "history")
			return err
		}
	}
	if err := w.writeFile(filepath.Join(historyDirName, dir, FileManifest), man); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, "history")
		return err
	}
	if err := w.pruneHistory(); err != nil {
		return err
	}
	if err := w.writeHistoryIndex(at); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, "history")
		return err
	}
	w.batch.Inc(metrics.MPanelsWritten, "history")
	return nil
}

// historyCycleDir is sortable by timestamp so pruning never needs modtimes.
func historyCycleDir(at time.Time, cycle string) string {
	short := cycle
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("cycle_%s_%s", at.Format("20060102T150405Z"), short)
}

func (w *Writer) pruneHistory() error {
	limit := w.cfg.HistoryLimit
	if limit < 1 {
		return nil
	}
	names, err := w.historyDirs()
	if err != nil {
		return err
	}
	if len(names) <= limit {
		return nil
	}
	sort.Strings(names)
	root := filepath.Join(w.cfg.Dir, historyDirName)
	for _, name := range names[:len(names)-limit] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return err
		}
	}
	return nil
}

// writeHistoryIndex rebuilds the listing from the directories that survived
// pruning, newest first. Cycle identity comes from each clone's manifest, so
// a rebuilt index is always consistent with what actually sits on disk.
func (w *Writer) writeHistoryIndex(at time.Time) error {
	names, err := w.historyDirs()
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	root := filepath.Join(w.cfg.Dir, historyDirName)
	idx := historyIndex{
		UpdatedAt: at,
		Limit:     w.cfg.HistoryLimit,
		Entries:   make([]historyIndexEntry, 0, len(names)),
	}
	for _, name := range names {
		entry := historyIndexEntry{Dir: name}
		if data, rerr := os.ReadFile(filepath.Join(root, name, FileManifest)); rerr == nil {
			var man Manifest
			if json.Unmarshal(data, &man) == nil {
				entry.Cycle = man.Cycle
				entry.WrittenAt = man.GeneratedAt
			}
		}
		idx.Entries = append(idx.Entries, entry)
	}
	return w.writeFile(filepath.Join(historyDirName, historyIndexFile), idx)
}

func (w *Writer) historyDirs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.cfg.Dir, historyDirName))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (w *Writer) writeFile(name string, v any) error {
	return ioatomic.WriteJSONAtomic(filepath.Join(w.cfg.Dir, name), v)
}
