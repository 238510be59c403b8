package panels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/pipeline"
)

type writerFixture struct {
	set    *config.Settings
	reg    *metrics.Registry
	writer *Writer
	dir    string
	now    time.Time
}

func newWriterFixture(t *testing.T, mutate func(*config.Settings)) *writerFixture {
	t.Helper()
	set, err := config.Load("")
	require.NoError(t, err)
	off := false
	set.Metrics.Batch.Enabled = &off
	set.Panels.Dir = t.TempDir()
	if mutate != nil {
		mutate(set)
	}
	require.NoError(t, set.Validate())

	f := &writerFixture{
		set: set,
		dir: set.Panels.Dir,
		now: time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
	}
	f.reg = metrics.NewRegistry(set.Metrics)
	batch := metrics.NewBatcher(f.reg, set.Metrics.Batch)
	w, err := NewWriter(set, f.reg, batch, func() time.Time { return f.now })
	require.NoError(t, err)
	f.writer = w
	return f
}

func sampleArtifacts(cycle string) CycleArtifacts {
	return CycleArtifacts{
		Cycle: cycle,
		Stats: SystemStats{
			Cycle:          cycle,
			StartedAt:      time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
			DurationMS:     1200,
			IndicesTotal:   1,
			IndicesOK:      1,
			ExpiriesOK:     2,
			OptionsWritten: 10,
			SuccessRate:    1,
			PhasesTotal:    26,
			PhasesOK:       25,
			PhasesError:    1,
		},
		Overviews: []domain.OverviewSnapshot{{
			Index:             "NIFTY",
			PCRByRule:         map[domain.Rule]float64{domain.RuleThisWeek: 1.12},
			ExpiriesExpected:  2,
			ExpiriesCollected: 2,
			ExpectedMask:      3,
			CollectedMask:     3,
			OptionCount:       10,
			DayWidthSeconds:   4,
			GeneratedAt:       time.Date(2026, 8, 24, 10, 30, 5, 0, time.UTC),
		}},
		Errors: []pipeline.RunErrors{{
			Index:  "NIFTY",
			Rule:   "this_week",
			Cycle:  cycle,
			Export: sampleExport(),
		}},
	}
}

func sampleExport() pipeline.ErrorExport {
	records := []pipeline.ErrorExportRecord{{
		Attempt:        1,
		Classification: "recoverable",
		Message:        "no instruments for token secret-abc",
		Phase:          "fetch",
		TS:             1787893200,
	}}
	return pipeline.ErrorExport{
		Count:      len(records),
		ExportedAt: 1787893200,
		Hash:       pipeline.ContentHash(records),
		Records:    records,
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestWriteCycle_EmitsManifestWithRecomputableHashes(t *testing.T) {
	f := newWriterFixture(t, nil)
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	var man Manifest
	readJSON(t, filepath.Join(f.dir, FileManifest), &man)
	assert.Equal(t, "cycle-1", man.Cycle)
	assert.Equal(t, []string{FileIndicesPanel, FileSystemPanel}, man.Panels)
	require.Contains(t, man.Hashes, FileIndicesPanel)
	require.Contains(t, man.Hashes, FileSystemPanel)

	names := map[string]string{FileIndicesPanel: "indices", FileSystemPanel: "system"}
	for file, want := range man.Hashes {
		var env envelopeFile
		readJSON(t, filepath.Join(f.dir, file), &env)
		assert.Equal(t, names[file], env.Panel)
		assert.Equal(t, EnvelopeVersion, env.Version)
		assert.Equal(t, "cycle-1", env.Cycle)
		assert.Equal(t, envelopeSource, env.Meta.Source)
		assert.Equal(t, EnvelopeSchema, env.Meta.Schema)

		got, err := DataHash(env.Data)
		require.NoError(t, err)
		assert.Equal(t, want, got, "panel %s", file)
		assert.Regexp(t, "^[0-9a-f]{64}$", got)
		assert.Equal(t, ShortHash(got), env.Meta.Hash)
	}
}

func TestWriteCycle_ErrorsSummaryHashRecomputable(t *testing.T) {
	f := newWriterFixture(t, nil)
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	var sum struct {
		Cycle       string               `json:"cycle"`
		Records     int                  `json:"records"`
		Exports     []pipeline.RunErrors `json:"exports"`
		ContentHash string               `json:"content_hash"`
	}
	readJSON(t, filepath.Join(f.dir, FileErrorsSummary), &sum)
	assert.Equal(t, "cycle-1", sum.Cycle)
	assert.Equal(t, 1, sum.Records)
	require.Len(t, sum.Exports, 1)
	assert.Equal(t, "NIFTY", sum.Exports[0].Index)

	var all []pipeline.ErrorExportRecord
	for _, e := range sum.Exports {
		all = append(all, e.Export.Records...)
	}
	assert.Equal(t, pipeline.ContentHash(all), sum.ContentHash)
}

func TestWriteCycle_RedactsMessagesOnly(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		set.Panels.RedactPatterns = []string{`secret-[a-z]+`}
	})
	art := sampleArtifacts("cycle-1")
	require.NoError(t, f.writer.WriteCycle(art))

	var sum struct {
		Exports []pipeline.RunErrors `json:"exports"`
	}
	readJSON(t, filepath.Join(f.dir, FileErrorsSummary), &sum)
	require.Len(t, sum.Exports, 1)
	exp := sum.Exports[0].Export
	require.Len(t, exp.Records, 1)

	assert.Equal(t, "no instruments for token [redacted]", exp.Records[0].Message)
	assert.Equal(t, "recoverable", exp.Records[0].Classification)
	assert.Equal(t, "fetch", exp.Records[0].Phase)
	// The export hash reflects the redacted bytes on disk.
	assert.Equal(t, pipeline.ContentHash(exp.Records), exp.Hash)
	assert.NotEqual(t, sampleExport().Hash, exp.Hash)
	// The caller's records stay untouched.
	assert.Contains(t, art.Errors[0].Export.Records[0].Message, "secret-abc")
}

func TestNewWriter_RejectsBadRedactPattern(t *testing.T) {
	set, err := config.Load("")
	require.NoError(t, err)
	set.Panels.RedactPatterns = []string{`[unclosed`}
	reg := metrics.NewRegistry(set.Metrics)
	batch := metrics.NewBatcher(reg, set.Metrics.Batch)

	_, err = NewWriter(set, reg, batch, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redact_patterns")
}

func TestWriteCycle_ConfigSnapshotMasksDSN(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		set.Storage.Postgres.DSN = "postgres://g6:hunter2@db:5432/options"
	})
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	var snap struct {
		ContentHash string         `json:"content_hash"`
		Settings    map[string]any `json:"settings"`
	}
	readJSON(t, filepath.Join(f.dir, FileConfigSnapshot), &snap)
	assert.Regexp(t, "^[0-9a-f]{12}$", snap.ContentHash)

	storage := snap.Settings["storage"].(map[string]any)
	pg := storage["postgres"].(map[string]any)
	assert.Equal(t, "postgres://g6:***@db:5432/options", pg["dsn"])
}

func TestWriteCycle_HistoryClonesExportPerCycle(t *testing.T) {
	f := newWriterFixture(t, nil)
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	var idx historyIndex
	readJSON(t, filepath.Join(f.dir, historyDirName, historyIndexFile), &idx)
	require.Len(t, idx.Entries, 1)
	assert.Equal(t, "cycle-1", idx.Entries[0].Cycle)

	// The cycle directory holds byte-identical clones of the live export.
	snap := filepath.Join(f.dir, historyDirName, idx.Entries[0].Dir)
	for _, file := range []string{FileIndicesPanel, FileSystemPanel, FileManifest} {
		clone, err := os.ReadFile(filepath.Join(snap, file))
		require.NoError(t, err)
		live, err := os.ReadFile(filepath.Join(f.dir, file))
		require.NoError(t, err)
		assert.Equal(t, live, clone, "clone of %s", file)
	}
}

func TestWriteCycle_HistoryPrunesAndIndexesNewestFirst(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		set.Panels.HistoryLimit = 2
	})

	for i := 1; i <= 4; i++ {
		require.NoError(t, f.writer.WriteCycle(sampleArtifacts(fmt.Sprintf("cycle-%d", i))))
		f.now = f.now.Add(time.Minute)
	}

	dirs, err := os.ReadDir(filepath.Join(f.dir, historyDirName))
	require.NoError(t, err)
	kept := 0
	for _, e := range dirs {
		if e.IsDir() {
			kept++
		}
	}
	assert.Equal(t, 2, kept)

	var idx historyIndex
	readJSON(t, filepath.Join(f.dir, historyDirName, historyIndexFile), &idx)
	assert.Equal(t, 2, idx.Limit)
	require.Len(t, idx.Entries, 2)
	assert.Equal(t, "cycle-4", idx.Entries[0].Cycle, "newest first")
	assert.Equal(t, "cycle-3", idx.Entries[1].Cycle)
	assert.True(t, idx.Entries[0].WrittenAt.After(idx.Entries[1].WrittenAt))
}

func TestWriteCycle_TrendsClampedToLimit(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		set.Pipeline.TrendsLimit = 2
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.writer.WriteCycle(sampleArtifacts(fmt.Sprintf("cycle-%d", i))))
		f.now = f.now.Add(time.Minute)
	}

	var trends Trends
	readJSON(t, filepath.Join(f.dir, FileTrends), &trends)
	assert.Equal(t, 2, trends.Limit)
	require.Len(t, trends.Points, 2)
	assert.Equal(t, "cycle-2", trends.Points[0].Cycle)
	assert.Equal(t, "cycle-3", trends.Points[1].Cycle)

	// Each point carries the cycle's phase accounting and its error hash.
	last := trends.Points[1]
	assert.True(t, last.Success)
	assert.Equal(t, 26, last.PhasesTotal)
	assert.Equal(t, 25, last.PhasesOK)
	assert.Equal(t, 1, last.PhaseErrors)
	assert.Equal(t, 1, last.Errors)
	assert.Equal(t, sampleExport().Hash, last.Hash)

	// The aggregate folds only the retained points.
	assert.Equal(t, 2, trends.Aggregate.Cycles)
	assert.Equal(t, 2, trends.Aggregate.SuccessCycles)
	assert.InDelta(t, 1.0, trends.Aggregate.SuccessRate, 1e-9)
	assert.Equal(t, 2, trends.Aggregate.ErrorsTotal)
	assert.Equal(t, 2, trends.Aggregate.PhaseErrorsTotal)
	assert.Equal(t, 52, trends.Aggregate.PhasesTotal)
}

func TestWriteCycle_TrendsAggregateCountsFailedCycles(t *testing.T) {
	f := newWriterFixture(t, nil)
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	f.now = f.now.Add(time.Minute)
	bad := sampleArtifacts("cycle-2")
	bad.Stats.IndicesOK = 0
	bad.Stats.IndicesFailed = 1
	bad.Stats.SuccessRate = 0
	require.NoError(t, f.writer.WriteCycle(bad))

	var trends Trends
	readJSON(t, filepath.Join(f.dir, FileTrends), &trends)
	require.Len(t, trends.Points, 2)
	assert.False(t, trends.Points[1].Success)
	assert.Equal(t, 2, trends.Aggregate.Cycles)
	assert.Equal(t, 1, trends.Aggregate.SuccessCycles)
	assert.InDelta(t, 0.5, trends.Aggregate.SuccessRate, 1e-9)
}

func TestWriteCycle_HashFlagGatesContentHashOnly(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		off := false
		set.Panels.Hash = &off
	})
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	// Manifest hashes are not negotiable; the flag only strips the
	// errors-summary content_hash field.
	var man Manifest
	readJSON(t, filepath.Join(f.dir, FileManifest), &man)
	require.Contains(t, man.Hashes, FileIndicesPanel)
	require.Contains(t, man.Hashes, FileSystemPanel)

	var sum map[string]any
	readJSON(t, filepath.Join(f.dir, FileErrorsSummary), &sum)
	assert.NotContains(t, sum, "content_hash")
	assert.Equal(t, float64(1), sum["records"])

	var trends Trends
	readJSON(t, filepath.Join(f.dir, FileTrends), &trends)
	require.Len(t, trends.Points, 1)
	assert.Equal(t, sampleExport().Hash, trends.Points[0].Hash, "the trend hash rides regardless of the flag")
}

func TestWriteCycle_CorruptTrendsStartsFresh(t *testing.T) {
	f := newWriterFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, FileTrends), []byte("{broken"), 0644))

	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	var trends Trends
	readJSON(t, filepath.Join(f.dir, FileTrends), &trends)
	require.Len(t, trends.Points, 1)
	assert.Equal(t, "cycle-1", trends.Points[0].Cycle)
}

func TestWriteCycle_DisabledWritesNothing(t *testing.T) {
	f := newWriterFixture(t, func(set *config.Settings) {
		off := false
		set.Panels.Enabled = &off
	})
	require.NoError(t, f.writer.WriteCycle(sampleArtifacts("cycle-1")))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
