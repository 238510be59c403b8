package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ErrorExportRecord is the flattened, hash-stable form of one phase error.
// Timestamps collapse to epoch seconds so the hash never depends on a
// timezone rendering.
type ErrorExportRecord struct {
	Attempt        int    `json:"attempt"`
	Classification string `json:"classification"`
	Message        string `json:"message"`
	Phase          string `json:"phase"`
	TS             int64  `json:"ts"`
}

// ErrorExport is the structured_errors payload stored in run meta when the
// feature is on. Hash is recomputable from Records alone. Fields here and
// on ErrorExportRecord are declared alphabetically so a plain Marshal
// emits sorted keys, which the stdout mirror relies on.
type ErrorExport struct {
	Count      int                 `json:"count"`
	ExportedAt int64               `json:"exported_at"`
	Hash       string              `json:"hash"`
	Records    []ErrorExportRecord `json:"records"`
}

// RunErrors couples one run's export with its identity for the cycle
// errors artifact.
type RunErrors struct {
	Index  string      `json:"index"`
	Rule   string      `json:"rule"`
	Cycle  string      `json:"cycle"`
	Export ErrorExport `json:"export"`
}

// ContentHash is the first 16 hex of SHA-256 over the JSON encoding of the
// records slice. Struct field order keeps the encoding canonical.
func ContentHash(records []ErrorExportRecord) string {
	if records == nil {
		records = []ErrorExportRecord{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// NewErrorExport flattens the run's error records into the export payload.
func NewErrorExport(st *ExpiryState, at time.Time) ErrorExport {
	records := make([]ErrorExportRecord, 0, len(st.ErrorRecords))
	for _, rec := range st.ErrorRecords {
		records = append(records, ErrorExportRecord{
			Attempt:        rec.Attempt,
			Classification: rec.Classification,
			Message:        rec.Message,
			Phase:          rec.Phase,
			TS:             rec.Time.Unix(),
		})
	}
	return ErrorExport{
		Count:      len(records),
		ExportedAt: at.Unix(),
		Hash:       ContentHash(records),
		Records:    records,
	}
}

// exportStructured stores the export in run meta and, when configured,
// mirrors it to stdout as a single tagged JSON line.
func (e *Executor) exportStructured(st *ExpiryState) {
	cfg := e.set.Pipeline
	if cfg.StructuredExport != nil && !*cfg.StructuredExport {
		return
	}
	exp := NewErrorExport(st, e.clock())
	st.MetaPut("structured_errors", exp)

	if cfg.StructuredStdout {
		if b, err := json.Marshal(exp); err == nil {
			fmt.Fprintf(os.Stdout, "pipeline.structured_errors %s\n", b)
		}
	}
}
