// Package panels emits the per-cycle JSON artifacts: enveloped overview
// panels, a manifest with content hashes, the structured error summary, a
// masked config snapshot, rolling history and the trends series. Every file
// lands through an atomic write so readers never observe partial JSON, and
// every hash is recomputable from the emitted data alone.
package panels

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope layout identifiers. EnvelopeVersion bumps when the wrapper shape
// changes; EnvelopeSchema names the layout for consumers that match on it.
const (
	EnvelopeVersion = 1
	EnvelopeSchema  = "panel-envelope-v1"
)

// Artifact file names inside the panels directory.
const (
	FileIndicesPanel   = "indices_panel_enveloped.json"
	FileSystemPanel    = "system_panel_enveloped.json"
	FileManifest       = "manifest.json"
	FileErrorsSummary  = "pipeline_errors_summary.json"
	FileConfigSnapshot = "pipeline_config_snapshot.json"
	FileTrends         = "trends.json"

	historyDirName   = "history"
	historyIndexFile = "index.json"
)

// Meta carries envelope provenance and the integrity hash.
type Meta struct {
	Source string `json:"source"`
	Schema string `json:"schema"`
	Hash   string `json:"hash"`
}

// Envelope wraps one panel payload with identity and an integrity hash over
// the canonical encoding of Data. GeneratedAt is when the payload was first
// produced; UpdatedAt is when this file was written (they coincide unless a
// panel is re-emitted unchanged).
type Envelope struct {
	Panel       string    `json:"panel"`
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Cycle       string    `json:"cycle"`
	Meta        Meta      `json:"meta"`
	Data        any       `json:"data"`
}

// Manifest indexes the enveloped panels of one cycle by their full
// 64-hex data hashes.
type Manifest struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Cycle       string            `json:"cycle"`
	Panels      []string          `json:"panels"`
	Hashes      map[string]string `json:"hashes"`
}

// CanonicalJSON renders v with sorted keys and compact separators by
// round-tripping through a generic value. Struct field order, indentation
// and map iteration order can never leak into the result.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical round-trip: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}

// DataHash is the full 64-hex SHA-256 over the canonical encoding of v.
// Manifest entries carry this form.
func DataHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ShortHash truncates a DataHash to the 12-hex envelope form.
func ShortHash(full string) string {
	if len(full) <= 12 {
		return full
	}
	return full[:12]
}

// NewEnvelope builds the envelope for one panel, computing the meta hash
// from the payload.
func NewEnvelope(name, source, cycle string, at time.Time, data any) (Envelope, string, error) {
	full, err := DataHash(data)
	if err != nil {
		return Envelope{}, "", fmt.Errorf("panel %s: %w", name, err)
	}
	return Envelope{
		Panel:       name,
		Version:     EnvelopeVersion,
		GeneratedAt: at.UTC(),
		UpdatedAt:   at.UTC(),
		Cycle:       cycle,
		Meta:        Meta{Source: source, Schema: EnvelopeSchema, Hash: ShortHash(full)},
		Data:        data,
	}, full, nil
}
