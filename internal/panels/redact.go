package panels

import (
	"fmt"
	"regexp"

	"github.com/g6run/g6run/internal/pipeline"
)

// Redactor scrubs configured patterns out of free-text error fields before
// they reach disk. It touches Message only: phases, classifications and
// hashes pass through untouched so artifacts stay recomputable.
type Redactor struct {
	patterns    []*regexp.Regexp
	replacement string
}

// NewRedactor compiles the configured patterns. A bad pattern is a load
// error, not a runtime surprise.
func NewRedactor(patterns []string, replacement string) (*Redactor, error) {
	r := &Redactor{replacement: replacement}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("panels.redact_patterns %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// String applies every pattern to s.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Export returns a scrubbed copy of the export with its hash recomputed
// over the scrubbed records. The caller's records are never mutated.
func (r *Redactor) Export(e pipeline.ErrorExport) pipeline.ErrorExport {
	if r == nil || len(r.patterns) == 0 {
		return e
	}
	out := e
	out.Records = make([]pipeline.ErrorExportRecord, len(e.Records))
	for i, rec := range e.Records {
		rec.Message = r.String(rec.Message)
		out.Records[i] = rec
	}
	out.Hash = pipeline.ContentHash(out.Records)
	return out
}
