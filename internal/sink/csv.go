package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/ioatomic"
	"github.com/g6run/g6run/internal/metrics"
)

var csvColumns = []string{
	"timestamp", "index", "rule", "expiry", "strike",
	"ce_price", "ce_bid", "ce_ask", "ce_volume", "ce_oi",
	"ce_iv", "ce_delta", "ce_gamma", "ce_theta", "ce_vega", "ce_rho",
	"pe_price", "pe_bid", "pe_ask", "pe_volume", "pe_oi",
	"pe_iv", "pe_delta", "pe_gamma", "pe_theta", "pe_vega", "pe_rho",
}

// CSV appends strike rows to one file per (index, expiry) under the
// configured directory. New files are created atomically with the header so
// readers never see a header-less file.
type CSV struct {
	dir   string
	reg   *metrics.Registry
	batch *metrics.Batcher
}

// NewCSV wires the CSV sink at dir.
func NewCSV(dir string, reg *metrics.Registry, batch *metrics.Batcher) *CSV {
	return &CSV{dir: dir, reg: reg, batch: batch}
}

// Name identifies the sink in metrics and logs.
func (s *CSV) Name() string { return "csv" }

// Path is the target file for one (index, expiry).
func (s *CSV) Path(index, expiry string) string {
	return filepath.Join(s.dir, index, expiry+".csv")
}

// WriteExpiry appends one cycle's rows, returning the row count.
func (s *CSV) WriteExpiry(ctx context.Context, index string, rule domain.Rule, expiry string, at time.Time, options []domain.EnrichedOption) (int, error) {
	if len(options) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()

	rows := BuildRows(options)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(csvRecord(index, rule, expiry, at, row)); err != nil {
			s.batch.Inc(metrics.MSinkErrors, "csv")
			return 0, fmt.Errorf("csv sink: encode row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.batch.Inc(metrics.MSinkErrors, "csv")
		return 0, fmt.Errorf("csv sink: flush rows: %w", err)
	}

	header := []byte(strings.Join(csvColumns, ",") + "\n")
	path := s.Path(index, expiry)
	if err := ioatomic.AppendOrCreate(path, header, buf.Bytes()); err != nil {
		s.batch.Inc(metrics.MSinkErrors, "csv")
		return 0, fmt.Errorf("csv sink %s: %w", path, err)
	}

	s.batch.Add(float64(len(rows)), metrics.MSinkRows, "csv")
	s.reg.Observe(metrics.MSinkFlushDuration, time.Since(start).Seconds(), "csv")
	return len(rows), nil
}

func csvRecord(index string, rule domain.Rule, expiry string, at time.Time, row OptionRow) []string {
	rec := make([]string, 0, len(csvColumns))
	rec = append(rec,
		at.UTC().Format(time.RFC3339),
		index,
		rule.String(),
		expiry,
		formatFloat(row.Strike),
	)
	rec = append(rec, legFields(row.CE)...)
	rec = append(rec, legFields(row.PE)...)
	return rec
}

// legFields renders one leg's 11 columns; a missing leg stays empty.
func legFields(opt *domain.EnrichedOption) []string {
	if opt == nil {
		return make([]string, 11)
	}
	return []string{
		formatFloat(opt.Quote.LastPrice),
		formatFloat(opt.Quote.Bid),
		formatFloat(opt.Quote.Ask),
		strconv.FormatInt(opt.Quote.Volume, 10),
		strconv.FormatInt(opt.Quote.OI, 10),
		formatFloat(opt.IV),
		formatFloat(opt.Greeks.Delta),
		formatFloat(opt.Greeks.Gamma),
		formatFloat(opt.Greeks.Theta),
		formatFloat(opt.Greeks.Vega),
		formatFloat(opt.Greeks.Rho),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
