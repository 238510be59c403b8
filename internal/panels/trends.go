package panels

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/g6run/g6run/internal/metrics"
)

// TrendPoint is one cycle in the rolling series: outcome, phase accounting
// and the cycle's error content hash.
type TrendPoint struct {
	Cycle       string    `json:"cycle"`
	Time        time.Time `json:"time"`
	Success     bool      `json:"success"`
	SuccessRate float64   `json:"success_rate"`
	Options     int       `json:"options"`
	PhasesTotal int       `json:"phases_total"`
	PhasesOK    int       `json:"phases_ok"`
	PhaseErrors int       `json:"phase_errors"`
	Errors      int       `json:"errors"`
	Hash        string    `json:"hash"`
}

// TrendAggregate folds the retained points so the file carries its own
// window totals.
type TrendAggregate struct {
	Cycles           int     `json:"cycles"`
	SuccessCycles    int     `json:"success_cycles"`
	SuccessRate      float64 `json:"success_rate"`
	ErrorsTotal      int     `json:"errors_total"`
	PhaseErrorsTotal int     `json:"phase_errors_total"`
	PhasesTotal      int     `json:"phases_total"`
}

// Trends is the persisted rolling series.
type Trends struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Limit     int            `json:"limit"`
	Aggregate TrendAggregate `json:"aggregate"`
	Points    []TrendPoint   `json:"points"`
}

// loadTrends reads the existing series; a missing or corrupt file starts a
// fresh one rather than wedging the cycle.
func loadTrends(path string) Trends {
	var t Trends
	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return Trends{}
	}
	return t
}

// appendTrend folds this cycle into the series, clamps it to the limit and
// recomputes the aggregate over what is retained.
func (w *Writer) appendTrend(art CycleArtifacts, at time.Time, records int, errHash string) error {
	path := filepath.Join(w.cfg.Dir, FileTrends)
	t := loadTrends(path)
	t.Points = append(t.Points, TrendPoint{
		Cycle:       art.Cycle,
		Time:        at,
		Success:     art.Stats.IndicesFailed == 0,
		SuccessRate: art.Stats.SuccessRate,
		Options:     art.Stats.OptionsWritten,
		PhasesTotal: art.Stats.PhasesTotal,
		PhasesOK:    art.Stats.PhasesOK,
		PhaseErrors: art.Stats.PhasesError,
		Errors:      records,
		Hash:        errHash,
	})
	if len(t.Points) > w.limit {
		t.Points = t.Points[len(t.Points)-w.limit:]
	}
	t.UpdatedAt = at
	t.Limit = w.limit
	t.Aggregate = aggregateTrends(t.Points)

	if err := w.writeFile(FileTrends, t); err != nil {
		w.batch.Inc(metrics.MPanelWriteErrors, "trends")
		return err
	}
	w.batch.Inc(metrics.MPanelsWritten, "trends")
	return nil
}

func aggregateTrends(points []TrendPoint) TrendAggregate {
	agg := TrendAggregate{Cycles: len(points)}
	for _, p := range points {
		if p.Success {
			agg.SuccessCycles++
		}
		agg.ErrorsTotal += p.Errors
		agg.PhaseErrorsTotal += p.PhaseErrors
		agg.PhasesTotal += p.PhasesTotal
	}
	if agg.Cycles > 0 {
		agg.SuccessRate = float64(agg.SuccessCycles) / float64(agg.Cycles)
	}
	return agg
}
