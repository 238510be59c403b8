package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/metrics"
)

const optionRowsSchema = `
CREATE TABLE IF NOT EXISTS option_rows (
	id           BIGSERIAL PRIMARY KEY,
	index_name   TEXT             NOT NULL,
	rule         TEXT             NOT NULL,
	expiry_date  DATE             NOT NULL,
	strike       DOUBLE PRECISION NOT NULL,
	collected_at TIMESTAMPTZ      NOT NULL,
	ce_price     DOUBLE PRECISION,
	ce_bid       DOUBLE PRECISION,
	ce_ask       DOUBLE PRECISION,
	ce_volume    BIGINT,
	ce_oi        BIGINT,
	ce_iv        DOUBLE PRECISION,
	ce_delta     DOUBLE PRECISION,
	ce_gamma     DOUBLE PRECISION,
	ce_theta     DOUBLE PRECISION,
	ce_vega      DOUBLE PRECISION,
	ce_rho       DOUBLE PRECISION,
	pe_price     DOUBLE PRECISION,
	pe_bid       DOUBLE PRECISION,
	pe_ask       DOUBLE PRECISION,
	pe_volume    BIGINT,
	pe_oi        BIGINT,
	pe_iv        DOUBLE PRECISION,
	pe_delta     DOUBLE PRECISION,
	pe_gamma     DOUBLE PRECISION,
	pe_theta     DOUBLE PRECISION,
	pe_vega      DOUBLE PRECISION,
	pe_rho       DOUBLE PRECISION,
	CONSTRAINT option_rows_unique UNIQUE (index_name, expiry_date, strike, collected_at)
)`

const insertOptionRow = `INSERT INTO option_rows (
	index_name, rule, expiry_date, strike, collected_at,
	ce_price, ce_bid, ce_ask, ce_volume, ce_oi, ce_iv,
	ce_delta, ce_gamma, ce_theta, ce_vega, ce_rho,
	pe_price, pe_bid, pe_ask, pe_volume, pe_oi, pe_iv,
	pe_delta, pe_gamma, pe_theta, pe_vega, pe_rho
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
ON CONFLICT ON CONSTRAINT option_rows_unique DO NOTHING`

// Postgres writes strike rows into the option_rows table, one transaction
// per expiry. Conflicting rows are deduplicated, never an error.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
	reg     *metrics.Registry
	batch   *metrics.Batcher
}

// OpenPostgres dials the configured DSN. Connection health surfaces on
// first use, not here.
func OpenPostgres(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// NewPostgres wraps an open handle with the sink's timeout and metrics.
func NewPostgres(db *sqlx.DB, cfg config.PostgresConfig, reg *metrics.Registry, batch *metrics.Batcher) *Postgres {
	timeout := time.Duration(cfg.QueryTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{db: db, timeout: timeout, reg: reg, batch: batch}
}

// Name identifies the sink in metrics and logs.
func (s *Postgres) Name() string { return "postgres" }

// EnsureSchema bootstraps the option_rows table.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, optionRowsSchema); err != nil {
		return fmt.Errorf("ensure option_rows schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

// WriteExpiry inserts one cycle's rows in a single transaction. Rows
// already present for the same (index, expiry, strike, collected_at) are
// skipped and counted as duplicates.
func (s *Postgres) WriteExpiry(ctx context.Context, index string, rule domain.Rule, expiry string, at time.Time, options []domain.EnrichedOption) (int, error) {
	if len(options) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.batch.Inc(metrics.MSinkErrors, "postgres")
		return 0, fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	written, dups := 0, 0
	for _, row := range BuildRows(options) {
		res, err := tx.ExecContext(ctx, insertOptionRow, rowArgs(index, rule, expiry, at, row)...)
		if err != nil {
			if isDuplicate(err) {
				dups++
				continue
			}
			s.batch.Inc(metrics.MSinkErrors, "postgres")
			return 0, fmt.Errorf("postgres sink: insert strike %g: %w", row.Strike, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			dups++
		} else {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		s.batch.Inc(metrics.MSinkErrors, "postgres")
		return 0, fmt.Errorf("postgres sink: commit: %w", err)
	}

	if dups > 0 {
		s.batch.Add(float64(dups), metrics.MSinkDuplicates, "postgres")
		log.Debug().Str("index", index).Str("expiry", expiry).Int("duplicates", dups).
			Msg("postgres sink skipped duplicate rows")
	}
	s.batch.Add(float64(written), metrics.MSinkRows, "postgres")
	s.reg.Observe(metrics.MSinkFlushDuration, time.Since(start).Seconds(), "postgres")
	return written, nil
}

// isDuplicate matches unique-violation errors surfaced despite the
// ON CONFLICT clause (older servers, pooling proxies).
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func rowArgs(index string, rule domain.Rule, expiry string, at time.Time, row OptionRow) []any {
	args := make([]any, 0, 27)
	args = append(args, index, rule.String(), expiry, row.Strike, at.UTC())
	args = append(args, legArgs(row.CE)...)
	args = append(args, legArgs(row.PE)...)
	return args
}

func legArgs(opt *domain.EnrichedOption) []any {
	if opt == nil {
		return []any{nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil}
	}
	return []any{
		opt.Quote.LastPrice, opt.Quote.Bid, opt.Quote.Ask,
		opt.Quote.Volume, opt.Quote.OI, opt.IV,
		opt.Greeks.Delta, opt.Greeks.Gamma, opt.Greeks.Theta,
		opt.Greeks.Vega, opt.Greeks.Rho,
	}
}
