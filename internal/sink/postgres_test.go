package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/metrics"
)

func newPostgresSink(t *testing.T) (*Postgres, sqlmock.Sqlmock, *metrics.Registry) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "postgres")
	reg, batch := newSinkMetrics(t)
	s := NewPostgres(db, config.PostgresConfig{Enabled: true, QueryTimeoutSeconds: 5}, reg, batch)
	return s, mock, reg
}

func insertArgs(index string, rule domain.Rule, expiry string, at time.Time, row OptionRow) []driver.Value {
	args := rowArgs(index, rule, expiry, at, row)
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func TestPostgresEnsureSchema(t *testing.T) {
	s, mock, _ := newPostgresSink(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS option_rows").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWritesStrikeRowsInOneTransaction(t *testing.T) {
	s, mock, reg := newPostgresSink(t)
	options := []domain.EnrichedOption{
		leg(24800, domain.CallOption, 120),
		leg(24800, domain.PutOption, 119),
		leg(24850, domain.CallOption, 95),
	}

	mock.ExpectBegin()
	for _, row := range BuildRows(options) {
		mock.ExpectExec("INSERT INTO option_rows").
			WithArgs(insertArgs("NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp, row)...).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	n, err := s.WriteExpiry(context.Background(), "NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp, options)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2.0, metricValue(t, reg, metrics.MSinkRows, map[string]string{"sink": "postgres"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConflictCountsDuplicate(t *testing.T) {
	s, mock, reg := newPostgresSink(t)
	options := []domain.EnrichedOption{
		leg(24800, domain.CallOption, 120),
		leg(24850, domain.CallOption, 95),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO option_rows").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO option_rows").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.WriteExpiry(context.Background(), "NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp, options)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, metricValue(t, reg, metrics.MSinkDuplicates, map[string]string{"sink": "postgres"}))
	assert.Equal(t, 1.0, metricValue(t, reg, metrics.MSinkRows, map[string]string{"sink": "postgres"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationIsNotAnError(t *testing.T) {
	s, mock, reg := newPostgresSink(t)
	options := []domain.EnrichedOption{
		leg(24800, domain.CallOption, 120),
		leg(24850, domain.CallOption, 95),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO option_rows").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("INSERT INTO option_rows").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := s.WriteExpiry(context.Background(), "NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp, options)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, metricValue(t, reg, metrics.MSinkDuplicates, map[string]string{"sink": "postgres"}))
	assert.Zero(t, metricValue(t, reg, metrics.MSinkErrors, map[string]string{"sink": "postgres"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertFailureRollsBack(t *testing.T) {
	s, mock, reg := newPostgresSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO option_rows").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	n, err := s.WriteExpiry(context.Background(), "NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp,
		[]domain.EnrichedOption{leg(24800, domain.CallOption, 120)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert strike")
	assert.Zero(t, n)
	assert.Equal(t, 1.0, metricValue(t, reg, metrics.MSinkErrors, map[string]string{"sink": "postgres"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresNoOptionsSkipsTransaction(t *testing.T) {
	s, mock, _ := newPostgresSink(t)

	n, err := s.WriteExpiry(context.Background(), "NIFTY", domain.RuleThisWeek, "2026-08-27", sinkStamp, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
