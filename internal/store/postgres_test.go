package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func newMockPostgresStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for range schemaStatements(DriverPostgres) {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := New(context.Background(), db, DriverPostgres, WithLogger(utils.Discard()))
	require.NoError(t, err)
	return s, mock
}

func TestPostgresSchemaUsesSerialIDs(t *testing.T) {
	for _, stmt := range schemaStatements(DriverPostgres) {
		assert.NotContains(t, stmt, "AUTOINCREMENT")
	}
	joined := ""
	for _, stmt := range schemaStatements(DriverPostgres) {
		joined += stmt
	}
	assert.Contains(t, joined, "BIGSERIAL PRIMARY KEY")
	assert.Contains(t, joined, "DOUBLE PRECISION")
}

func TestPostgresGetIssueRebindsAndMapsNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM issues WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetIssue(context.Background(), 7)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountsSurfacesDriverErrors(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) FROM issues GROUP BY status")).
		WillReturnError(boom)

	_, err := s.Counts(context.Background())
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveBreakerUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (class) DO UPDATE")).
		WithArgs("svc", 2, nil, nil, 0, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveBreaker(context.Background(), models.CircuitBreakerState{Class: "svc", ConsecutiveFailures: 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRollsBackFailedEscalation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM escalations WHERE issue_id = $1 AND resolved_at IS NULL")).
		WithArgs(int64(3)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM issues WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := s.OpenEscalation(context.Background(), 3, models.SeverityHigh, models.StatusUpdate{Detail: "threshold"})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
