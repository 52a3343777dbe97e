package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var amendmentColumns = []string{
	"id", "framework_id", "framework_name", "amendment_date", "document_url", "local_path", "object_url",
	"state", "cancel_requested", "cancelled", "processed_date", "processing_error", "output_file",
	"extraction_summary", "matching_result", "created_at", "updated_at",
}

func amendmentRow(mock pgxmock.PgxPoolIface, id string, state model.AmendmentState, summary []byte) *pgxmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return mock.NewRows(amendmentColumns).AddRow(
		id, "fw-1", "PCI DSS", "2024-06-11", "https://example.com/a.pdf", "/tmp/a.pdf", "",
		string(state), false, false, (*time.Time)(nil), "", "",
		summary, []byte(nil), now, now,
	)
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS amendments`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO amendments`).
		WithArgs(pgxmock.AnyArg(), "fw-1", "PCI DSS", "2024-06-11", "https://example.com/a.pdf", "", "", "downloaded", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a := &model.Amendment{FrameworkID: "fw-1", FrameworkName: "PCI DSS", AmendmentDate: "2024-06-11", DocumentURL: "https://example.com/a.pdf"}
	require.NoError(t, s.Create(context.Background(), a))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, model.AmendmentDownloaded, a.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT id, framework_id, .* FROM amendments WHERE id = \$1`).
		WithArgs("a-1").
		WillReturnRows(amendmentRow(mock, "a-1", model.AmendmentProcessing, []byte(`{"total_policies":2}`)))

	got, err := s.Get(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.ID)
	assert.Equal(t, model.AmendmentProcessing, got.State)
	assert.JSONEq(t, `{"total_policies":2}`, string(got.ExtractionSummary))
	assert.Nil(t, got.MatchingResult)
	assert.Nil(t, got.ProcessedDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM amendments WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateState_Locked(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM amendments WHERE id = \$1`).
		WithArgs("a-2").
		WillReturnRows(amendmentRow(mock, "a-2", model.AmendmentDownloaded, nil))
	mock.ExpectExec(`UPDATE amendments SET state = \$1 .* AND NOT EXISTS`).
		WithArgs("processing", "", "a-2", "downloaded", "fw-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateState(context.Background(), "a-2", model.AmendmentProcessing, "")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindResourceLocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateState_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM amendments WHERE id = \$1`).
		WithArgs("a-2").
		WillReturnRows(amendmentRow(mock, "a-2", model.AmendmentDownloaded, nil))
	mock.ExpectExec(`UPDATE amendments`).
		WithArgs("processing", "", "a-2", "downloaded", "fw-1").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.UpdateState(context.Background(), "a-2", model.AmendmentProcessing, "")
	assert.True(t, model.IsKind(err, model.KindResourceLocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateState_Processed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM amendments WHERE id = \$1`).
		WithArgs("a-1").
		WillReturnRows(amendmentRow(mock, "a-1", model.AmendmentProcessing, nil))
	mock.ExpectExec(`UPDATE amendments SET state = \$1`).
		WithArgs("processed", "", "a-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateState(context.Background(), "a-1", model.AmendmentProcessed, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateState_Illegal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM amendments WHERE id = \$1`).
		WithArgs("a-1").
		WillReturnRows(amendmentRow(mock, "a-1", model.AmendmentProcessed, nil))

	err := s.UpdateState(context.Background(), "a-1", model.AmendmentProcessing, "")
	assert.True(t, model.IsKind(err, model.KindInputRejected))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RequestCancel(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE amendments SET cancel_requested = true`).
		WithArgs("a-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE amendments SET cancel_requested = true`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.RequestCancel(context.Background(), "a-1"))
	require.ErrorIs(t, s.RequestCancel(context.Background(), "missing"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetMatchingResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE amendments SET matching_result = \$1`).
		WithArgs(`{"reused_cached":false}`, "a-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.SetMatchingResult(context.Background(), "a-1", json.RawMessage(`{"reused_cached":false}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByFramework(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rows := amendmentRow(mock, "a-1", model.AmendmentProcessed, nil)
	now := time.Now()
	rows.AddRow("a-2", "fw-1", "PCI DSS", "2024-01-01", "", "", "", "failed", false, false, (*time.Time)(nil), "boom", "", []byte(nil), []byte(nil), now, now)
	mock.ExpectQuery(`FROM amendments WHERE framework_id = \$1 ORDER BY`).
		WithArgs("fw-1").
		WillReturnRows(rows)

	list, err := s.ListByFramework(context.Background(), "fw-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "boom", list[1].ProcessingError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
