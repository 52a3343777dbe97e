package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/config"
	"github.com/sells-group/grc-extract/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newAmendment(t *testing.T, st AmendmentStore, frameworkID, date string) *model.Amendment {
	t.Helper()
	a := &model.Amendment{
		FrameworkID:   frameworkID,
		FrameworkName: "PCI DSS",
		AmendmentDate: date,
		DocumentURL:   "https://example.com/" + date + ".pdf",
		LocalPath:     "/tmp/" + date + ".pdf",
	}
	require.NoError(t, st.Create(context.Background(), a))
	return a
}

func TestSQLite_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, model.AmendmentDownloaded, a.State)

	got, err := st.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fw-1", got.FrameworkID)
	assert.Equal(t, "PCI DSS", got.FrameworkName)
	assert.Equal(t, "2024-06-11", got.AmendmentDate)
	assert.Equal(t, a.DocumentURL, got.DocumentURL)
	assert.Equal(t, model.AmendmentDownloaded, got.State)
	assert.False(t, got.CancelRequested)
	assert.Nil(t, got.ProcessedDate)
	assert.Nil(t, got.ExtractionSummary)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_GetNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")

	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentProcessing, ""))
	require.NoError(t, st.SetExtraction(ctx, a.ID, json.RawMessage(`{"total_policies":3}`), "/out/a.json"))
	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentProcessed, ""))

	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentProcessed, got.State)
	require.NotNil(t, got.ProcessedDate)
	assert.JSONEq(t, `{"total_policies":3}`, string(got.ExtractionSummary))
	assert.Equal(t, "/out/a.json", got.OutputFile)

	// Terminal states are final.
	err = st.UpdateState(ctx, a.ID, model.AmendmentFailed, "late")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
}

func TestSQLite_FailedKeepsError(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")

	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentProcessing, ""))
	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentFailed, "index: no sections"))

	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentFailed, got.State)
	assert.Equal(t, "index: no sections", got.ProcessingError)
	assert.Nil(t, got.ProcessedDate)
}

func TestSQLite_CancelFlow(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")

	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentProcessing, ""))
	require.NoError(t, st.RequestCancel(ctx, a.ID))

	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.False(t, got.Cancelled)

	require.NoError(t, st.UpdateState(ctx, a.ID, model.AmendmentCancelled, ""))
	got, err = st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentCancelled, got.State)
	assert.True(t, got.Cancelled)

	require.ErrorIs(t, st.RequestCancel(ctx, "missing"), ErrNotFound)
}

func TestSQLite_OneProcessingPerFramework(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	first := newAmendment(t, st, "fw-1", "2024-06-11")
	second := newAmendment(t, st, "fw-1", "2024-09-01")
	other := newAmendment(t, st, "fw-2", "2024-09-01")

	require.NoError(t, st.UpdateState(ctx, first.ID, model.AmendmentProcessing, ""))

	err := st.UpdateState(ctx, second.ID, model.AmendmentProcessing, "")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindResourceLocked))

	require.NoError(t, st.UpdateState(ctx, other.ID, model.AmendmentProcessing, ""))

	require.NoError(t, st.UpdateState(ctx, first.ID, model.AmendmentProcessed, ""))
	require.NoError(t, st.UpdateState(ctx, second.ID, model.AmendmentProcessing, ""))
}

func TestSQLite_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")

	for _, next := range []model.AmendmentState{model.AmendmentProcessed, model.AmendmentFailed, model.AmendmentCancelled, model.AmendmentDownloaded} {
		err := st.UpdateState(ctx, a.ID, next, "")
		require.Error(t, err, "downloaded -> %s", next)
	}
	require.ErrorIs(t, st.UpdateState(ctx, "missing", model.AmendmentProcessing, ""), ErrNotFound)
}

func TestSQLite_MatchingResult(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	a := newAmendment(t, st, "fw-1", "2024-06-11")

	require.NoError(t, st.SetMatchingResult(ctx, a.ID, json.RawMessage(`{"matches":[]}`)))
	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"matches":[]}`, string(got.MatchingResult))

	require.NoError(t, st.SetMatchingResult(ctx, a.ID, nil))
	got, err = st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MatchingResult)

	require.ErrorIs(t, st.SetMatchingResult(ctx, "missing", nil), ErrNotFound)
	require.ErrorIs(t, st.SetExtraction(ctx, "missing", nil, ""), ErrNotFound)
}

func TestSQLite_ListByFramework(t *testing.T) {
	st := newTestSQLiteStore(t)
	newAmendment(t, st, "fw-1", "2024-01-01")
	newAmendment(t, st, "fw-1", "2024-09-01")
	newAmendment(t, st, "fw-2", "2024-05-01")

	list, err := st.ListByFramework(context.Background(), "fw-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2024-09-01", list[0].AmendmentDate)
	assert.Equal(t, "2024-01-01", list[1].AmendmentDate)

	list, err = st.ListByFramework(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpen(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "grc.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	newAmendment(t, st, "fw-1", "2024-06-11")

	_, err = Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
