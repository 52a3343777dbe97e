package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/model"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	st := tr.Create("t1", "queued")
	assert.Equal(t, model.TaskQueued, st.Status)
	assert.Zero(t, st.Progress)

	tr.Update("t1", model.TaskUploading, 10, "uploading")
	tr.Update("t1", model.TaskProcessing, 40, "sections")

	// Regressions keep the furthest state and progress.
	tr.Update("t1", model.TaskQueued, 20, "late report")
	got, ok := tr.Get("t1")
	require.True(t, ok)
	assert.Equal(t, model.TaskProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "late report", got.Message)

	tr.Complete("t1", "done", map[string]int{"policies": 3})
	got, _ = tr.Get("t1")
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, map[string]int{"policies": 3}, got.Data)

	// Terminal states are final.
	tr.Update("t1", model.TaskProcessing, 50, "again")
	tr.Fail("t1", assert.AnError)
	got, _ = tr.Get("t1")
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Message)
}

func TestTracker_Fail(t *testing.T) {
	tr := NewTracker()
	tr.Create("t2", "queued")
	tr.Update("t2", model.TaskProcessing, 30, "policies")
	tr.Fail("t2", model.Errorf(model.KindExtractionIncomplete, "no sections"))

	got, _ := tr.Get("t2")
	assert.Equal(t, model.TaskError, got.Status)
	assert.Equal(t, ErrorProgress, got.Progress)
	assert.Equal(t, "no sections", got.Message)
	body, ok := got.Data.(model.ErrorBody)
	require.True(t, ok)
	assert.Equal(t, model.KindExtractionIncomplete, body.Kind)
}

func TestTracker_UpdateUnknownAndClamp(t *testing.T) {
	tr := NewTracker()
	tr.Update("t3", model.TaskProcessing, 250, "working")
	got, ok := tr.Get("t3")
	require.True(t, ok)
	assert.Equal(t, model.TaskProcessing, got.Status)
	assert.Equal(t, 100, got.Progress)

	_, ok = tr.Get("missing")
	assert.False(t, ok)
}

func TestTracker_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Create("old-done", "")
	tr.Complete("old-done", "done", nil)
	tr.Create("old-running", "")
	tr.Update("old-running", model.TaskProcessing, 10, "")

	now = now.Add(2 * time.Hour)
	tr.Create("new-done", "")
	tr.Complete("new-done", "done", nil)

	assert.Equal(t, 1, tr.Prune(time.Hour))
	_, ok := tr.Get("old-done")
	assert.False(t, ok)
	_, ok = tr.Get("old-running")
	assert.True(t, ok)
	_, ok = tr.Get("new-done")
	assert.True(t, ok)
}
