package pipeline

import (
	"sync"
	"time"

	"github.com/sells-group/grc-extract/internal/model"
)

// ErrorProgress is the progress reported for a failed task.
const ErrorProgress = -1

var stateRank = map[model.TaskState]int{
	model.TaskQueued:     0,
	model.TaskUploading:  1,
	model.TaskProcessing: 2,
	model.TaskCompleted:  3,
	model.TaskError:      3,
}

// Tracker is the process-local task status map polled by callers. Within a
// task the state only moves forward and progress never decreases; a
// terminal status is final.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*model.TaskStatus
	now   func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: map[string]*model.TaskStatus{}, now: time.Now}
}

// Create registers id as queued. An existing record is reset.
func (t *Tracker) Create(id, message string) model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &model.TaskStatus{TaskID: id, Status: model.TaskQueued, Message: message, UpdatedAt: t.now().UTC()}
	t.tasks[id] = st
	return *st
}

// Update moves id to state with the given progress. Regressions in state
// or progress are ignored; the message is always refreshed unless the task
// already finished.
func (t *Tracker) Update(id string, state model.TaskState, progress int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tasks[id]
	if !ok {
		st = &model.TaskStatus{TaskID: id, Status: model.TaskQueued}
		t.tasks[id] = st
	}
	if st.Status.Terminal() {
		return
	}
	if stateRank[state] >= stateRank[st.Status] {
		st.Status = state
	}
	st.Progress = max(st.Progress, min(progress, 100))
	st.Message = message
	st.UpdatedAt = t.now().UTC()
}

// Complete marks id completed at 100% with data attached.
func (t *Tracker) Complete(id, message string, data any) {
	t.finish(id, model.TaskCompleted, 100, message, data)
}

// Fail marks id as errored with the error's message.
func (t *Tracker) Fail(id string, err error) {
	t.finish(id, model.TaskError, ErrorProgress, err.Error(), model.NewErrorBody(err))
}

func (t *Tracker) finish(id string, state model.TaskState, progress int, message string, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tasks[id]
	if !ok {
		st = &model.TaskStatus{TaskID: id}
		t.tasks[id] = st
	}
	if st.Status.Terminal() {
		return
	}
	st.Status = state
	st.Progress = progress
	st.Message = message
	st.Data = data
	st.UpdatedAt = t.now().UTC()
}

// Get returns a copy of the status for id.
func (t *Tracker) Get(id string) (model.TaskStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.tasks[id]
	if !ok {
		return model.TaskStatus{}, false
	}
	return *st, true
}

// Prune drops finished tasks last updated more than maxAge ago and returns
// how many were removed.
func (t *Tracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().UTC().Add(-maxAge)
	n := 0
	for id, st := range t.tasks {
		if st.Status.Terminal() && st.UpdatedAt.Before(cutoff) {
			delete(t.tasks, id)
			n++
		}
	}
	return n
}
