package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/admission"
	"github.com/sells-group/grc-extract/internal/model"
)

// DefaultLargeFileMB is the size above which jobs wait for a queue slot.
const DefaultLargeFileMB = 10

// Runner executes submitted jobs in the background.
type Runner struct {
	pipeline   *Pipeline
	queue      *admission.Queue
	largeBytes int64

	wg sync.WaitGroup
}

// NewRunner creates a Runner. Files larger than largeFileMB go through
// queue; largeFileMB <= 0 uses DefaultLargeFileMB and a nil queue runs
// everything directly.
func NewRunner(p *Pipeline, queue *admission.Queue, largeFileMB int) *Runner {
	if largeFileMB <= 0 {
		largeFileMB = DefaultLargeFileMB
	}
	return &Runner{pipeline: p, queue: queue, largeBytes: int64(largeFileMB) << 20}
}

// Submit registers req with the tracker and starts it in the background.
// It returns the task id to poll. The run is detached from ctx
// cancellation.
func (r *Runner) Submit(ctx context.Context, req Request) string {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	tracker := r.pipeline.Tracker()
	tracker.Create(req.TaskID, "Queued for processing")

	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log := zap.L().With(zap.String("task_id", req.TaskID))

		job := func(ctx context.Context) error {
			_, err := r.pipeline.Process(ctx, req)
			return err
		}

		var err error
		if r.queue != nil && r.large(req.PDFPath) {
			log.Info("pipeline: large file routed through admission queue", zap.Int64("threshold_bytes", r.largeBytes))
			tracker.Update(req.TaskID, model.TaskQueued, 0, r.queueMessage(req.TaskID))
			err = r.queue.Process(runCtx, req.TaskID, job)
			if err != nil {
				// Process reports its own failures; this covers admission.
				tracker.Fail(req.TaskID, err)
			}
		} else {
			err = job(runCtx)
		}
		if err != nil {
			log.Warn("pipeline: task failed", zap.Error(err))
		}
	}()
	return req.TaskID
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) large(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > r.largeBytes
}

func (r *Runner) queueMessage(id string) string {
	if pos := r.queue.Position(id); pos > 0 {
		return fmt.Sprintf("Waiting in queue (position %d)", pos)
	}
	return "Waiting for a processing slot"
}
