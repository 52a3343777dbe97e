package admission

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/resilience"
)

// Queue entry settings.
const (
	DefaultMaxConcurrent = 2
	maxEstimatedWait     = 60 * time.Second
	entryAttempts        = 10
	entryPause           = 2 * time.Second
	defaultJobDuration   = 30 * time.Second
)

// ErrQueueTimeout is returned when a request could not get a processing
// slot after all entry attempts.
var ErrQueueTimeout = model.NewError(model.KindInputRejected, "processing queue is full, try again later", nil)

// Status is a snapshot of the queue.
type Status struct {
	Queued        int      `json:"queued"`
	Processing    int      `json:"processing"`
	MaxConcurrent int      `json:"max_concurrent"`
	Waiting       []string `json:"waiting,omitempty"`
}

// Queue admits at most maxConcurrent jobs into processing. Waiting jobs
// enter in arrival order.
type Queue struct {
	max   int
	slots *semaphore.Weighted
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	waiting    []string
	processing int
	avgJob     time.Duration
}

// NewQueue creates a Queue. maxConcurrent <= 0 uses 2.
func NewQueue(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Queue{
		max:    maxConcurrent,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		sleep:  resilience.Sleep,
		avgJob: defaultJobDuration,
	}
}

// Process runs fn once a processing slot is free. When no slot is free
// the request waits its estimated turn (at most 60s) and then tries to
// enter up to ten times, two seconds apart.
func (q *Queue) Process(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	log := zap.L().With(zap.String("request_id", id))

	q.mu.Lock()
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()

	if q.tryEnter(id) {
		return q.run(ctx, fn)
	}

	wait := q.estimate(id)
	log.Info("admission: queued",
		zap.Int("position", q.Position(id)),
		zap.Duration("estimated_wait", wait),
	)
	if err := q.sleep(ctx, wait); err != nil {
		q.leave(id)
		return err
	}

	for attempt := 1; attempt <= entryAttempts; attempt++ {
		if q.tryEnter(id) {
			return q.run(ctx, fn)
		}
		if attempt == entryAttempts {
			break
		}
		if err := q.sleep(ctx, entryPause); err != nil {
			q.leave(id)
			return err
		}
	}

	q.leave(id)
	log.Warn("admission: gave up waiting for a slot", zap.Int("attempts", entryAttempts))
	return ErrQueueTimeout
}

// tryEnter takes a slot for id if one is free and every request ahead of
// id could also take one.
func (q *Queue) tryEnter(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := slices.Index(q.waiting, id)
	if pos < 0 || pos >= q.max-q.processing {
		return false
	}
	if !q.slots.TryAcquire(1) {
		return false
	}
	q.waiting = slices.Delete(q.waiting, pos, pos+1)
	q.processing++
	return true
}

func (q *Queue) run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		q.mu.Lock()
		q.processing--
		// Exponential moving average of job time for wait estimates.
		q.avgJob = (q.avgJob*4 + time.Since(start)) / 5
		q.mu.Unlock()
		q.slots.Release(1)
	}()
	return fn(ctx)
}

func (q *Queue) leave(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos := slices.Index(q.waiting, id); pos >= 0 {
		q.waiting = slices.Delete(q.waiting, pos, pos+1)
	}
}

// estimate is the expected wait for id from its position and the average
// job time, capped at 60s.
func (q *Queue) estimate(id string) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := max(slices.Index(q.waiting, id), 0)
	rounds := pos/q.max + 1
	return min(time.Duration(rounds)*q.avgJob, maxEstimatedWait)
}

// Position returns the 0-based place of id among waiting requests, or -1.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Index(q.waiting, id)
}

// Status reports queue occupancy.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		Queued:        len(q.waiting),
		Processing:    q.processing,
		MaxConcurrent: q.max,
	}
	if len(q.waiting) > 0 {
		st.Waiting = slices.Clone(q.waiting)
	}
	return st
}
