package amendment

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/store"
)

// StoreCancelCheck reads cancel_requested from the amendment record.
// Lookup failures do not cancel.
func StoreCancelCheck(st store.AmendmentStore) CancelFunc {
	return func(ctx context.Context, amendmentID string) bool {
		a, err := st.Get(ctx, amendmentID)
		if err != nil {
			zap.L().Debug("amendment: cancel lookup failed", zap.String("amendment_id", amendmentID), zap.Error(err))
			return false
		}
		return a.CancelRequested
	}
}

// Service owns the amendment lifecycle. Start marks the record processing
// and returns; the worker records the outcome on the store.
type Service struct {
	store     store.AmendmentStore
	proc      *Processor
	outputDir string

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	onDone func(*model.Amendment, *Result)
}

// NewService creates a Service. Workers outlive the request that started
// them and stop when Close is called.
func NewService(st store.AmendmentStore, proc *Processor, outputDir string) *Service {
	ctx, stop := context.WithCancel(context.Background())
	return &Service{store: st, proc: proc, outputDir: outputDir, ctx: ctx, stop: stop}
}

// OnDone registers a hook run after each worker finishes.
func (s *Service) OnDone(fn func(*model.Amendment, *Result)) {
	s.onDone = fn
}

// Register records a downloaded amendment document.
func (s *Service) Register(ctx context.Context, a *model.Amendment) error {
	if a.FrameworkID == "" || a.LocalPath == "" {
		return model.NewError(model.KindInputRejected, "framework id and local path are required", nil)
	}
	return s.store.Create(ctx, a)
}

// Start moves the amendment to processing and launches the worker. It
// fails with KindResourceLocked while another amendment of the same
// framework is processing.
func (s *Service) Start(ctx context.Context, id string) (*model.Amendment, error) {
	if err := s.store.UpdateState(ctx, id, model.AmendmentProcessing, ""); err != nil {
		return nil, err
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work(a)
	}()
	zap.L().Info("amendment: worker started", zap.String("amendment_id", id), zap.String("framework_id", a.FrameworkID))
	return a, nil
}

func (s *Service) work(a *model.Amendment) {
	ctx := s.ctx
	log := zap.L().With(zap.String("amendment_id", a.ID))

	cur, err := s.store.Get(ctx, a.ID)
	if err != nil || cur.State != model.AmendmentProcessing {
		log.Warn("amendment: record no longer processing, worker exits", zap.Error(err))
		return
	}

	res := s.proc.Process(ctx, Request{
		AmendmentID:   a.ID,
		PDFPath:       a.LocalPath,
		FrameworkName: a.FrameworkName,
		FrameworkID:   a.FrameworkID,
		AmendmentDate: a.AmendmentDate,
		OutputDir:     s.outputDir,
	})

	if res.Data != nil {
		summary, err := json.Marshal(res.Data.Summary)
		if err == nil {
			err = s.store.SetExtraction(ctx, a.ID, summary, res.OutputFile)
		}
		if err != nil {
			log.Error("amendment: save extraction summary", zap.Error(err))
		}
	}

	next, msg := model.AmendmentProcessed, ""
	switch {
	case res.Cancelled():
		next = model.AmendmentCancelled
	case !res.Success:
		next, msg = model.AmendmentFailed, res.Error
	}
	// The worker context may be closing; the final state still has to land.
	if err := s.store.UpdateState(context.WithoutCancel(ctx), a.ID, next, msg); err != nil {
		log.Error("amendment: record final state", zap.String("state", string(next)), zap.Error(err))
	}
	log.Info("amendment: worker finished", zap.String("state", string(next)))

	if s.onDone != nil {
		if final, err := s.store.Get(context.WithoutCancel(ctx), a.ID); err == nil {
			s.onDone(final, res)
		}
	}
}

// Cancel sets cancel_requested. The worker stops at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Amendment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State.Terminal() {
		return a, model.Errorf(model.KindInputRejected, "amendment %s is already %s", id, a.State)
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	zap.L().Info("amendment: cancel requested", zap.String("amendment_id", id))
	return s.store.Get(ctx, id)
}

// Get returns the amendment record.
func (s *Service) Get(ctx context.Context, id string) (*model.Amendment, error) {
	return s.store.Get(ctx, id)
}

// Wait blocks until every started worker has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels running workers and waits for them.
func (s *Service) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

// Output loads the combined JSON of a processed amendment.
func (s *Service) Output(ctx context.Context, id string) (*Output, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OutputFile == "" {
		return nil, model.Errorf(model.KindInputRejected, "amendment %s has no output yet", id)
	}
	return ReadOutput(a.OutputFile)
}
