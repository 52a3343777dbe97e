package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/admission"
	"github.com/sells-group/grc-extract/internal/cache"
	"github.com/sells-group/grc-extract/internal/config"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/preprocess"
	"github.com/sells-group/grc-extract/internal/resilience"
	"github.com/sells-group/grc-extract/internal/router"
)

// Call is a JSON-returning model call.
type Call struct {
	Task   router.Task
	System string
	Prompt string
	// Content is the document text embedded in Prompt. Routing sizes the
	// call by it; when empty the whole prompt is used.
	Content string
	// Model pins the model; empty routes by task, size and accuracy.
	Model        string
	DocumentHash string
	Accuracy     router.Accuracy
	RiskCount    int
	Temperature  *float64
	// TTL of the cached result; zero uses cache.DefaultTTL.
	TTL time.Duration
}

// JSONCaller is the interface extractors depend on.
type JSONCaller interface {
	CallJSON(ctx context.Context, call Call) (any, error)
}

// Adapter implements JSONCaller over a Provider.
type Adapter struct {
	provider Provider
	cache    cache.Cache
	router   *router.Router
	queue    *admission.Queue

	retry          resilience.RetryConfig
	maxPromptChars int
	largeInput     int

	calls     atomic.Int64
	cacheHits atomic.Int64
}

// NewAdapter wires an Adapter. cache, router and queue may be nil.
func NewAdapter(p Provider, c cache.Cache, r *router.Router, q *admission.Queue, cfg config.AIConfig) *Adapter {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	retry := resilience.DefaultRetryConfig().WithAttempts(attempts)
	retry.ShouldRetry = retryable
	retry.OnRetry = resilience.RetryLogger(p.Name(), "call_json")

	return &Adapter{
		provider:       p,
		cache:          c,
		router:         r,
		queue:          q,
		retry:          retry,
		maxPromptChars: cfg.MaxPromptChars,
		largeInput:     cfg.LargeInputChars,
	}
}

// Calls returns how many provider requests were made.
func (a *Adapter) Calls() int64 { return a.calls.Load() }

// CacheHits returns how many calls were served from the cache.
func (a *Adapter) CacheHits() int64 { return a.cacheHits.Load() }

// CallJSON runs call and returns the parsed JSON value.
func (a *Adapter) CallJSON(ctx context.Context, call Call) (any, error) {
	prompt, meta := preprocess.Preprocess(call.Prompt, a.maxPromptChars)
	if meta.Truncated {
		zap.L().Info("llm: prompt truncated",
			zap.String("task", string(call.Task)),
			zap.Int("original_length", meta.OriginalLength),
			zap.Int("final_length", meta.FinalLength),
		)
	}

	modelID := call.Model
	if modelID == "" && a.router != nil {
		size := len(prompt)
		if call.Content != "" {
			size = len(preprocess.Clean(call.Content))
		}
		modelID = a.router.Route(router.Request{
			Task:       call.Task,
			TextLength: size,
			Accuracy:   call.Accuracy,
			Provider:   a.provider.Name(),
			RiskCount:  call.RiskCount,
		})
	}

	key := cache.Key(modelID, call.System+"\n"+prompt, call.DocumentHash)
	if a.cache != nil {
		if raw, ok := a.cache.Get(ctx, key); ok {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				a.cacheHits.Add(1)
				UsageFrom(ctx).addCacheHit()
				return v, nil
			}
		}
	}

	req := Request{
		Model:       modelID,
		System:      call.System,
		Prompt:      prompt,
		Temperature: call.Temperature,
		Task:        string(call.Task),
	}

	var result any
	run := func(ctx context.Context) error {
		v, err := a.complete(ctx, req)
		result = v
		return err
	}

	var err error
	if a.queue != nil && a.largeInput > 0 && len(prompt) > a.largeInput {
		err = a.queue.Process(ctx, "llm-"+uuid.NewString(), run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		ttl := call.TTL
		if ttl <= 0 {
			ttl = cache.DefaultTTL
		}
		if raw, err := json.Marshal(result); err == nil {
			if err := a.cache.Set(ctx, key, raw, ttl); err != nil {
				zap.L().Debug("llm: cache set failed", zap.Error(err))
			}
		}
	}
	return result, nil
}

// complete calls the provider with retries and parses the JSON body.
func (a *Adapter) complete(ctx context.Context, req Request) (any, error) {
	start := time.Now()
	defer func() {
		if a.router != nil {
			a.router.Track(time.Since(start), len(req.Prompt))
		}
	}()

	v, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (any, error) {
		a.calls.Add(1)
		UsageFrom(ctx).addCall()
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		v, err := ExtractJSON(resp.Text)
		if err != nil {
			return nil, model.NewError(model.KindLLMTransient, "malformed json from model", err)
		}
		return v, nil
	})
	if err == nil {
		return v, nil
	}

	switch {
	case model.IsKind(err, model.KindLLMTransient) && errors.Is(err, ErrNoJSON):
		return nil, model.NewError(model.KindLLMUnrecoverable, "model response is not valid json", err)
	case resilience.IsTransient(err):
		return nil, model.NewError(model.KindLLMTransient, "model call failed after retries", err)
	default:
		return nil, eris.Wrapf(err, "llm: %s call", req.Task)
	}
}

func retryable(err error) bool {
	return model.IsKind(err, model.KindLLMTransient) || resilience.IsTransient(err)
}
