package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/admission"
	"github.com/sells-group/grc-extract/internal/amendment"
	"github.com/sells-group/grc-extract/internal/cache"
	"github.com/sells-group/grc-extract/internal/compliance"
	"github.com/sells-group/grc-extract/internal/fetcher"
	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/matcher"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/objectstore"
	"github.com/sells-group/grc-extract/internal/pdf"
	"github.com/sells-group/grc-extract/internal/pipeline"
	"github.com/sells-group/grc-extract/internal/policy"
	"github.com/sells-group/grc-extract/internal/preprocess"
	"github.com/sells-group/grc-extract/internal/retrieval"
	"github.com/sells-group/grc-extract/internal/router"
	"github.com/sells-group/grc-extract/internal/store"
	"github.com/sells-group/grc-extract/internal/updates"
	"github.com/sells-group/grc-extract/pkg/ollama"
	"github.com/sells-group/grc-extract/pkg/perplexity"
)

const embedPingTimeout = 2 * time.Second

// appEnv holds every component the commands need.
type appEnv struct {
	Cache      cache.Cache
	Retrieval  *retrieval.Store
	Embedder   retrieval.Embedder // nil when no embedding server answered
	Caller     *llm.Adapter
	Queue      *admission.Queue
	Limiter    *admission.RateLimiter
	Store      store.AmendmentStore
	Generator  *compliance.Generator
	Pipeline   *pipeline.Pipeline
	Runner     *pipeline.Runner
	Processor  *amendment.Processor
	Amendments *amendment.Service
	Matcher    *matcher.Matcher
	Checker    *updates.Checker // nil without a search key

	gcs *objectstore.GCS
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Amendments != nil {
		_ = e.Amendments.Close()
	}
	if e.Runner != nil {
		e.Runner.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.Retrieval != nil {
		_ = e.Retrieval.Close()
	}
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.gcs != nil {
		_ = e.gcs.Close()
	}
}

// initEnv validates the config for mode and wires all components. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	env := &appEnv{
		Cache:   cache.New(ctx, cfg.Cache),
		Queue:   admission.NewQueue(cfg.Admission.MaxConcurrent),
		Limiter: admission.NewRateLimiter(),
	}

	env.Embedder = initEmbedder(ctx)
	env.Retrieval = retrieval.Open(ctx, cfg.Retrieval, env.Embedder)

	rt := router.New(router.DefaultProfiles(cfg.Anthropic, cfg.Local))
	env.Caller = llm.NewAdapter(provider, env.Cache, rt, env.Queue, cfg.AI)

	var ctxSource policy.ContextSource
	if env.Retrieval.Available() {
		ctxSource = env.Retrieval
	}
	pacer := policy.NewSleepPacer(time.Duration(cfg.Pipeline.PaceMillis) * time.Millisecond)
	extractor := policy.New(env.Caller, ctxSource, pacer)
	env.Generator = compliance.NewGenerator(env.Caller)

	pdfOpts := pdf.Options{PdfToTextPath: cfg.PDF.PdfToTextPath}
	open := func(ctx context.Context, path string) (*preprocess.Source, error) {
		return preprocess.Load(ctx, path, pdfOpts)
	}
	env.Pipeline = pipeline.New(open, extractor, env.Generator, nil)
	env.Runner = pipeline.NewRunner(env.Pipeline, env.Queue, cfg.Pipeline.LargeFileMB)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "open amendment store")
	}
	env.Store = st

	env.Processor = amendment.NewProcessor(extractor, env.Generator, amendment.Options{
		Open:   amendment.OpenSource(pdfOpts, int64(cfg.Amendment.MaxPDFMB)<<20),
		Cancel: amendment.StoreCancelCheck(st),
	})
	env.Amendments = amendment.NewService(st, env.Processor, cfg.Amendment.OutputDir)
	env.Matcher = matcher.New(env.Embedder, env.Caller, st)

	if cfg.Search.Key != "" {
		checker, err := initChecker(ctx, env)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Checker = checker
	}

	zap.L().Info("environment ready",
		zap.String("provider", provider.Name()),
		zap.String("cache", env.Cache.Stats(ctx).Backend),
		zap.Bool("retrieval", env.Retrieval.Available()),
		zap.Bool("embeddings", env.Embedder != nil),
		zap.Bool("update_checks", env.Checker != nil),
	)
	return env, nil
}

// initEmbedder returns an embedder backed by the local model server when
// it answers a ping.
func initEmbedder(ctx context.Context) retrieval.Embedder {
	if cfg.Local.URL == "" || cfg.Local.EmbedModel == "" {
		return nil
	}
	client := ollama.NewClient(cfg.Local.URL, ollama.WithTimeout(time.Duration(cfg.Local.TimeoutSeconds)*time.Second))

	pingCtx, cancel := context.WithTimeout(ctx, embedPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		zap.L().Info("embedding server unavailable, similarity runs lexical only", zap.Error(err))
		return nil
	}
	model := cfg.Local.EmbedModel
	return retrieval.EmbedFunc(func(ctx context.Context, text string) ([]float32, error) {
		return client.Embed(ctx, model, text)
	})
}

func initChecker(ctx context.Context, env *appEnv) (*updates.Checker, error) {
	search := perplexity.NewClient(cfg.Search.Key,
		perplexity.WithBaseURL(cfg.Search.BaseURL),
		perplexity.WithModel(cfg.Search.Model),
	)
	fetch := fetcher.NewDispatcher(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: "grc-extract/1.0"}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
	)

	opts := updates.Options{
		Model:    cfg.Search.Model,
		MaxPDFMB: cfg.Amendment.MaxPDFMB,
		Process:  processHook(env.Amendments),
	}
	if cfg.ObjectStore.Bucket != "" {
		gcs, err := objectstore.NewGCS(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix)
		if err != nil {
			return nil, eris.Wrap(err, "init object store")
		}
		env.gcs = gcs
		opts.Uploader = gcs
	}
	return updates.New(search, fetch, opts), nil
}

// processHook registers an accepted download as an amendment and starts
// processing it in the background.
func processHook(svc *amendment.Service) updates.ProcessFunc {
	return func(ctx context.Context, info *updates.UpdateInfo, req updates.Request) (any, error) {
		date := req.AmendmentDate
		if date == "" {
			date = info.LatestUpdateDate
		}
		a := &model.Amendment{
			FrameworkID:   req.FrameworkID,
			FrameworkName: info.FrameworkName,
			AmendmentDate: date,
			DocumentURL:   info.DocumentURL,
			LocalPath:     info.DownloadedPath,
			ObjectURL:     info.ObjectURL,
		}
		if err := svc.Register(ctx, a); err != nil {
			return nil, err
		}
		return svc.Start(ctx, a.ID)
	}
}
