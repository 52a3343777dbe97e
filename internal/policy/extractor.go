// Package policy extracts policies and subpolicies from section content
// with a model and writes all_policies.json and extraction_summary.json.
package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/normalize"
	"github.com/sells-group/grc-extract/internal/prompts"
	"github.com/sells-group/grc-extract/internal/resilience"
	"github.com/sells-group/grc-extract/internal/retrieval"
	"github.com/sells-group/grc-extract/internal/router"
	"github.com/sells-group/grc-extract/internal/sections"
)

const (
	AllPoliciesFile  = "all_policies.json"
	SummaryFile      = "extraction_summary.json"
	IntermediateFile = "intermediate_policies.json"

	// MinSectionChars skips sections too short to hold a policy.
	MinSectionChars = 50
	// MaxChunkChars bounds the text sent per call.
	MaxChunkChars = 8000

	snapshotEvery = 5
	chunkAttempts = 3
	contextChunks = 3
)

// ContextSource supplies retrieval context. *retrieval.Store satisfies it.
type ContextSource interface {
	Add(ctx context.Context, text, docID string, tags map[string]string) (int, error)
	Retrieve(ctx context.Context, query string, k int, filter retrieval.Filter) ([]retrieval.Result, error)
}

// CancelFunc reports whether the caller asked to stop.
type CancelFunc func(ctx context.Context) bool

// Options tunes a single extraction run.
type Options struct {
	// Framework overrides detection from the directory name.
	Framework *model.FrameworkInfo
	Cancel    CancelFunc
	Verbose   bool
}

// Result is what Extract produced.
type Result struct {
	Success bool                    `json:"success"`
	Summary model.ExtractionSummary `json:"summary"`
	Records []model.PolicyRecord    `json:"-"`
	Files   map[string]string       `json:"files"`
}

// Extractor runs policy extraction over a sections directory.
type Extractor struct {
	caller  llm.JSONCaller
	context ContextSource
	pacer   Pacer

	retry resilience.RetryConfig
	now   func() time.Time
}

// New creates an Extractor. ctxSource and pacer may be nil.
func New(caller llm.JSONCaller, ctxSource ContextSource, pacer Pacer) *Extractor {
	if pacer == nil {
		pacer = NoPacer{}
	}
	retry := resilience.DefaultRetryConfig().WithAttempts(chunkAttempts)
	retry.InitialBackoff = time.Second
	return &Extractor{
		caller:  caller,
		context: ctxSource,
		pacer:   pacer,
		retry:   retry,
		now:     time.Now,
	}
}

// ErrCancelled is returned when the cancel check fires between sections.
var ErrCancelled = model.NewError(model.KindAmendmentCancelled, "policy extraction cancelled", nil)

type run struct {
	*Extractor
	framework model.FrameworkInfo
	docID     string
	ids       *idAllocator
	calls     int
	log       *zap.Logger
}

// Extract processes every section under sectionsDir and writes results to
// outputDir. The summary is written even when no policy was found.
func (e *Extractor) Extract(ctx context.Context, sectionsDir, outputDir string, opts Options) (*Result, error) {
	framework := DetectFramework(sectionsDir)
	if opts.Framework != nil {
		framework = *opts.Framework
	}
	ctx, usage := llm.WithUsage(ctx)
	r := &run{
		Extractor: e,
		framework: framework,
		docID:     filepath.Base(sectionsDir),
		ids:       newIDAllocator(framework.Prefix),
		log:       zap.L().With(zap.String("framework", framework.Name), zap.String("sections_dir", sectionsDir)),
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "policy: create %s", outputDir)
	}
	contents, err := sections.Load(sectionsDir)
	if err != nil {
		return nil, err
	}
	r.log.Info("policy: extraction started", zap.Int("sections", len(contents)))
	r.index(ctx, contents)

	summary := model.ExtractionSummary{Framework: framework, PolicyTypes: map[string]int{}}
	records := make([]model.PolicyRecord, 0, len(contents))
	var runErr error

	for _, sc := range contents {
		if opts.Cancel != nil && opts.Cancel(ctx) {
			summary.Cancelled = true
			runErr = ErrCancelled
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		if len([]rune(strings.TrimSpace(sc.Text))) < MinSectionChars {
			summary.SectionsSkipped++
			continue
		}

		analysis, err := r.section(ctx, sc)
		if err != nil {
			runErr = err
			break
		}
		summary.SectionsProcessed++
		if len(analysis.Policies) > 0 {
			records = append(records, model.PolicyRecord{SectionInfo: sectionInfo(sc), Analysis: analysis})
		}
		if opts.Verbose {
			r.log.Debug("policy: section done",
				zap.String("section", sc.Title),
				zap.Int("policies", len(analysis.Policies)),
			)
		}
		if summary.SectionsProcessed%snapshotEvery == 0 {
			if err := writeJSON(filepath.Join(outputDir, IntermediateFile), records); err != nil {
				r.log.Warn("policy: snapshot failed", zap.Error(err))
			}
		}
	}

	for _, rec := range records {
		for _, p := range rec.Analysis.Policies {
			summary.TotalPolicies++
			summary.TotalSubPolicies += len(p.SubPolicies)
			summary.PolicyTypes[TypeAbbrev(p.Type)]++
		}
		if rec.Analysis.LowConfidence {
			summary.LowConfidence += len(rec.Analysis.Policies)
		}
	}
	summary.APICalls = usage.Calls()
	summary.CacheHits = usage.CacheHits()
	summary.Timestamp = e.now().UTC().Format(time.RFC3339)

	files := map[string]string{
		"all_policies":       filepath.Join(outputDir, AllPoliciesFile),
		"extraction_summary": filepath.Join(outputDir, SummaryFile),
	}
	if err := writeJSON(files["all_policies"], records); err != nil {
		return nil, err
	}
	if err := writeJSON(files["extraction_summary"], summary); err != nil {
		return nil, err
	}

	r.log.Info("policy: extraction finished",
		zap.Int("policies", summary.TotalPolicies),
		zap.Int("subpolicies", summary.TotalSubPolicies),
		zap.Int("api_calls", summary.APICalls),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Bool("cancelled", summary.Cancelled),
	)
	res := &Result{Success: runErr == nil, Summary: summary, Records: records, Files: files}
	return res, runErr
}

// section extracts and merges the policies of every chunk of one section.
func (r *run) section(ctx context.Context, sc model.SectionContent) (model.PolicyAnalysis, error) {
	out := model.PolicyAnalysis{Policies: []model.Policy{}}

	for _, chunk := range Chunk(sc.Text, MaxChunkChars) {
		related := r.related(ctx, chunk, sc.Folder)
		analysis, err := r.chunk(ctx, sc.Title, chunk, related)
		if err != nil {
			return out, err
		}
		if out.FrameworkInfo == nil {
			out.FrameworkInfo = analysis.FrameworkInfo
		}
		out.LowConfidence = out.LowConfidence || analysis.LowConfidence
		out.Policies = append(out.Policies, analysis.Policies...)
	}

	for i := range out.Policies {
		r.finish(&out.Policies[i])
	}
	out.HasPolicies = len(out.Policies) > 0
	return out, nil
}

// index adds every extractable section to the retrieval store before any
// call is made, so prompts do not depend on processing history.
func (r *run) index(ctx context.Context, contents []model.SectionContent) {
	if r.context == nil {
		return
	}
	for _, sc := range contents {
		if len([]rune(strings.TrimSpace(sc.Text))) < MinSectionChars {
			continue
		}
		tags := map[string]string{"source": r.docID, "folder": sc.Folder}
		if _, err := r.context.Add(ctx, sc.Text, r.docID+"_"+sc.Folder, tags); err != nil {
			r.log.Debug("policy: retrieval add failed", zap.String("section", sc.Title), zap.Error(err))
		}
	}
}

// related returns the closest chunks from other sections of the same
// document.
func (r *run) related(ctx context.Context, query, folder string) string {
	if r.context == nil {
		return ""
	}
	results, err := r.context.Retrieve(ctx, query, contextChunks*2, retrieval.Filter{"source": r.docID})
	if err != nil {
		r.log.Debug("policy: retrieval context unavailable", zap.Error(err))
		return ""
	}
	parts := make([]string, 0, contextChunks)
	for _, res := range results {
		if res.Metadata["folder"] == folder {
			continue
		}
		parts = append(parts, strings.TrimSpace(res.Text))
		if len(parts) == contextChunks {
			break
		}
	}
	return strings.Join(parts, "\n---\n")
}

var errInvalidShape = model.NewError(model.KindLLMTransient, "policy response has no usable policies", nil)

// chunk calls the model up to three times; the last failure yields a
// low-confidence placeholder so the section still progresses.
func (r *run) chunk(ctx context.Context, title, text, related string) (model.PolicyAnalysis, error) {
	attempt := 0
	retry := r.retry
	retry.ShouldRetry = func(error) bool { return ctx.Err() == nil }
	retry.OnRetry = func(n int, err error) {
		r.log.Warn("policy: retrying chunk", zap.String("section", title), zap.Int("attempt", n), zap.Error(err))
	}

	analysis, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.PolicyAnalysis, error) {
		attempt++
		prompt, err := prompts.Render(prompts.PolicyExtraction, prompts.Vars{
			SectionTitle:         title,
			Content:              text,
			Context:              related,
			FrameworkName:        r.framework.Name,
			FrameworkVersion:     r.framework.Version,
			FrameworkDescription: r.framework.Description,
			FrameworkPrefix:      r.framework.Prefix,
		})
		if err != nil {
			return model.PolicyAnalysis{}, err
		}
		if attempt > 1 {
			prompt += "\nThe previous answer did not follow the required shape. Return has_policies and a policies array with subpolicies that each carry a control.\n"
		}

		r.calls++
		v, err := r.caller.CallJSON(ctx, llm.Call{
			Task:    router.TaskPolicyExtraction,
			System:  prompts.JSONSystem,
			Prompt:  prompt,
			Content: text,
		})
		if perr := r.pacer.Pace(ctx, r.calls); perr != nil {
			return model.PolicyAnalysis{}, perr
		}
		if err != nil {
			return model.PolicyAnalysis{}, err
		}

		resp := llm.AsObject(v)
		if has, ok := resp["has_policies"].(bool); ok && !has {
			if list, _ := resp["policies"].([]any); len(list) == 0 {
				return model.PolicyAnalysis{Policies: []model.Policy{}}, nil
			}
		}
		analysis, ok := normalize.Normalize(resp, title)
		if !ok {
			return analysis, errInvalidShape
		}
		return analysis, nil
	})
	if err == nil {
		return analysis, nil
	}
	if ctx.Err() != nil {
		return model.PolicyAnalysis{}, ctx.Err()
	}

	r.log.Warn("policy: using low-confidence fallback",
		zap.String("section", title),
		zap.String("kind", string(model.KindOf(err))),
		zap.Error(err),
	)
	return normalize.Fallback(title), nil
}

// finish assigns identifiers and fills scope and objective when missing.
func (r *run) finish(p *model.Policy) {
	abbrev := TypeAbbrev(p.Type)
	if p.PolicyID == "" || !strings.HasPrefix(p.PolicyID, r.framework.Prefix+"-") || r.ids.used[p.PolicyID] {
		p.PolicyID = r.ids.policyID(abbrev)
	} else {
		r.ids.used[p.PolicyID] = true
	}
	for i := range p.SubPolicies {
		p.SubPolicies[i].SubPolicyID = SubPolicyID(p.PolicyID, i+1)
	}
	if strings.TrimSpace(p.Scope) == "" {
		p.Scope = synthesizedScope(abbrev, r.framework.Name, p.Title)
	}
	if strings.TrimSpace(p.Objective) == "" {
		p.Objective = synthesizedObjective(abbrev, r.framework.Name, p.Title)
	}
}

func sectionInfo(sc model.SectionContent) model.SectionInfo {
	return model.SectionInfo{
		Title:      sc.Title,
		Level:      sc.Level,
		StartPage:  sc.StartPage,
		EndPage:    sc.EndPage,
		Folder:     sc.Folder,
		ParentPath: sc.ParentPath,
	}
}

// Chunk splits text into windows of at most size runes, breaking on
// whitespace where possible.
func Chunk(text string, size int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for len(runes) > size {
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "policy: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "policy: write %s", path)
	}
	return nil
}

// ReadRecords loads all_policies.json from dir.
func ReadRecords(dir string) ([]model.PolicyRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, AllPoliciesFile))
	if err != nil {
		return nil, eris.Wrap(err, "policy: read all_policies.json")
	}
	var recs []model.PolicyRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, eris.Wrap(err, "policy: decode all_policies.json")
	}
	return recs, nil
}
