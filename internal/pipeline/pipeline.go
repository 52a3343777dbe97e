// Package pipeline drives a source document through indexing, section
// splitting, policy extraction and optional compliance generation.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/compliance"
	"github.com/sells-group/grc-extract/internal/index"
	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
	"github.com/sells-group/grc-extract/internal/policy"
	"github.com/sells-group/grc-extract/internal/preprocess"
	"github.com/sells-group/grc-extract/internal/resilience"
	"github.com/sells-group/grc-extract/internal/sections"
)

// SummaryFile is written to the output directory after every run.
const SummaryFile = "processing_summary.json"

// Phase names.
const (
	PhasePrepare    = "prepare"
	PhaseIndex      = "index"
	PhaseSections   = "sections"
	PhasePolicies   = "policies"
	PhaseCompliance = "compliance"
)

// Phase statuses.
const (
	PhaseStatusComplete = "complete"
	PhaseStatusFailed   = "failed"
	PhaseStatusSkipped  = "skipped"
)

// OpenFunc loads a source file.
type OpenFunc func(ctx context.Context, path string) (*preprocess.Source, error)

// PhaseResult records one phase of a run.
type PhaseResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration int64  `json:"duration_ms"`
	Error    string `json:"error,omitempty"`
}

// Request is one ingest job.
type Request struct {
	PDFPath             string
	UserKey             string
	BaseDir             string
	IncludeCompliance   bool
	ForceFullExtraction bool
	TaskID              string
}

// Result is the outcome of a run. It is also the content of SummaryFile.
type Result struct {
	TaskID            string            `json:"task_id,omitempty"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	Kind              model.ErrorKind   `json:"error_kind,omitempty"`
	SourceFile        string            `json:"source_file"`
	OutputDir         string            `json:"output_dir"`
	Document          *model.Document   `json:"document,omitempty"`
	IncludeCompliance bool              `json:"include_compliance"`
	IndexMethod       model.IndexMethod `json:"index_method,omitempty"`
	IndexItems        int               `json:"index_items"`
	Sections          int               `json:"sections"`
	FullDocument      bool              `json:"full_document"`
	Policies          int               `json:"policies"`
	SubPolicies       int               `json:"subpolicies"`
	Compliances       int               `json:"compliances"`
	Risks             int               `json:"risks"`
	Files             map[string]string `json:"files"`
	Phases            []PhaseResult     `json:"phases"`
	ProviderCalls     int               `json:"provider_calls"`
	CacheHits         int               `json:"cache_hits"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
	DurationMS        int64             `json:"duration_ms"`
}

// Pipeline runs ingest jobs.
type Pipeline struct {
	open       OpenFunc
	policies   *policy.Extractor
	compliance *compliance.Generator
	tracker    *Tracker
	dirRetry   resilience.RetryConfig
	now        func() time.Time
}

// New creates a Pipeline. A nil open uses preprocess.Load with default PDF
// options; a nil tracker gets a fresh one.
func New(open OpenFunc, policies *policy.Extractor, gen *compliance.Generator, tracker *Tracker) *Pipeline {
	if open == nil {
		open = func(ctx context.Context, path string) (*preprocess.Source, error) {
			return preprocess.Load(ctx, path, pdf.Options{})
		}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Pipeline{
		open:       open,
		policies:   policies,
		compliance: gen,
		tracker:    tracker,
		dirRetry:   DefaultDirRetry(),
		now:        time.Now,
	}
}

// Tracker returns the task status map the pipeline reports to.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Process runs every phase for req. The summary file is written whether or
// not the run succeeds; a failed phase halts the run.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := p.now()
	ctx, usage := llm.WithUsage(ctx)
	outDir := UserDir(req.BaseDir, req.UserKey)
	log := zap.L().With(
		zap.String("task_id", req.TaskID),
		zap.String("source", filepath.Base(req.PDFPath)),
		zap.String("output_dir", outDir),
	)
	result := &Result{
		TaskID:            req.TaskID,
		SourceFile:        filepath.Base(req.PDFPath),
		OutputDir:         outDir,
		IncludeCompliance: req.IncludeCompliance,
		Files:             map[string]string{},
		StartedAt:         start.UTC(),
	}

	progress := func(state model.TaskState, pct int, msg string) {
		if req.TaskID != "" {
			p.tracker.Update(req.TaskID, state, pct, msg)
		}
	}

	trackPhase := func(name string, fn func() error) error {
		phaseStart := p.now()
		err := fn()
		pr := PhaseResult{Name: name, Status: PhaseStatusComplete, Duration: p.now().Sub(phaseStart).Milliseconds()}
		if err != nil {
			pr.Status = PhaseStatusFailed
			pr.Error = err.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration),
				zap.Error(err),
			)
		} else {
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", pr.Duration),
			)
		}
		result.Phases = append(result.Phases, pr)
		return err
	}

	err := p.run(ctx, req, outDir, result, progress, trackPhase)

	end := p.now()
	result.CompletedAt = end.UTC()
	result.DurationMS = end.Sub(start).Milliseconds()
	result.Success = err == nil
	result.ProviderCalls = usage.Calls()
	result.CacheHits = usage.CacheHits()
	if err != nil {
		result.Error = err.Error()
		result.Kind = model.KindOf(err)
	}
	if werr := writeSummary(outDir, result); werr != nil {
		log.Warn("pipeline: write summary", zap.Error(werr))
	} else {
		result.Files["summary"] = filepath.Join(outDir, SummaryFile)
	}

	if req.TaskID != "" {
		if err != nil {
			p.tracker.Fail(req.TaskID, err)
		} else {
			p.tracker.Complete(req.TaskID, "Processing complete", result)
		}
	}
	if err != nil {
		return result, err
	}
	log.Info("pipeline: run complete",
		zap.Int("sections", result.Sections),
		zap.Int("policies", result.Policies),
		zap.Int("compliances", result.Compliances),
		zap.Int64("duration_ms", result.DurationMS),
	)
	return result, nil
}

func (p *Pipeline) run(
	ctx context.Context,
	req Request,
	outDir string,
	result *Result,
	progress func(model.TaskState, int, string),
	trackPhase func(string, func() error) error,
) error {
	var src *preprocess.Source
	defer func() {
		if src != nil {
			src.Cleanup()
		}
	}()

	progress(model.TaskUploading, 5, "Preparing output directory")
	err := trackPhase(PhasePrepare, func() error {
		staged, err := p.stage(ctx, req.PDFPath, outDir)
		if err != nil {
			return err
		}
		progress(model.TaskUploading, 10, "Loading document")
		src, err = p.open(ctx, staged)
		if err != nil {
			return err
		}
		result.Document = &src.Document
		return nil
	})
	if err != nil {
		return err
	}
	name := pdf.BaseName(src.Pages)

	progress(model.TaskProcessing, 15, "Extracting index")
	var idx model.IndexResult
	err = trackPhase(PhaseIndex, func() error {
		var err error
		idx, err = index.Extract(ctx, src.Pages, true)
		if err != nil {
			return err
		}
		result.IndexMethod = idx.Method
		result.IndexItems = len(idx.Items)
		path, err := index.WriteIndex(outDir, name, idx)
		result.Files["index"] = path
		return err
	})
	if err != nil {
		return err
	}

	progress(model.TaskProcessing, 30, "Extracting sections")
	var sectionsDir string
	err = trackPhase(PhaseSections, func() error {
		sectionsDir = filepath.Join(outDir, "sections_"+name)
		manifest, err := sections.Process(ctx, src.Pages, idx, sectionsDir, sections.Options{ForceFullExtraction: req.ForceFullExtraction})
		if err != nil {
			return err
		}
		n, err := contentSections(sectionsDir)
		if err != nil {
			return err
		}
		if n == 0 && !manifest.FullDoc {
			zap.L().Warn("pipeline: sections have no content, falling back to full document", zap.String("task_id", req.TaskID))
			sectionsDir = filepath.Join(outDir, "sections_"+name+"_full")
			manifest, err = sections.ProcessFullDocument(ctx, src.Pages, sectionsDir, true)
			if err != nil {
				return err
			}
		}
		if len(manifest.Sections) == 0 {
			return model.Errorf(model.KindExtractionIncomplete, "no sections could be extracted from %s", result.SourceFile)
		}
		result.Sections = len(manifest.Sections)
		result.FullDocument = manifest.FullDoc
		result.Files["sections"] = sectionsDir
		return nil
	})
	if err != nil {
		return err
	}

	progress(model.TaskProcessing, 45, "Extracting policies")
	var records []model.PolicyRecord
	err = trackPhase(PhasePolicies, func() error {
		policiesDir := filepath.Join(outDir, "policies_"+name)
		res, err := p.policies.Extract(ctx, sectionsDir, policiesDir, policy.Options{})
		if err != nil {
			return err
		}
		records = res.Records
		result.Policies = res.Summary.TotalPolicies
		result.SubPolicies = res.Summary.TotalSubPolicies
		result.Files["policies"] = policiesDir
		return nil
	})
	if err != nil {
		return err
	}

	if !req.IncludeCompliance || p.compliance == nil {
		result.Phases = append(result.Phases, PhaseResult{Name: PhaseCompliance, Status: PhaseStatusSkipped})
		return nil
	}

	progress(model.TaskProcessing, 75, "Generating compliance records")
	return trackPhase(PhaseCompliance, func() error {
		sheet := filepath.Join(outDir, name+"_subpolicies.xlsx")
		rows, err := compliance.WriteSubPolicySheet(sheet, records)
		if err != nil {
			return err
		}
		result.Files["subpolicy_sheet"] = sheet
		if rows == 0 {
			return nil
		}
		complianceDir := filepath.Join(outDir, "compliance_risk_"+name)
		if err := os.MkdirAll(complianceDir, 0o755); err != nil {
			return eris.Wrapf(err, "pipeline: create %s", complianceDir)
		}
		bulk, err := p.compliance.Generate(ctx, sheet, name, complianceDir)
		if err != nil {
			return err
		}
		result.Compliances = len(bulk.Compliances)
		result.Risks = len(bulk.Risks)
		result.Files["compliance"] = bulk.ComplianceFile
		result.Files["risk"] = bulk.RiskFile
		return nil
	})
}

// stage recreates outDir and copies the source into it. A source that
// already lives in outDir is moved aside first so the recreate does not
// delete it.
func (p *Pipeline) stage(ctx context.Context, srcPath, outDir string) (string, error) {
	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: resolve %s", srcPath)
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: resolve %s", outDir)
	}
	if _, err := os.Stat(absSrc); err != nil {
		return "", model.NewError(model.KindInputRejected, "source file not found: "+filepath.Base(srcPath), err)
	}

	if strings.HasPrefix(absSrc, absOut+string(filepath.Separator)) {
		tmp, err := os.CreateTemp("", "grc-stage-*-"+filepath.Base(absSrc))
		if err != nil {
			return "", eris.Wrap(err, "pipeline: stage temp file")
		}
		_ = tmp.Close()
		if err := copyFile(absSrc, tmp.Name()); err != nil {
			_ = os.Remove(tmp.Name())
			return "", err
		}
		defer func() { _ = os.Remove(tmp.Name()) }()
		absSrc = tmp.Name()
	}

	if err := PrepareOutputDir(ctx, absOut, p.dirRetry); err != nil {
		return "", err
	}
	dst := filepath.Join(absOut, filepath.Base(srcPath))
	if err := copyFile(absSrc, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "pipeline: open %s", src)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "pipeline: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "pipeline: copy to %s", dst)
	}
	return eris.Wrapf(out.Close(), "pipeline: close %s", dst)
}

func contentSections(dir string) (int, error) {
	contents, err := sections.Load(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range contents {
		if len([]rune(strings.TrimSpace(c.Text))) >= policy.MinSectionChars {
			n++
		}
	}
	return n, nil
}

func writeSummary(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create %s", dir)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal summary")
	}
	path := filepath.Join(dir, SummaryFile)
	return eris.Wrapf(os.WriteFile(path, data, 0o644), "pipeline: write %s", path)
}
