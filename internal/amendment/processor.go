// Package amendment runs section, policy and compliance extraction over a
// downloaded amendment document and tracks the amendment lifecycle.
package amendment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/compliance"
	"github.com/sells-group/grc-extract/internal/index"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
	"github.com/sells-group/grc-extract/internal/policy"
	"github.com/sells-group/grc-extract/internal/preprocess"
	"github.com/sells-group/grc-extract/internal/sections"
)

// OpenFunc opens the amendment document. The returned func releases any
// temporary files.
type OpenFunc func(ctx context.Context, path string) (pdf.Document, func(), error)

// OpenSource returns an OpenFunc backed by preprocess.Load. Files larger
// than maxBytes are rejected before parsing; maxBytes <= 0 disables the cap.
func OpenSource(opts pdf.Options, maxBytes int64) OpenFunc {
	return func(ctx context.Context, path string) (pdf.Document, func(), error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, model.NewError(model.KindInputRejected, "amendment document not found", err)
		}
		if maxBytes > 0 && info.Size() > maxBytes {
			return nil, nil, model.Errorf(model.KindInputRejected,
				"amendment document is %.1f MB, over the %.0f MB cap", mb(info.Size()), mb(maxBytes))
		}
		src, err := preprocess.Load(ctx, path, opts)
		if err != nil {
			return nil, nil, err
		}
		return src.Pages, src.Cleanup, nil
	}
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// CancelFunc reports whether the amendment with the given id asked to stop.
type CancelFunc func(ctx context.Context, amendmentID string) bool

// Request identifies one amendment run.
type Request struct {
	// AmendmentID is the record the run belongs to. Cancel checks are
	// skipped without it.
	AmendmentID   string
	PDFPath       string
	FrameworkName string
	FrameworkID   string
	AmendmentDate string // YYYY-MM-DD
	OutputDir     string
}

// Result is the outcome of Process. Data is populated on success and on
// cancel with whatever was produced.
type Result struct {
	Success    bool            `json:"success"`
	Data       *Output         `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Kind       model.ErrorKind `json:"kind,omitempty"`
	OutputFile string          `json:"output_file,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Cancelled reports whether the run stopped on a cancel request.
func (r *Result) Cancelled() bool {
	return r.Kind == model.KindAmendmentCancelled
}

// Options configures a Processor.
type Options struct {
	Open OpenFunc
	// Cancel is consulted at the start, between phases and before every
	// subpolicy.
	Cancel CancelFunc
}

// Processor applies index, section, policy and compliance extraction to an
// amendment document.
type Processor struct {
	open       OpenFunc
	cancel     CancelFunc
	policies   *policy.Extractor
	compliance *compliance.Generator
	now        func() time.Time
}

// NewProcessor creates a Processor. opts.Open defaults to OpenSource with
// no size cap.
func NewProcessor(policies *policy.Extractor, gen *compliance.Generator, opts Options) *Processor {
	open := opts.Open
	if open == nil {
		open = OpenSource(pdf.Options{}, 0)
	}
	return &Processor{
		open:       open,
		cancel:     opts.Cancel,
		policies:   policies,
		compliance: gen,
		now:        time.Now,
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9]+`)

// SafeName turns a framework name into a file name fragment.
func SafeName(name string) string {
	s := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if s == "" {
		return "framework"
	}
	return s
}

// OutputFileName returns <safe_name>_amendment_<date>_<YYYYMMDD_HHMMSS>.json.
func OutputFileName(frameworkName, amendmentDate string, at time.Time) string {
	return fmt.Sprintf("%s_amendment_%s_%s.json", SafeName(frameworkName), amendmentDate, at.Format("20060102_150405"))
}

type job struct {
	*Processor
	req     Request
	started time.Time
	outPath string
	workDir string
	log     *zap.Logger
}

// Process runs the amendment pipeline. Errors are reported in the Result;
// the combined JSON is rewritten after every compliance batch so partial
// progress survives a cancel or a crash.
func (p *Processor) Process(ctx context.Context, req Request) *Result {
	if req.AmendmentDate == "" {
		req.AmendmentDate = p.now().Format("2006-01-02")
	}
	if req.OutputDir == "" {
		req.OutputDir = filepath.Dir(req.PDFPath)
	}
	started := p.now()
	j := &job{
		Processor: p,
		req:       req,
		started:   started,
		outPath:   filepath.Join(req.OutputDir, OutputFileName(req.FrameworkName, req.AmendmentDate, started)),
		workDir: filepath.Join(req.OutputDir,
			fmt.Sprintf("%s_amendment_%s_%s", SafeName(req.FrameworkName), req.AmendmentDate, started.Format("20060102_150405"))),
		log: zap.L().With(
			zap.String("framework", req.FrameworkName),
			zap.String("amendment_id", req.AmendmentID),
			zap.String("framework_id", req.FrameworkID),
			zap.String("amendment_date", req.AmendmentDate),
		),
	}
	return j.run(ctx)
}

func (j *job) cancelled(ctx context.Context) bool {
	if j.cancel == nil || j.req.AmendmentID == "" {
		return false
	}
	return j.cancel(ctx, j.req.AmendmentID)
}

// complianceCancel adapts the run's check to the generator, which asks per
// subpolicy.
func (j *job) complianceCancel(ctx context.Context, _, _ string) bool {
	return j.cancelled(ctx)
}

func (j *job) fail(err error) *Result {
	kind := model.KindOf(err)
	if kind == model.KindAmendmentCancelled {
		j.log.Info("amendment: cancelled")
	} else {
		j.log.Error("amendment: processing failed", zap.Error(err))
	}
	return &Result{Error: err.Error(), Kind: kind, Err: err}
}

func (j *job) run(ctx context.Context) *Result {
	if j.cancelled(ctx) {
		return j.fail(compliance.ErrCancelled)
	}
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return j.fail(eris.Wrapf(err, "amendment: create %s", j.workDir))
	}

	doc, cleanup, err := j.open(ctx, j.req.PDFPath)
	if err != nil {
		return j.fail(err)
	}
	defer cleanup()
	name := pdf.BaseName(doc)

	sectionsDir, manifest, err := j.extractSections(ctx, doc, name)
	if err != nil {
		return j.fail(err)
	}
	if j.cancelled(ctx) {
		return j.fail(compliance.ErrCancelled)
	}

	framework := policy.DetectFramework(j.req.FrameworkName)
	if j.req.FrameworkName != "" {
		framework.Name = j.req.FrameworkName
	}
	out := newOutput(j.req, manifest, j.started)

	polRes, err := j.policies.Extract(ctx, sectionsDir, filepath.Join(j.workDir, "policies_"+name), policy.Options{
		Framework: &framework,
		Cancel:    j.cancelled,
	})
	if polRes != nil {
		out.setPolicies(polRes.Summary, polRes.Records)
	}
	if err != nil {
		return j.finish(out, err)
	}
	if err := j.write(out); err != nil {
		return j.fail(err)
	}

	inputs := out.subPolicyInputs(j.req, framework.Name)
	j.log.Info("amendment: generating compliances", zap.Int("subpolicies", len(inputs)))
	batch, err := j.compliance.GenerateAll(ctx, inputs, j.complianceCancel, func(b *compliance.Batch) error {
		out.setCompliances(b)
		return j.write(out)
	})
	if batch != nil {
		out.setCompliances(batch)
	}
	return j.finish(out, err)
}

// extractSections runs index and section extraction, falling back to one
// section per page in a fresh directory when nothing usable comes out.
func (j *job) extractSections(ctx context.Context, doc pdf.Document, name string) (string, model.Manifest, error) {
	idx, err := index.Extract(ctx, doc, true)
	if err != nil {
		return "", model.Manifest{}, err
	}
	dir := filepath.Join(j.workDir, "sections_"+name)
	if len(idx.Items) > 0 {
		manifest, err := sections.Process(ctx, doc, idx, dir, sections.Options{})
		if err != nil {
			return "", manifest, err
		}
		n, err := contentSections(dir)
		if err != nil {
			return "", manifest, err
		}
		if n > 0 {
			j.log.Info("amendment: sections extracted",
				zap.String("method", string(idx.Method)),
				zap.Int("sections", len(manifest.Sections)),
			)
			return dir, manifest, nil
		}
		j.log.Warn("amendment: indexed extraction produced no content, falling back to full document")
		dir = filepath.Join(j.workDir, "sections_"+name+"_full")
	} else {
		j.log.Warn("amendment: no index found, falling back to full document")
	}

	manifest, err := sections.ProcessFullDocument(ctx, doc, dir, true)
	if err != nil {
		return "", manifest, err
	}
	if len(manifest.Sections) == 0 {
		return "", manifest, model.NewError(model.KindExtractionIncomplete, "amendment document has no pages", nil)
	}
	return dir, manifest, nil
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

// finish writes the final JSON and builds the Result. A cancel keeps the
// partial output.
func (j *job) finish(out *Output, runErr error) *Result {
	if runErr != nil && model.IsKind(runErr, model.KindAmendmentCancelled) {
		out.Metadata.Cancelled = true
	}
	out.Metadata.CompletedAt = j.now().UTC().Format(time.RFC3339)
	if err := j.write(out); err != nil {
		return j.fail(err)
	}
	if runErr != nil {
		res := j.fail(runErr)
		res.Data = out
		res.OutputFile = j.outPath
		return res
	}
	j.log.Info("amendment: processing complete",
		zap.String("output_file", j.outPath),
		zap.Int("policies", out.Summary.TotalPolicies),
		zap.Int("compliances", out.Summary.TotalCompliances),
	)
	return &Result{Success: true, Data: out, OutputFile: j.outPath}
}

func (j *job) write(out *Output) error {
	return writeJSON(j.outPath, out)
}
