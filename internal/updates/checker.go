// Package updates asks a web-search model whether a framework has a newer
// official document and downloads and validates the PDF it points to.
package updates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/fetcher"
	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/objectstore"
	"github.com/sells-group/grc-extract/internal/prompts"
	"github.com/sells-group/grc-extract/internal/sections"
	"github.com/sells-group/grc-extract/pkg/perplexity"
)

// DefaultMaxPDFMB separates amendments from full framework documents.
const DefaultMaxPDFMB = 15

const dateLayout = "2006-01-02"

var pdfMagic = []byte("%PDF")

// Request is one update check.
type Request struct {
	FrameworkName string
	LastKnownDate string
	DownloadDir   string

	// FrameworkID and AmendmentDate are passed through to the process hook.
	FrameworkID   string
	AmendmentDate string
	// Process runs the hook on the accepted PDF.
	Process bool
}

// UpdateInfo is the search answer enriched with download results.
type UpdateInfo struct {
	FrameworkName    string `json:"framework_name"`
	HasUpdate        bool   `json:"has_update"`
	LatestUpdateDate string `json:"latest_update_date,omitempty"`
	DocumentURL      string `json:"document_url,omitempty"`
	Version          string `json:"version,omitempty"`
	Notes            string `json:"notes,omitempty"`

	// Response is the raw search answer.
	Response map[string]any `json:"llm_response,omitempty"`

	DownloadedPath string `json:"downloaded_path,omitempty"`
	DownloadError  string `json:"download_error,omitempty"`
	SizeBytes      int64  `json:"size_bytes,omitempty"`

	ObjectURL  string `json:"object_url,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
	StoredName string `json:"stored_name,omitempty"`

	ProcessingResult any `json:"processing_result,omitempty"`
}

// ProcessFunc handles an accepted amendment PDF.
type ProcessFunc func(ctx context.Context, info *UpdateInfo, req Request) (any, error)

// Options configures a Checker.
type Options struct {
	Model    string
	MaxPDFMB int
	// Uploader is optional; without it files stay local.
	Uploader objectstore.Uploader
	Process  ProcessFunc
}

// Checker runs update checks.
type Checker struct {
	search   perplexity.Client
	fetch    fetcher.Fetcher
	model    string
	maxBytes int64
	uploader objectstore.Uploader
	process  ProcessFunc
	now      func() time.Time
}

// New creates a Checker.
func New(search perplexity.Client, fetch fetcher.Fetcher, opts Options) *Checker {
	mb := opts.MaxPDFMB
	if mb <= 0 {
		mb = DefaultMaxPDFMB
	}
	return &Checker{
		search:   search,
		fetch:    fetch,
		model:    opts.Model,
		maxBytes: int64(mb) << 20,
		uploader: opts.Uploader,
		process:  opts.Process,
		now:      time.Now,
	}
}

// Check asks for the latest update and, when one exists, acquires the PDF.
// Download and validation failures are reported on the returned info as
// well as through the error.
func (c *Checker) Check(ctx context.Context, req Request) (*UpdateInfo, error) {
	if strings.TrimSpace(req.FrameworkName) == "" {
		return nil, model.NewError(model.KindInputRejected, "framework name is required", nil)
	}
	log := zap.L().With(zap.String("framework", req.FrameworkName))

	prompt, err := prompts.Render(prompts.UpdateCheck, prompts.Vars{
		FrameworkName: req.FrameworkName,
		LastKnownDate: req.LastKnownDate,
		CurrentDate:   c.now().Format(dateLayout),
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.ask(ctx, prompt)
	if err != nil {
		return nil, eris.Wrap(err, "updates: search")
	}

	info := &UpdateInfo{
		FrameworkName:    firstNonEmpty(str(resp, "framework_name"), req.FrameworkName),
		LatestUpdateDate: str(resp, "latest_update_date"),
		DocumentURL:      str(resp, "document_url"),
		Version:          str(resp, "version"),
		Notes:            str(resp, "notes"),
		Response:         resp,
	}
	claimed, _ := resp["has_update"].(bool)
	info.HasUpdate = isNewer(claimed, info.LatestUpdateDate, req.LastKnownDate)
	if claimed && !info.HasUpdate {
		log.Info("updates: ignoring claimed update that is not newer",
			zap.String("latest", info.LatestUpdateDate),
			zap.String("last_known", req.LastKnownDate),
		)
	}
	if !info.HasUpdate {
		return info, nil
	}

	if info.DocumentURL != "" && !IsPDFURL(info.DocumentURL) {
		info.DocumentURL = c.resolve(ctx, prompts.PDFURLResolve, prompts.Vars{
			FrameworkName: req.FrameworkName,
			PageURL:       info.DocumentURL,
		}, info.DocumentURL)
	}
	if info.DocumentURL == "" {
		info.DownloadError = "no direct PDF url found"
		log.Warn("updates: update has no pdf url")
		return info, nil
	}

	if err := c.acquire(ctx, req, info); err != nil {
		info.DownloadError = err.Error()
		return info, err
	}

	if c.uploader != nil {
		obj, err := c.uploader.Upload(ctx, info.DownloadedPath, sections.Slug(req.FrameworkName))
		if err != nil {
			log.Warn("updates: object store upload failed", zap.Error(err))
		} else {
			info.ObjectURL, info.ObjectKey, info.StoredName = obj.URL, obj.Key, obj.StoredName
		}
	}

	if req.Process && c.process != nil {
		result, err := c.process(ctx, info, req)
		if err != nil {
			return info, eris.Wrap(err, "updates: process amendment")
		}
		info.ProcessingResult = result
	}
	return info, nil
}

// acquire downloads the PDF, asking once for an alternate URL when the
// first download fails.
func (c *Checker) acquire(ctx context.Context, req Request, info *UpdateInfo) error {
	if req.DownloadDir == "" {
		return model.NewError(model.KindInputRejected, "download directory is required", nil)
	}
	if err := os.MkdirAll(req.DownloadDir, 0o755); err != nil {
		return eris.Wrap(err, "updates: create download dir")
	}
	date := info.LatestUpdateDate
	if date == "" {
		date = c.now().Format(dateLayout)
	}
	dest := filepath.Join(req.DownloadDir, fmt.Sprintf("%s_%s.pdf", sections.Slug(req.FrameworkName), date))

	err := c.download(ctx, info.DocumentURL, dest)
	if err == nil || model.IsKind(err, model.KindInputRejected) || ctx.Err() != nil {
		if err == nil {
			info.DownloadedPath = dest
			info.SizeBytes = fileSize(dest)
		}
		return err
	}

	zap.L().Warn("updates: download failed, asking for alternate url",
		zap.String("url", info.DocumentURL),
		zap.Error(err),
	)
	alt := c.resolve(ctx, prompts.AlternatePDFURL, prompts.Vars{
		FrameworkName: req.FrameworkName,
		FailedURL:     info.DocumentURL,
	}, info.DocumentURL)
	if alt == "" {
		return eris.Wrapf(err, "updates: download %s", info.DocumentURL)
	}
	if err := c.download(ctx, alt, dest); err != nil {
		return eris.Wrapf(err, "updates: download alternate %s", alt)
	}
	info.DocumentURL = alt
	info.DownloadedPath = dest
	info.SizeBytes = fileSize(dest)
	return nil
}

// download fetches rawURL to dest and validates size and magic bytes.
func (c *Checker) download(ctx context.Context, rawURL, dest string) error {
	n, err := c.fetch.DownloadToFile(ctx, rawURL, dest, c.maxBytes)
	if errors.Is(err, fetcher.ErrTooLarge) {
		return model.Errorf(model.KindInputRejected, "document exceeds %d MB, likely a full framework rather than an amendment", c.maxBytes>>20)
	}
	if err != nil {
		return err
	}
	if err := checkMagic(dest); err != nil {
		_ = os.Remove(dest)
		return err
	}
	zap.L().Info("updates: downloaded", zap.String("url", rawURL), zap.Int64("bytes", n))
	return nil
}

func checkMagic(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return eris.Wrap(err, "updates: open download")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, pdfMagic) {
		return model.NewError(model.KindInputRejected, "downloaded file is not a PDF", nil)
	}
	return nil
}

// resolve asks for a direct PDF URL and accepts it only when it is a .pdf
// URL different from previous.
func (c *Checker) resolve(ctx context.Context, task prompts.Task, vars prompts.Vars, previous string) string {
	prompt, err := prompts.Render(task, vars)
	if err != nil {
		return ""
	}
	resp, err := c.ask(ctx, prompt)
	if err != nil {
		zap.L().Warn("updates: url resolution failed", zap.String("task", string(task)), zap.Error(err))
		return ""
	}
	u := str(resp, "document_url")
	if u == "" || u == previous || !IsPDFURL(u) {
		return ""
	}
	return u
}

func (c *Checker) ask(ctx context.Context, prompt string) (map[string]any, error) {
	ans, err := c.search.Search(ctx, perplexity.Query{
		Model:       c.model,
		Instruction: prompts.JSONSystem,
		Question:    prompt,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Debug("updates: search answered",
		zap.String("answer_id", ans.ID),
		zap.Strings("citations", ans.Citations),
	)
	v, err := llm.ExtractJSON(ans.Text)
	if err != nil {
		return nil, model.NewError(model.KindLLMUnrecoverable, "search answer is not JSON", err)
	}
	return llm.AsObject(v), nil
}

// IsPDFURL reports whether u is an absolute http(s) or ftp URL whose path
// ends in .pdf.
func IsPDFURL(u string) bool {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "ftp":
	default:
		return false
	}
	return strings.EqualFold(path.Ext(parsed.Path), ".pdf")
}

// isNewer trusts the model's claim only when the dates agree with it.
func isNewer(claimed bool, latest, lastKnown string) bool {
	if !claimed {
		return false
	}
	last, err := time.Parse(dateLayout, strings.TrimSpace(lastKnown))
	if err != nil {
		return true
	}
	l, err := time.Parse(dateLayout, strings.TrimSpace(latest))
	if err != nil {
		return false
	}
	return l.After(last)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func fileSize(p string) int64 {
	st, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return st.Size()
}
