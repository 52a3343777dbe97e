package pdf

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures opening a PDF file.
type Options struct {
	PdfToTextPath string
	// PositionPages bounds how many leading pages get positioned lines.
	PositionPages int
}

// File is a Document backed by a PDF on disk.
type File struct {
	path      string
	pages     []string
	pageCount int
	runner    *PdfToText
	conf      *model.Configuration
	posPages  int

	linesOnce sync.Once
	lines     map[int][]Line

	outlineOnce sync.Once
	outline     []Bookmark
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Open extracts page text from the PDF at path.
func Open(ctx context.Context, path string, opts Options) (*File, error) {
	if opts.PositionPages <= 0 {
		opts.PositionPages = 40
	}
	runner := NewPdfToText(opts.PdfToTextPath)

	pages, err := runner.Pages(ctx, path)
	if err != nil {
		return nil, err
	}

	count, err := api.PageCountFile(path)
	if err != nil {
		zap.L().Debug("pdf: page count failed, using text pages", zap.String("path", path), zap.Error(err))
		count = len(pages)
	}
	for len(pages) < count {
		pages = append(pages, "")
	}

	return &File{
		path:      path,
		pages:     pages,
		pageCount: count,
		runner:    runner,
		conf:      relaxedConfig(),
		posPages:  opts.PositionPages,
		lines:     map[int][]Line{},
	}, nil
}

func (f *File) Path() string   { return f.path }
func (f *File) PageCount() int { return f.pageCount }

func (f *File) PageText(page int) string {
	if page < 0 || page >= len(f.pages) {
		return ""
	}
	return f.pages[page]
}

// PageLines loads positions for the leading pages on first use.
func (f *File) PageLines(page int) []Line {
	f.linesOnce.Do(func() {
		last := min(f.posPages, f.pageCount)
		if last < 1 {
			return
		}
		lines, err := f.runner.Lines(context.Background(), f.path, 1, last)
		if err != nil {
			zap.L().Warn("pdf: positioned text unavailable", zap.String("path", f.path), zap.Error(err))
			return
		}
		f.lines = lines
	})
	return f.lines[page]
}

// Outline returns the flattened bookmark tree, or nil when the file has none.
func (f *File) Outline() []Bookmark {
	f.outlineOnce.Do(func() {
		rs, err := os.Open(f.path)
		if err != nil {
			return
		}
		defer rs.Close()

		bms, err := api.Bookmarks(rs, f.conf)
		if err != nil {
			zap.L().Debug("pdf: no outline", zap.String("path", f.path), zap.Error(err))
			return
		}
		f.outline = flattenBookmarks(bms, 1, nil)
	})
	return f.outline
}

func flattenBookmarks(bms []pdfcpu.Bookmark, level int, out []Bookmark) []Bookmark {
	for _, bm := range bms {
		out = append(out, Bookmark{Title: bm.Title, Level: level, Page: bm.PageFrom})
		out = flattenBookmarks(bm.Kids, level+1, out)
	}
	return out
}

// ExtractPages copies pages first..last (0-based, inclusive) into outPath.
func (f *File) ExtractPages(_ context.Context, first, last int, outPath string) error {
	if first < 0 || last < first || last >= f.pageCount {
		return eris.Errorf("pdf: invalid page range %d-%d of %d", first, last, f.pageCount)
	}
	sel := []string{fmt.Sprintf("%d-%d", first+1, last+1)}
	if err := api.TrimFile(f.path, outPath, sel, f.conf); err != nil {
		return eris.Wrapf(err, "pdf: copy pages %d-%d", first+1, last+1)
	}
	return nil
}

// PageCountFile returns the page count of the PDF at path.
func PageCountFile(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, eris.Wrap(err, "pdf: page count")
	}
	return n, nil
}
