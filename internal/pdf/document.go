// Package pdf exposes page text, positioned lines, outline and page copy
// for source documents.
package pdf

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// ErrNoPageCopy is returned by ExtractPages on documents with no backing PDF.
var ErrNoPageCopy = errors.New("pdf: document has no backing pdf file")

// Line is one visual text line on a page.
type Line struct {
	Text string
	X    float64 // left edge in points
	Y    float64 // top edge in points
}

// Bookmark is one flattened outline entry. Page is 1-based.
type Bookmark struct {
	Title string
	Level int
	Page  int
}

// Document is the read-only view of a source document used by index and
// section extraction. Page indexes are 0-based.
type Document interface {
	Path() string
	PageCount() int
	PageText(page int) string
	// PageLines returns positioned lines, or nil when positions are not
	// available for the page.
	PageLines(page int) []Line
	Outline() []Bookmark
	ExtractPages(ctx context.Context, first, last int, outPath string) error
}

// BaseName returns the file name of d without directory or extension.
func BaseName(d Document) string {
	name := filepath.Base(d.Path())
	for _, ext := range []string{".gz", filepath.Ext(strings.TrimSuffix(name, ".gz"))} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// Memory is a Document held entirely in memory. It backs non-PDF sources
// and tests.
type Memory struct {
	Name      string
	Pages     []string
	Lines     map[int][]Line
	Bookmarks []Bookmark
}

// NewMemory creates a Memory document from page texts.
func NewMemory(name string, pages []string) *Memory {
	return &Memory{Name: name, Pages: pages}
}

func (m *Memory) Path() string   { return m.Name }
func (m *Memory) PageCount() int { return len(m.Pages) }

func (m *Memory) PageText(page int) string {
	if page < 0 || page >= len(m.Pages) {
		return ""
	}
	return m.Pages[page]
}

func (m *Memory) PageLines(page int) []Line {
	if m.Lines == nil {
		return nil
	}
	return m.Lines[page]
}

func (m *Memory) Outline() []Bookmark { return m.Bookmarks }

func (m *Memory) ExtractPages(context.Context, int, int, string) error {
	return ErrNoPageCopy
}
