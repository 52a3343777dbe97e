// Package sections slices a document into per-section text and sub-PDFs
// using its index.
package sections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

const (
	// ManifestFile is written at the root of the sections directory.
	ManifestFile = "sections_index.json"
	// ContentFile is written in every section folder.
	ContentFile = "content.json"

	maxSlug = 40
)

// Options tunes section extraction.
type Options struct {
	// ForceFullExtraction turns every page into its own section when the
	// index is empty.
	ForceFullExtraction bool
	Verbose             bool
}

type plan struct {
	item    model.IndexItem
	section model.Section
	heading string
	found   bool

	// next is the index of the plan that ends this one, or -1.
	next int
}

// Process writes one folder per index item under outDir/sections and the
// manifest at outDir/sections_index.json.
func Process(ctx context.Context, doc pdf.Document, idx model.IndexResult, outDir string, opts Options) (model.Manifest, error) {
	if len(idx.Items) == 0 || doc.PageCount() == 0 {
		return ProcessFullDocument(ctx, doc, outDir, opts.ForceFullExtraction)
	}

	log := zap.L().With(zap.String("document", filepath.Base(doc.Path())))
	n := doc.PageCount()

	offset := 0
	if idx.Method != model.IndexOutline {
		offset = DetectOffset(doc, idx.Items)
	}
	log.Info("sections: page offset detected", zap.Int("offset", offset))

	plans := buildPlans(doc, idx.Items, offset)

	manifest := model.Manifest{
		SourcePDF:  filepath.Base(doc.Path()),
		Method:     idx.Method,
		PageCount:  n,
		PageOffset: offset,
		Sections:   []model.Section{},
		Unresolved: []string{},
	}

	for i := range plans {
		if err := ctx.Err(); err != nil {
			return manifest, err
		}
		p := &plans[i]
		var next *plan
		if p.next >= 0 {
			next = &plans[p.next]
		}
		text := sectionText(doc, p, next)

		written, err := writeSection(ctx, doc, outDir, i, p.section, text)
		if err != nil {
			return manifest, err
		}
		manifest.Sections = append(manifest.Sections, written)
		if !p.found {
			manifest.Unresolved = append(manifest.Unresolved, p.item.Title)
		}
		if opts.Verbose {
			log.Debug("sections: wrote section",
				zap.String("folder", written.Folder),
				zap.Int("start_page", written.StartPage),
				zap.Int("end_page", written.EndPage),
				zap.Int("chars", len(text)),
			)
		}
	}

	if err := writeManifest(outDir, manifest); err != nil {
		return manifest, err
	}
	log.Info("sections: extraction complete",
		zap.Int("sections", len(manifest.Sections)),
		zap.Int("unresolved", len(manifest.Unresolved)),
	)
	return manifest, nil
}

// buildPlans resolves page ranges and ancestor paths for items.
func buildPlans(doc pdf.Document, items []model.IndexItem, offset int) []plan {
	n := doc.PageCount()
	plans := make([]plan, len(items))

	type frame struct {
		level int
		title string
	}
	var stack []frame

	for i, it := range items {
		for len(stack) > 0 && stack[len(stack)-1].level >= it.Level {
			stack = stack[:len(stack)-1]
		}
		parents := make([]string, 0, len(stack))
		for _, f := range stack {
			parents = append(parents, f.title)
		}
		stack = append(stack, frame{level: it.Level, title: it.Title})

		start := clamp(it.PageNumber-1+offset, 0, n-1)
		heading := headingOf(it.Title)
		plans[i] = plan{
			next:    -1,
			item:    it,
			heading: heading,
			found:   findHeading(doc.PageText(start), heading) >= 0,
			section: model.Section{
				Title:       it.Title,
				Level:       it.Level,
				StartPage:   start,
				PrintedPage: it.PageNumber,
				ParentPath:  parents,
			},
		}
	}

	for i := range plans {
		end := n - 1
		for j := i + 1; j < len(plans); j++ {
			if plans[j].item.Level <= plans[i].item.Level {
				end = plans[j].section.StartPage - 1
				plans[i].next = j
				break
			}
		}
		plans[i].section.EndPage = clamp(max(end, plans[i].section.StartPage), 0, n-1)
	}
	return plans
}

// sectionText concatenates the section's pages, cropping the first page at
// its heading and the last page at the heading of the section that ends it.
func sectionText(doc pdf.Document, p *plan, next *plan) string {
	s := p.section
	pages := make([]string, 0, s.EndPage-s.StartPage+1)
	for page := s.StartPage; page <= s.EndPage; page++ {
		pages = append(pages, doc.PageText(page))
	}

	if next != nil && next.section.StartPage == s.EndPage {
		last := len(pages) - 1
		from := 0
		if last == 0 {
			from = max(findHeading(pages[0], p.heading), 0)
		}
		if cut := findHeadingAfter(pages[last], next.heading, from); cut > 0 {
			pages[last] = pages[last][:cut]
		}
	}
	if i := findHeading(pages[0], p.heading); i > 0 {
		pages[0] = pages[0][i:]
	}
	return strings.TrimSpace(strings.Join(pages, "\n"))
}

// headingOf drops the path qualification added for duplicate titles.
func headingOf(title string) string {
	if i := strings.LastIndex(title, " > "); i >= 0 {
		title = title[i+3:]
	}
	return strings.TrimSpace(title)
}

func headingPattern(heading string) *regexp.Regexp {
	words := strings.Fields(heading)
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(`(?i)` + strings.Join(words, `\s+`))
	if err != nil {
		return nil
	}
	return re
}

// findHeading returns the byte offset of heading in text, or -1.
func findHeading(text, heading string) int {
	return findHeadingAfter(text, heading, 0)
}

func findHeadingAfter(text, heading string, from int) int {
	re := headingPattern(heading)
	if re == nil || from >= len(text) {
		return -1
	}
	loc := re.FindStringIndex(text[from:])
	if loc == nil {
		return -1
	}
	return from + loc[0]
}

var (
	dotLeaders  = regexp.MustCompile(`(?:\.\s?){4,}`)
	numberedTOC = regexp.MustCompile(`(?m)^\s*\d+\.\s*.*\d+\s*$`)
)

// IsTOCPage reports whether text looks like a table of contents page.
func IsTOCPage(text string) bool {
	if strings.Contains(strings.ToLower(text), "table of contents") {
		return true
	}
	return len(dotLeaders.FindAllStringIndex(text, -1)) >= 5 ||
		len(numberedTOC.FindAllStringIndex(text, -1)) >= 5
}

// DetectOffset finds the most common distance between printed page labels
// and physical pages by locating titles in a window around each printed
// page.
func DetectOffset(doc pdf.Document, items []model.IndexItem) int {
	n := doc.PageCount()
	votes := make(map[int]int)
	tocPage := make(map[int]bool)

	for _, it := range items {
		base := it.PageNumber - 1
		heading := headingOf(it.Title)
		for delta := -3; delta <= 8; delta++ {
			page := base + delta
			if page < 0 || page >= n {
				continue
			}
			isTOC, seen := tocPage[page]
			if !seen {
				isTOC = IsTOCPage(doc.PageText(page))
				tocPage[page] = isTOC
			}
			if isTOC {
				continue
			}
			if findHeading(doc.PageText(page), heading) >= 0 {
				votes[delta]++
				break
			}
		}
	}

	best, bestVotes := 0, 0
	deltas := make([]int, 0, len(votes))
	for d := range votes {
		deltas = append(deltas, d)
	}
	sort.Ints(deltas)
	for _, d := range deltas {
		if votes[d] > bestVotes {
			best, bestVotes = d, votes[d]
		}
	}
	return best
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug converts a title into a folder-safe name of at most 40 characters.
func Slug(title string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(title), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlug {
		s = strings.TrimRight(s[:maxSlug], "_")
	}
	if s == "" {
		s = "section"
	}
	return s
}

// writeSection creates the folder, content.json and sub-PDF for one
// section and returns the section with its folder set.
func writeSection(ctx context.Context, doc pdf.Document, outDir string, i int, s model.Section, text string) (model.Section, error) {
	root := filepath.Join(outDir, "sections")
	slug := Slug(headingOf(s.Title))
	folder := fmt.Sprintf("%03d-%s", i+1, slug)
	if err := os.MkdirAll(filepath.Join(root, folder), 0o755); err != nil {
		zap.L().Warn("sections: folder creation failed, using short name", zap.String("folder", folder), zap.Error(err))
		slug = fmt.Sprintf("section_%d", i+1)
		folder = fmt.Sprintf("%03d-%s", i+1, slug)
		if err := os.MkdirAll(filepath.Join(root, folder), 0o755); err != nil {
			return s, eris.Wrapf(err, "sections: create %s", folder)
		}
	}
	s.Folder = folder
	dir := filepath.Join(root, folder)

	content := model.SectionContent{Section: s, Text: text, CharCount: len([]rune(text))}

	pdfName := slug + ".pdf"
	err := doc.ExtractPages(ctx, s.StartPage, s.EndPage, filepath.Join(dir, pdfName))
	switch {
	case err == nil:
		content.PDFFile = pdfName
	case errors.Is(err, pdf.ErrNoPageCopy):
	default:
		zap.L().Warn("sections: sub-pdf failed", zap.String("folder", folder), zap.Error(err))
	}

	if err := writeJSON(filepath.Join(dir, ContentFile), content); err != nil {
		return s, err
	}
	return s, nil
}

func writeManifest(outDir string, m model.Manifest) error {
	return writeJSON(filepath.Join(outDir, ManifestFile), m)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "sections: marshal %s", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "sections: create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "sections: write %s", path)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
