// Package index recovers a document's table of contents from its printed
// TOC pages or, failing that, from its outline.
package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

const (
	// maxScanPages bounds the search for a TOC start page.
	maxScanPages = 30
	// maxPageNumber rejects spurious page labels.
	maxPageNumber = 2000
	// minItems is the fewest items a printed TOC must yield to be used.
	minItems = 2
)

// Extract builds the index of doc. With preferTOC the printed table of
// contents is tried before the outline.
func Extract(ctx context.Context, doc pdf.Document, preferTOC bool) (model.IndexResult, error) {
	res := model.IndexResult{
		SourcePDF: filepath.Base(doc.Path()),
		PageCount: doc.PageCount(),
		Method:    model.IndexNoneFound,
		Items:     []model.IndexItem{},
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	log := zap.L().With(zap.String("document", res.SourcePDF))

	strategies := []func() ([]model.IndexItem, model.IndexMethod){
		func() ([]model.IndexItem, model.IndexMethod) { return parseTOC(doc) },
		func() ([]model.IndexItem, model.IndexMethod) { return fromOutline(doc), model.IndexOutline },
	}
	if !preferTOC {
		strategies[0], strategies[1] = strategies[1], strategies[0]
	}

	for _, strategy := range strategies {
		items, method := strategy()
		items = finalize(items, doc.PageCount())
		if len(items) >= minItems || (method == model.IndexOutline && len(items) > 0) {
			res.Items = items
			res.Method = method
			log.Info("index: extracted",
				zap.String("method", string(method)),
				zap.Int("items", len(items)),
			)
			return res, nil
		}
	}

	log.Warn("index: no table of contents or outline found")
	return res, nil
}

func fromOutline(doc pdf.Document) []model.IndexItem {
	bms := doc.Outline()
	items := make([]model.IndexItem, 0, len(bms))
	for _, bm := range bms {
		items = append(items, model.IndexItem{
			Level:      max(bm.Level, 1),
			Title:      bm.Title,
			PageLabel:  strconv.Itoa(bm.Page),
			PageNumber: bm.Page,
			SourcePage: -1,
		})
	}
	return items
}

// finalize cleans titles, drops empty or out-of-range items and makes
// titles unique.
func finalize(items []model.IndexItem, pageCount int) []model.IndexItem {
	out := make([]model.IndexItem, 0, len(items))
	for _, it := range items {
		it.Title = CleanTitle(it.Title)
		if it.Title == "" {
			continue
		}
		if it.PageNumber < 1 || it.PageNumber > maxPageNumber {
			continue
		}
		if pageCount > 0 && it.PageNumber > pageCount {
			continue
		}
		out = append(out, it)
	}
	return qualifyDuplicates(out)
}

// qualifyDuplicates prefixes repeated titles with their nearest ancestor
// ("Parent > Title") and numbers any that still collide.
func qualifyDuplicates(items []model.IndexItem) []model.IndexItem {
	counts := make(map[string]int, len(items))
	for _, it := range items {
		counts[it.Title]++
	}

	seen := make(map[string]int, len(items))
	for i := range items {
		title := items[i].Title
		if counts[title] > 1 {
			if parent := ancestor(items, i); parent != "" {
				title = parent + " > " + title
			}
		}
		if n := seen[title]; n > 0 {
			seen[title]++
			title = title + " (" + strconv.Itoa(n+1) + ")"
		} else {
			seen[title] = 1
		}
		items[i].Title = title
	}
	return items
}

func ancestor(items []model.IndexItem, i int) string {
	for j := i - 1; j >= 0; j-- {
		if items[j].Level < items[i].Level {
			return items[j].Title
		}
	}
	return ""
}

// WriteIndex writes res as <name>_index.json under dir and returns the path.
func WriteIndex(dir, name string, res model.IndexResult) (string, error) {
	path := filepath.Join(dir, name+"_index.json")
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "index: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "index: write %s", path)
	}
	return path, nil
}

// ReadIndex loads an index previously written by WriteIndex.
func ReadIndex(path string) (model.IndexResult, error) {
	var res model.IndexResult
	data, err := os.ReadFile(path)
	if err != nil {
		return res, eris.Wrapf(err, "index: read %s", path)
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, eris.Wrapf(err, "index: decode %s", path)
	}
	return res, nil
}
