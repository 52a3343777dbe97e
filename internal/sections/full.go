package sections

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

// ProcessFullDocument writes sections for a document with no usable index:
// one section per page when perPage is set, otherwise a single section
// spanning the whole document.
func ProcessFullDocument(ctx context.Context, doc pdf.Document, outDir string, perPage bool) (model.Manifest, error) {
	n := doc.PageCount()
	manifest := model.Manifest{
		SourcePDF:  filepath.Base(doc.Path()),
		Method:     model.IndexNoneFound,
		PageCount:  n,
		FullDoc:    true,
		Sections:   []model.Section{},
		Unresolved: []string{},
	}
	if n == 0 {
		return manifest, writeManifest(outDir, manifest)
	}

	var secs []model.Section
	if perPage {
		for page := range n {
			secs = append(secs, model.Section{
				Title:       fmt.Sprintf("Page %d", page+1),
				Level:       1,
				StartPage:   page,
				EndPage:     page,
				PrintedPage: page + 1,
				ParentPath:  []string{},
			})
		}
	} else {
		secs = []model.Section{{
			Title:       "Full Document",
			Level:       1,
			StartPage:   0,
			EndPage:     n - 1,
			PrintedPage: 1,
			ParentPath:  []string{},
		}}
	}

	for i, s := range secs {
		if err := ctx.Err(); err != nil {
			return manifest, err
		}
		pages := make([]string, 0, s.EndPage-s.StartPage+1)
		for page := s.StartPage; page <= s.EndPage; page++ {
			pages = append(pages, doc.PageText(page))
		}
		written, err := writeSection(ctx, doc, outDir, i, s, strings.TrimSpace(strings.Join(pages, "\n")))
		if err != nil {
			return manifest, err
		}
		manifest.Sections = append(manifest.Sections, written)
	}

	if err := writeManifest(outDir, manifest); err != nil {
		return manifest, err
	}
	zap.L().Info("sections: full document extraction complete",
		zap.String("document", manifest.SourcePDF),
		zap.Bool("per_page", perPage),
		zap.Int("sections", len(manifest.Sections)),
	)
	return manifest, nil
}
