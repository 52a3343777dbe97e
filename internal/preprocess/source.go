package preprocess

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

// Source is a loaded input file.
type Source struct {
	Document model.Document
	Pages    pdf.Document
	// Cleanup removes temporary files created while loading.
	Cleanup func()
}

// Text returns the concatenated page text of the source.
func (s *Source) Text() string {
	var b strings.Builder
	for i := range s.Pages.PageCount() {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Pages.PageText(i))
	}
	return b.String()
}

// KindOf returns the source kind for a file name, ignoring a trailing .gz.
func KindOf(name string) (model.SourceKind, bool) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(strings.ToLower(name), ".gz")))
	switch ext {
	case ".pdf":
		return model.SourcePDF, true
	case ".docx":
		return model.SourceDOCX, true
	case ".xlsx":
		return model.SourceXLSX, true
	case ".txt":
		return model.SourceTXT, true
	}
	return "", false
}

// Load opens path as a Source. Gzip-compressed files are decompressed
// transparently and the compression ratio is recorded on the Document.
func Load(ctx context.Context, path string, opts pdf.Options) (*Source, error) {
	kind, ok := KindOf(path)
	if !ok {
		return nil, model.Errorf(model.KindInputRejected, "unsupported file type: %s", filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "preprocess: stat %s", path)
	}

	doc := model.Document{
		Name:      filepath.Base(path),
		Path:      path,
		Size:      info.Size(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	src := &Source{Cleanup: func() {}}

	localPath := path
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		tmp, size, err := gunzipToTemp(path)
		if err != nil {
			return nil, err
		}
		doc.CompressedSize = info.Size()
		doc.Size = size
		localPath = tmp
		src.Cleanup = func() { _ = os.Remove(tmp) }
		zap.L().Info("preprocess: decompressed source",
			zap.String("file", doc.Name),
			zap.Int64("compressed_size", doc.CompressedSize),
			zap.Int64("original_size", doc.Size),
			zap.Float64("compression_ratio", doc.CompressionRatio()),
		)
	}

	switch kind {
	case model.SourcePDF:
		f, err := pdf.Open(ctx, localPath, opts)
		if err != nil {
			src.Cleanup()
			return nil, err
		}
		src.Pages = f
	case model.SourceDOCX:
		text, err := readDOCX(localPath)
		if err != nil {
			src.Cleanup()
			return nil, err
		}
		src.Pages = pdf.NewMemory(path, []string{text})
	case model.SourceXLSX:
		pages, err := readXLSX(localPath)
		if err != nil {
			src.Cleanup()
			return nil, err
		}
		src.Pages = pdf.NewMemory(path, pages)
	case model.SourceTXT:
		data, err := os.ReadFile(localPath)
		if err != nil {
			src.Cleanup()
			return nil, eris.Wrap(err, "preprocess: read text")
		}
		src.Pages = pdf.NewMemory(path, strings.Split(string(data), "\f"))
	}

	cleaned, _ := Preprocess(src.Text(), 0)
	doc.Hash = Hash(cleaned)
	src.Document = doc
	return src, nil
}

func gunzipToTemp(path string) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, eris.Wrap(err, "preprocess: open gzip")
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", 0, model.NewError(model.KindInputRejected, "invalid gzip file", err)
	}
	defer zr.Close()

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out, err := os.CreateTemp("", "grc-*-"+base)
	if err != nil {
		return "", 0, eris.Wrap(err, "preprocess: create temp")
	}
	n, err := io.Copy(out, zr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", 0, eris.Wrap(err, "preprocess: decompress")
	}
	return out.Name(), n, nil
}

type docxBody struct {
	Paragraphs []struct {
		Runs []struct {
			Text []string `xml:"t"`
		} `xml:"r"`
	} `xml:"body>p"`
}

func readDOCX(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrap(err, "preprocess: read docx")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", model.NewError(model.KindInputRejected, "invalid docx archive", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", eris.Wrap(err, "preprocess: open document.xml")
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", eris.Wrap(err, "preprocess: read document.xml")
		}
		var body docxBody
		if err := xml.Unmarshal(content, &body); err != nil {
			return "", eris.Wrap(err, "preprocess: parse document.xml")
		}
		lines := make([]string, 0, len(body.Paragraphs))
		for _, p := range body.Paragraphs {
			var b strings.Builder
			for _, r := range p.Runs {
				for _, t := range r.Text {
					b.WriteString(t)
				}
			}
			lines = append(lines, b.String())
		}
		return strings.Join(lines, "\n"), nil
	}
	return "", model.Errorf(model.KindInputRejected, "docx has no word/document.xml")
}

// readXLSX renders each sheet as one page of tab-separated rows.
func readXLSX(path string) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, model.NewError(model.KindInputRejected, "invalid xlsx file", err)
	}
	pages := make([]string, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		var b strings.Builder
		b.WriteString(sheet.Name)
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, c := range row.Cells {
				cells = append(cells, c.String())
			}
			line := strings.TrimRight(strings.Join(cells, "\t"), "\t")
			if line != "" {
				b.WriteString("\n")
				b.WriteString(line)
			}
		}
		pages = append(pages, b.String())
	}
	return pages, nil
}
