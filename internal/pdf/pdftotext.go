package pdf

import (
	"bytes"
	"context"
	"encoding/xml"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText runs the poppler pdftotext CLI.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText runner. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

func (p *PdfToText) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "pdf: pdftotext %s: %s", strings.Join(args, " "), stderr.String())
	}
	return stdout.Bytes(), nil
}

// Pages runs pdftotext -layout and splits the output into pages.
func (p *PdfToText) Pages(ctx context.Context, pdfPath string) ([]string, error) {
	out, err := p.run(ctx, "-layout", pdfPath, "-")
	if err != nil {
		return nil, err
	}
	return splitPages(string(out)), nil
}

// Lines runs pdftotext -bbox-layout over pages first..last (1-based,
// inclusive) and returns positioned lines keyed by 0-based page index.
func (p *PdfToText) Lines(ctx context.Context, pdfPath string, first, last int) (map[int][]Line, error) {
	out, err := p.run(ctx, "-bbox-layout",
		"-f", strconv.Itoa(first), "-l", strconv.Itoa(last), pdfPath, "-")
	if err != nil {
		return nil, err
	}
	return parseBBox(out, first-1)
}

// splitPages splits pdftotext output on form feeds. The trailing empty
// segment after the final form feed is dropped.
func splitPages(out string) []string {
	pages := strings.Split(out, "\f")
	if n := len(pages); n > 0 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	return pages
}

type bboxDoc struct {
	Pages []bboxPage `xml:"body>doc>page"`
}

type bboxPage struct {
	Lines []bboxLine `xml:"flow>block>line"`
}

type bboxLine struct {
	XMin  float64    `xml:"xMin,attr"`
	YMin  float64    `xml:"yMin,attr"`
	Words []bboxWord `xml:"word"`
}

type bboxWord struct {
	XMin float64 `xml:"xMin,attr"`
	Text string  `xml:",chardata"`
}

// rowTolerance is the vertical distance in points under which two layout
// lines are treated as one visual row.
const rowTolerance = 2.0

// parseBBox decodes pdftotext -bbox-layout XHTML. Layout lines that share a
// baseline (a title block and a right-aligned page number block, for
// instance) are merged into one row ordered left to right.
func parseBBox(data []byte, pageOffset int) (map[int][]Line, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var doc bboxDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "pdf: decode bbox layout")
	}

	out := make(map[int][]Line, len(doc.Pages))
	for i, page := range doc.Pages {
		out[pageOffset+i] = mergeRows(page.Lines)
	}
	return out, nil
}

func mergeRows(lines []bboxLine) []Line {
	sort.SliceStable(lines, func(i, j int) bool {
		if abs(lines[i].YMin-lines[j].YMin) < rowTolerance {
			return lines[i].XMin < lines[j].XMin
		}
		return lines[i].YMin < lines[j].YMin
	})

	var rows []Line
	for _, l := range lines {
		words := make([]string, 0, len(l.Words))
		for _, w := range l.Words {
			if t := strings.TrimSpace(w.Text); t != "" {
				words = append(words, t)
			}
		}
		if len(words) == 0 {
			continue
		}
		text := strings.Join(words, " ")
		if n := len(rows); n > 0 && abs(rows[n-1].Y-l.YMin) < rowTolerance {
			// Two spaces mark the gap between merged blocks.
			rows[n-1].Text += "  " + text
			if l.XMin < rows[n-1].X {
				rows[n-1].X = l.XMin
			}
			continue
		}
		rows = append(rows, Line{Text: text, X: l.XMin, Y: l.YMin})
	}
	return rows
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
