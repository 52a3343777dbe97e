package index

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
)

var (
	tocHeading = regexp.MustCompile(`(?im)^\s*(table\s+of\s+contents|contents|index)\s*$`)

	// Ordered from most to least specific layout.
	itemPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.*?\S)\s*(?:\.\s*){2,}\s*(\d{1,4}|[ivxlcdm]{1,7})$`),
		regexp.MustCompile(`(?i)^(.*?\S)\s*[.\x{2026}·]{2,}\s*(\d{1,4}|[ivxlcdm]{1,7})$`),
		regexp.MustCompile(`(?i)^(.*?\S)\s{2,}(\d{1,4}|[ivxlcdm]{1,7})$`),
		regexp.MustCompile(`^((?:\d+(?:\.\d+)*\.?|[A-Z]\.|Appendix\s+[A-Z0-9]+:?)\s+.+?)\s+(\d{1,4})$`),
	}

	numbering = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s`)
	romanOnly = regexp.MustCompile(`(?i)^[ivxlcdm]+$`)
)

const (
	// missLimit stops TOC parsing after this many pages without items.
	missLimit = 3
	// proseLines marks a page as body text.
	proseLines = 12
	// xTolerance groups item start positions into levels.
	xTolerance = 4.0
	// minStartItems lets a page with no heading start the TOC.
	minStartItems = 5
)

type rawItem struct {
	title  string
	label  string
	page   int
	source int
	x      float64
	hasX   bool
	indent int
}

// parseTOC finds and parses the printed table of contents.
func parseTOC(doc pdf.Document) ([]model.IndexItem, model.IndexMethod) {
	start := findTOCStart(doc)
	if start < 0 {
		return nil, model.IndexTOCTextFallback
	}

	var raw []rawItem
	misses := 0
	positioned := true
	for page := start; page < doc.PageCount() && misses < missLimit; page++ {
		items, prose := pageItems(doc, page)
		if len(items) == 0 {
			misses++
			if len(raw) > 0 && prose >= proseLines {
				break
			}
			continue
		}
		if prose >= proseLines && prose > len(items) {
			break
		}
		misses = 0
		for _, it := range items {
			if !it.hasX {
				positioned = false
			}
		}
		raw = append(raw, items...)
	}
	if len(raw) == 0 {
		return nil, model.IndexTOCTextFallback
	}

	method := model.IndexTOCWithPositions
	if positioned {
		assignXLevels(raw)
	} else {
		method = model.IndexTOCTextFallback
	}

	out := make([]model.IndexItem, 0, len(raw))
	for _, r := range raw {
		level := r.indent
		if !positioned {
			level = textLevel(r)
		}
		out = append(out, model.IndexItem{
			Level:      level,
			Title:      r.title,
			PageLabel:  r.label,
			PageNumber: r.page,
			SourcePage: r.source,
		})
	}
	return out, method
}

// findTOCStart returns the first page with a TOC heading or a dense run of
// TOC lines, or -1.
func findTOCStart(doc pdf.Document) int {
	limit := min(doc.PageCount(), maxScanPages)
	for page := range limit {
		if tocHeading.MatchString(doc.PageText(page)) {
			return page
		}
	}
	for page := range limit {
		if items, _ := pageItems(doc, page); len(items) >= minStartItems {
			return page
		}
	}
	return -1
}

// pageItems parses the TOC lines of page. It prefers positioned lines and
// also reports how many lines look like prose.
func pageItems(doc pdf.Document, page int) ([]rawItem, int) {
	var items []rawItem
	prose := 0

	if lines := doc.PageLines(page); len(lines) > 0 {
		for _, ln := range lines {
			if it, ok := matchItem(ln.Text); ok {
				it.source = page
				it.x = ln.X
				it.hasX = true
				items = append(items, it)
			} else if isProse(ln.Text) {
				prose++
			}
		}
		return items, prose
	}

	for _, ln := range strings.Split(doc.PageText(page), "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		if it, ok := matchItem(strings.TrimRight(ln, " \t")); ok {
			it.source = page
			it.indent = len(ln) - len(strings.TrimLeft(ln, " \t"))
			items = append(items, it)
		} else if isProse(ln) {
			prose++
		}
	}
	return items, prose
}

func matchItem(line string) (rawItem, bool) {
	text := strings.TrimSpace(line)
	if text == "" || tocHeading.MatchString(text) {
		return rawItem{}, false
	}
	for _, re := range itemPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		page, ok := ParsePageLabel(m[2])
		if !ok || title == "" || romanOnly.MatchString(title) {
			continue
		}
		return rawItem{title: title, label: m[2], page: page}, true
	}
	return rawItem{}, false
}

func isProse(line string) bool {
	t := strings.TrimSpace(line)
	return len(t) >= 60 && strings.Count(t, " ") >= 8
}

// assignXLevels clusters item x positions. The leftmost populated cluster
// is level 1 and each cluster further right adds a level.
func assignXLevels(raw []rawItem) {
	xs := make([]float64, 0, len(raw))
	for _, r := range raw {
		xs = append(xs, r.x)
	}
	sort.Float64s(xs)

	var buckets []float64
	for _, x := range xs {
		if len(buckets) == 0 || x-buckets[len(buckets)-1] > xTolerance {
			buckets = append(buckets, x)
		}
	}
	for i := range raw {
		level := 1
		for j, b := range buckets {
			if raw[i].x >= b-1e-9 {
				level = j + 1
			}
		}
		raw[i].indent = level
	}
}

// textLevel infers a level from dotted numbering, falling back to
// indentation in layout text.
func textLevel(r rawItem) int {
	if m := numbering.FindStringSubmatch(r.title); m != nil {
		return strings.Count(m[1], ".") + 1
	}
	return r.indent/4 + 1
}

// ParsePageLabel converts arabic or roman page labels.
func ParsePageLabel(label string) (int, bool) {
	label = strings.TrimSpace(label)
	if n, err := strconv.Atoi(label); err == nil {
		return n, n > 0
	}
	if romanOnly.MatchString(label) {
		n := RomanToInt(label)
		return n, n > 0
	}
	return 0, false
}

// RomanToInt converts a roman numeral. Invalid input returns 0.
func RomanToInt(s string) int {
	values := map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100, 'd': 500, 'm': 1000}
	s = strings.ToLower(s)
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := values[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) && values[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	return total
}

var (
	dashes     = strings.NewReplacer("–", "-", "—", "-", "‒", "-", "−", "-", "­", "")
	spaceRuns  = regexp.MustCompile(`\s+`)
	trailLeads = regexp.MustCompile(`[\s.\x{2026}·]+$`)
)

// CleanTitle trims, NFKC-normalizes and dash-normalizes a TOC title.
func CleanTitle(s string) string {
	s = norm.NFKC.String(s)
	s = dashes.Replace(s)
	s = spaceRuns.ReplaceAllString(s, " ")
	s = trailLeads.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
