// Package preprocess normalizes, truncates and hashes document text before
// it reaches a model.
package preprocess

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TruncationMarker joins the kept parts of truncated text.
const TruncationMarker = "\n\n[... content truncated ...]\n\n"

// Metadata reports what preprocessing did to a text.
type Metadata struct {
	OriginalLength   int     `json:"original_length"`
	FinalLength      int     `json:"final_length"`
	Truncated        bool    `json:"truncated"`
	ReductionPercent float64 `json:"reduction_percent"`
}

var (
	spaceRun   = regexp.MustCompile(` {2,}`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// Preprocess cleans text and, when maxLength > 0 and the cleaned text is
// longer, truncates it to a head, sampled middle and tail.
func Preprocess(text string, maxLength int) (string, Metadata) {
	meta := Metadata{OriginalLength: runeLen(text)}

	out := Clean(text)
	if maxLength > 0 && runeLen(out) > maxLength {
		out = truncate(out, maxLength)
		meta.Truncated = true
	}

	meta.FinalLength = runeLen(out)
	if meta.OriginalLength > 0 {
		reduction := float64(meta.OriginalLength-meta.FinalLength) / float64(meta.OriginalLength) * 100
		meta.ReductionPercent = math.Round(reduction*100) / 100
	}
	return out, meta
}

// Clean applies NFKC normalization, drops non-printable characters other
// than newline, tab and carriage return, collapses space runs, trims every
// line and collapses three or more newlines to two.
func Clean(text string) string {
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case unicode.IsPrint(r):
			b.WriteRune(r)
		}
	}

	text = spaceRun.ReplaceAllString(b.String(), " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")

	return strings.TrimSpace(newlineRun.ReplaceAllString(text, "\n\n"))
}

// truncate keeps the first 40%, a sentence-aligned middle 20% and the last
// 40% of maxLength.
func truncate(text string, maxLength int) string {
	runes := []rune(text)
	n := len(runes)

	headLen := maxLength * 2 / 5
	midLen := maxLength / 5
	tailLen := maxLength * 2 / 5

	head := runes[:headLen]
	tail := runes[n-tailLen:]

	mid := n / 2
	start := mid - midLen/2
	end := start + midLen

	// Snap start forward past the previous sentence end and end forward to
	// the next one, staying inside the region not already kept.
	if i := lastIndexRune(runes[headLen:start], '.'); i >= 0 && start-(headLen+i) <= midLen {
		start = headLen + i + 1
	}
	if i := indexRune(runes[end:n-tailLen], '.'); i >= 0 && i <= midLen {
		end = end + i + 1
	}

	middle := strings.TrimSpace(string(runes[start:end]))
	return strings.TrimSpace(string(head)) + TruncationMarker + middle + TruncationMarker + strings.TrimSpace(string(tail))
}

func indexRune(rs []rune, r rune) int {
	for i, c := range rs {
		if c == r {
			return i
		}
	}
	return -1
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func runeLen(s string) int {
	return len([]rune(s))
}

// Hash returns the hex SHA-256 digest of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
