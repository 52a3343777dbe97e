package matcher

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Component weights of the hybrid score.
const (
	WeightIdentifier  = 3.0
	WeightTitle       = 2.0
	WeightDescription = 1.5
	WeightKeyword     = 1.0

	// AIWeight is the share of the embedding similarity in the final score.
	AIWeight = 0.4

	idContainsScore = 0.9
	idTextFactor    = 0.7
	minKeywordLen   = 4
	maxCompareRunes = 600
)

var digitsRe = regexp.MustCompile(`\d+`)

var stopwords = map[string]bool{
	"about": true, "above": true, "after": true, "against": true, "also": true, "been": true,
	"being": true, "between": true, "both": true, "each": true, "from": true, "have": true,
	"into": true, "must": true, "only": true, "other": true, "over": true, "same": true,
	"shall": true, "should": true, "some": true, "such": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "those": true, "through": true, "under": true, "until": true, "upon": true,
	"very": true, "were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "within": true, "would": true, "your": true,
}

// Breakdown holds the component scores of one comparison. A nil AI means
// no embedding similarity was available.
type Breakdown struct {
	Identifier  float64  `json:"identifier"`
	Title       float64  `json:"title"`
	Description float64  `json:"description"`
	Keyword     float64  `json:"keyword"`
	Hybrid      float64  `json:"hybrid"`
	AI          *float64 `json:"ai,omitempty"`
}

// Hybrid scores b against a. Components with an empty side are left out of
// the weighted average.
func Hybrid(a, b Item) Breakdown {
	var bd Breakdown
	var sum, weights float64

	if a.ID != "" && b.ID != "" {
		bd.Identifier = IdentifierSimilarity(a.ID, b.ID)
		sum += WeightIdentifier * bd.Identifier
		weights += WeightIdentifier
	}
	if a.Title != "" && b.Title != "" {
		bd.Title = Ratio(a.Title, b.Title)
		sum += WeightTitle * bd.Title
		weights += WeightTitle
	}
	if a.Description != "" && b.Description != "" {
		bd.Description = Ratio(a.Description, b.Description)
		sum += WeightDescription * bd.Description
		weights += WeightDescription
	}
	bd.Keyword = Jaccard(a.words(), b.words())
	sum += WeightKeyword * bd.Keyword
	weights += WeightKeyword

	bd.Hybrid = sum / weights
	return bd
}

// Blend mixes the hybrid and embedding scores.
func Blend(hybrid, ai float64) float64 {
	return (1-AIWeight)*hybrid + AIWeight*ai
}

// IdentifierSimilarity compares the numeric fragments of two ids. When one
// fragment string contains the other the score is 0.9; otherwise the text
// ratio scaled by 0.7.
func IdentifierSimilarity(a, b string) float64 {
	na := strings.Join(digitsRe.FindAllString(a, -1), ".")
	nb := strings.Join(digitsRe.FindAllString(b, -1), ".")
	if na != "" && nb != "" && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		return idContainsScore
	}
	return Ratio(a, b) * idTextFactor
}

// Ratio is 2*LCS/(len(a)+len(b)) over normalized runes.
func Ratio(a, b string) float64 {
	ra, rb := []rune(normalize(a)), []rune(normalize(b))
	if len(ra) > maxCompareRunes {
		ra = ra[:maxCompareRunes]
	}
	if len(rb) > maxCompareRunes {
		rb = rb[:maxCompareRunes]
	}
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	return 2 * float64(lcs(ra, rb)) / float64(len(ra)+len(rb))
}

func lcs(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// normalize lowercases s and collapses everything but letters and digits
// to single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// Keywords returns the distinct tokens of at least four characters that
// are not stopwords.
func Keywords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(normalize(s)) {
		if len([]rune(w)) >= minKeywordLen && !stopwords[w] {
			out[w] = true
		}
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|, zero when both are empty.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Cosine returns the cosine similarity of two vectors, zero on length
// mismatch or zero norm.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
