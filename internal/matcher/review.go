package matcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/prompts"
	"github.com/sells-group/grc-extract/internal/router"
)

// MaxReviewCandidates bounds the candidates sent with one review call.
const MaxReviewCandidates = 20

// Match buckets by model score.
const (
	BucketExact   = "exact"
	BucketStrong  = "strong"
	BucketPartial = "partial"
	BucketNone    = "none"
)

// Compliance statuses a review may return.
const (
	StatusCompliant          = "COMPLIANT"
	StatusPartiallyCompliant = "PARTIALLY_COMPLIANT"
	StatusNonCompliant       = "NON_COMPLIANT"
)

// LLMMatch is the model's verdict for one target compliance.
type LLMMatch struct {
	HasMatch         bool    `json:"has_match"`
	BestMatchIndex   *int    `json:"best_match_index,omitempty"`
	MatchedID        string  `json:"matched_id,omitempty"`
	MatchedTitle     string  `json:"matched_title,omitempty"`
	MatchScore       float64 `json:"match_score"`
	ComplianceStatus string  `json:"compliance_status"`
	Recommendation   string  `json:"recommendation,omitempty"`
	Bucket           string  `json:"bucket"`
	Error            string  `json:"error,omitempty"`
}

// BucketFor maps a model score to its bucket.
func BucketFor(score float64) string {
	switch {
	case score >= 0.9:
		return BucketExact
	case score >= 0.7:
		return BucketStrong
	case score >= 0.5:
		return BucketPartial
	}
	return BucketNone
}

// reviewCompliance asks the model to pick the best of the top candidates.
// Any failure is reported as a non-match.
func (m *Matcher) reviewCompliance(ctx context.Context, target Item, compliances []Item) LLMMatch {
	ranked, err := m.rank(ctx, target, compliances, MaxReviewCandidates, false)
	if err != nil || len(ranked) == 0 {
		return noMatch(err)
	}

	var b strings.Builder
	for i, c := range ranked {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, c.Title, c.Description)
	}
	prompt, err := prompts.Render(prompts.ComplianceMatching, prompts.Vars{
		Target:     strings.TrimSpace(target.Title + ": " + target.Description),
		Candidates: strings.TrimRight(b.String(), "\n"),
	})
	if err != nil {
		return noMatch(err)
	}

	v, err := m.caller.CallJSON(ctx, llm.Call{
		Task:    router.TaskComplianceMatching,
		System:  prompts.JSONSystem,
		Prompt:  prompt,
		Content: target.Description + "\n" + b.String(),
	})
	if err != nil {
		zap.L().Warn("matcher: review call failed", zap.String("target", target.ID), zap.Error(err))
		return noMatch(err)
	}
	return parseReview(llm.AsObject(v), ranked)
}

func parseReview(resp map[string]any, ranked []Match) LLMMatch {
	if len(resp) == 0 {
		return noMatch(eris.New("matcher: review response is not an object"))
	}
	out := LLMMatch{ComplianceStatus: StatusNonCompliant}
	out.HasMatch, _ = resp["has_match"].(bool)
	if f, ok := resp["match_score"].(float64); ok {
		out.MatchScore = min(max(f, 0), 1)
	}
	if s, ok := resp["compliance_status"].(string); ok {
		switch st := strings.ToUpper(strings.TrimSpace(s)); st {
		case StatusCompliant, StatusPartiallyCompliant, StatusNonCompliant:
			out.ComplianceStatus = st
		}
	}
	out.Recommendation, _ = resp["recommendation"].(string)

	if out.HasMatch {
		f, ok := resp["best_match_index"].(float64)
		idx := int(f)
		if !ok || idx < 0 || idx >= len(ranked) || f != float64(idx) {
			out.HasMatch = false
		} else {
			out.BestMatchIndex = &idx
			out.MatchedID = ranked[idx].ID
			out.MatchedTitle = ranked[idx].Title
		}
	}
	if !out.HasMatch {
		out.Bucket = BucketNone
		return out
	}
	out.Bucket = BucketFor(out.MatchScore)
	return out
}

func noMatch(err error) LLMMatch {
	m := LLMMatch{ComplianceStatus: StatusNonCompliant, Bucket: BucketNone}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}
