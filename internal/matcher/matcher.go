// Package matcher scores amendment compliances against an existing policy
// hierarchy with a weighted lexical score, optional embedding similarity
// and optional model review.
package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/retrieval"
	"github.com/sells-group/grc-extract/internal/store"
)

const (
	DefaultTopN      = 5
	DefaultThreshold = 0.5

	embedWorkers = 4
)

// Match is one ranked candidate.
type Match struct {
	Item
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// Matcher ranks hierarchy candidates. The embedder, caller and store are
// optional; without them AI blending, model review and result caching are
// skipped.
type Matcher struct {
	embedder retrieval.Embedder
	caller   llm.JSONCaller
	store    store.AmendmentStore

	mu      sync.Mutex
	vectors map[string][]float32

	now func() time.Time
}

// New creates a Matcher.
func New(embedder retrieval.Embedder, caller llm.JSONCaller, st store.AmendmentStore) *Matcher {
	return &Matcher{
		embedder: embedder,
		caller:   caller,
		store:    st,
		vectors:  map[string][]float32{},
		now:      time.Now,
	}
}

// FindBestMatches ranks every policy, subpolicy and compliance of origin
// against target and returns the topN best. With useAI and a working
// embedder the final score blends in cosine similarity.
func (m *Matcher) FindBestMatches(ctx context.Context, target Item, origin Hierarchy, topN int, useAI bool) ([]Match, error) {
	return m.rank(ctx, target, origin.Items(), topN, useAI)
}

func (m *Matcher) rank(ctx context.Context, target Item, candidates []Item, topN int, useAI bool) ([]Match, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "matcher: rank")
	}

	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		bd := Hybrid(target, c)
		matches[i] = Match{Item: c, Score: bd.Hybrid, Breakdown: bd}
	}

	if useAI && m.embedder != nil && len(candidates) > 0 {
		texts := make([]string, 0, len(candidates)+1)
		texts = append(texts, target.embedText())
		for _, c := range candidates {
			texts = append(texts, c.embedText())
		}
		if vecs, ok := m.embedAll(ctx, texts); ok {
			for i := range matches {
				ai := Cosine(vecs[0], vecs[i+1])
				matches[i].Breakdown.AI = &ai
				matches[i].Score = Blend(matches[i].Breakdown.Hybrid, ai)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches, nil
}

// embedAll embeds texts in parallel through the vector cache. Any failure
// disables AI scoring for the call.
func (m *Matcher) embedAll(ctx context.Context, texts []string) ([][]float32, bool) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for i, text := range texts {
		key := vectorKey(text)
		m.mu.Lock()
		v, ok := m.vectors[key]
		m.mu.Unlock()
		if ok {
			out[i] = v
			continue
		}
		g.Go(func() error {
			v, err := m.embedder.Embed(gctx, text)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.vectors[key] = v
			m.mu.Unlock()
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zap.L().Warn("matcher: embeddings unavailable, using lexical score", zap.Error(err))
		return nil, false
	}
	return out, true
}

func vectorKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Options tunes MatchAll.
type Options struct {
	UseAI     bool
	UseLLM    bool
	Threshold float64
	TopN      int
	// Force recomputes even when the amendment has a cached result.
	Force bool
}

// TargetResult is the outcome for one amendment item.
type TargetResult struct {
	Target    Item      `json:"target"`
	Matches   []Match   `json:"matches"`
	BestScore float64   `json:"best_score"`
	Matched   bool      `json:"matched"`
	LLM       *LLMMatch `json:"llm_match,omitempty"`
}

// Counts summarizes a Results set.
type Counts struct {
	Total     int            `json:"total"`
	Matched   int            `json:"matched"`
	Unmatched int            `json:"unmatched"`
	Buckets   map[string]int `json:"llm_buckets,omitempty"`
}

// Results is the full matching output cached on the amendment record.
type Results struct {
	AmendmentID  string         `json:"amendment_id,omitempty"`
	ReusedCached bool           `json:"reused_cached"`
	GeneratedAt  string         `json:"generated_at"`
	Threshold    float64        `json:"threshold"`
	UseAI        bool           `json:"use_ai"`
	UseLLM       bool           `json:"use_llm"`
	TopN         int            `json:"top_n"`
	Results      []TargetResult `json:"results"`
	Summary      Counts         `json:"summary"`
}

// MatchAll matches every target against origin. With an amendmentID and a
// store the result is cached on the amendment record and served from
// there on later calls with the same options unless opts.Force is set.
func (m *Matcher) MatchAll(ctx context.Context, amendmentID string, targets []Item, origin Hierarchy, opts Options) (*Results, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	log := zap.L().With(zap.String("amendment_id", amendmentID))

	if cached, ok := m.cached(ctx, amendmentID, opts); ok {
		log.Info("matcher: reusing cached result", zap.Int("targets", len(cached.Results)))
		return cached, nil
	}

	candidates := origin.Items()
	compliances := origin.Compliances()
	res := &Results{
		AmendmentID: amendmentID,
		GeneratedAt: m.now().UTC().Format(time.RFC3339),
		Threshold:   opts.Threshold,
		UseAI:       opts.UseAI,
		UseLLM:      opts.UseLLM,
		TopN:        opts.TopN,
		Results:     make([]TargetResult, 0, len(targets)),
		Summary:     Counts{Total: len(targets)},
	}
	if opts.UseLLM {
		res.Summary.Buckets = map[string]int{}
	}

	for _, t := range targets {
		ranked, err := m.rank(ctx, t, candidates, opts.TopN, opts.UseAI)
		if err != nil {
			return nil, err
		}
		tr := TargetResult{Target: t, Matches: []Match{}}
		if len(ranked) > 0 {
			tr.BestScore = ranked[0].Score
		}
		for _, mt := range ranked {
			if mt.Score >= opts.Threshold {
				tr.Matches = append(tr.Matches, mt)
			}
		}
		tr.Matched = len(tr.Matches) > 0

		if opts.UseLLM && m.caller != nil && len(compliances) > 0 {
			lm := m.reviewCompliance(ctx, t, compliances)
			tr.LLM = &lm
			tr.Matched = lm.Bucket != BucketNone
			res.Summary.Buckets[lm.Bucket]++
		}

		if tr.Matched {
			res.Summary.Matched++
		} else {
			res.Summary.Unmatched++
		}
		res.Results = append(res.Results, tr)
	}

	log.Info("matcher: matching complete",
		zap.Int("targets", res.Summary.Total),
		zap.Int("matched", res.Summary.Matched),
	)
	m.save(ctx, res)
	return res, nil
}

func (m *Matcher) cached(ctx context.Context, amendmentID string, opts Options) (*Results, bool) {
	if opts.Force || amendmentID == "" || m.store == nil {
		return nil, false
	}
	a, err := m.store.Get(ctx, amendmentID)
	if err != nil || len(a.MatchingResult) == 0 {
		return nil, false
	}
	var res Results
	if err := json.Unmarshal(a.MatchingResult, &res); err != nil {
		zap.L().Warn("matcher: cached result unreadable, recomputing", zap.String("amendment_id", amendmentID), zap.Error(err))
		return nil, false
	}
	if !res.sameOptions(opts) {
		zap.L().Info("matcher: options changed since cached result, recomputing", zap.String("amendment_id", amendmentID))
		return nil, false
	}
	res.ReusedCached = true
	return &res, true
}

func (r *Results) sameOptions(opts Options) bool {
	return r.Threshold == opts.Threshold && r.TopN == opts.TopN &&
		r.UseAI == opts.UseAI && r.UseLLM == opts.UseLLM
}

func (m *Matcher) save(ctx context.Context, res *Results) {
	if res.AmendmentID == "" || m.store == nil {
		return
	}
	data, err := json.Marshal(res)
	if err == nil {
		err = m.store.SetMatchingResult(ctx, res.AmendmentID, data)
	}
	if err != nil {
		zap.L().Error("matcher: cache result on amendment", zap.String("amendment_id", res.AmendmentID), zap.Error(err))
	}
}
