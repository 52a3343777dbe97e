// Package router picks a model tier per call from the task, input size,
// accuracy need and recent processing load.
package router

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/config"
)

// Tier names a model class within a provider.
type Tier string

const (
	TierFast    Tier = "fast"
	TierDefault Tier = "default"
	TierComplex Tier = "complex"
)

// Task identifies the kind of extraction a call performs.
type Task string

const (
	TaskFieldExtraction      Task = "field_extraction"
	TaskPolicyExtraction     Task = "policy_extraction"
	TaskComplianceGeneration Task = "compliance_generation"
	TaskRiskExtraction       Task = "risk_extraction"
	TaskComplianceMatching   Task = "compliance_matching"
)

// Accuracy is the caller's accuracy requirement.
type Accuracy string

const (
	AccuracyStandard Accuracy = "standard"
	AccuracyHigh     Accuracy = "high"
	AccuracyCritical Accuracy = "critical"
)

// Profile describes one model. Speed, Accuracy and Cost are relative
// scores in [0,1]; Context is the usable context in characters.
type Profile struct {
	Model    string  `json:"model"`
	Speed    float64 `json:"speed"`
	Accuracy float64 `json:"accuracy"`
	Cost     float64 `json:"cost"`
	Context  int     `json:"context"`
}

// Profiles maps provider name to its tiers.
type Profiles map[string]map[Tier]Profile

// DefaultProfiles builds the profile table from configured model ids.
func DefaultProfiles(remote config.AnthropicConfig, local config.LocalModelConfig) Profiles {
	return Profiles{
		config.ProviderRemote: {
			TierFast:    {Model: remote.FastModel, Speed: 0.9, Accuracy: 0.75, Cost: 0.1, Context: 600_000},
			TierDefault: {Model: remote.Model, Speed: 0.7, Accuracy: 0.9, Cost: 0.4, Context: 600_000},
			TierComplex: {Model: remote.ComplexModel, Speed: 0.4, Accuracy: 0.97, Cost: 1.0, Context: 600_000},
		},
		config.ProviderLocal: {
			TierFast:    {Model: local.FastModel, Speed: 0.9, Accuracy: 0.6, Cost: 0, Context: 32_000},
			TierDefault: {Model: local.DefaultModel, Speed: 0.6, Accuracy: 0.75, Cost: 0, Context: 32_000},
			TierComplex: {Model: local.ComplexModel, Speed: 0.25, Accuracy: 0.85, Cost: 0, Context: 128_000},
		},
	}
}

// Request carries the routing inputs for one call.
type Request struct {
	Task       Task
	TextLength int
	Accuracy   Accuracy
	Provider   string
	SystemLoad *float64 // overrides the tracked load when set
	RiskCount  int
}

// Thresholds used by the routing rules.
const (
	overloadThreshold = 0.8
	busyThreshold     = 0.7
	smallDocChars     = 2_000
	largeDocChars     = 50_000
	manyRisks         = 5

	historySize = 100
	loadWindow  = 300 * time.Second
)

type sample struct {
	at             time.Time
	processingTime time.Duration
	docSize        int
	load           float64
}

// Router selects models and tracks recent load. It is safe for
// concurrent use.
type Router struct {
	profiles Profiles
	now      func() time.Time

	mu      sync.Mutex
	history [historySize]sample
	count   int
	next    int
}

// New creates a Router over profiles.
func New(profiles Profiles) *Router {
	return &Router{profiles: profiles, now: time.Now}
}

// Route returns the model id for req.
func (r *Router) Route(req Request) string {
	tier, p := r.Select(req)
	zap.L().Debug("router: model selected",
		zap.String("task", string(req.Task)),
		zap.String("tier", string(tier)),
		zap.String("model", p.Model),
		zap.Int("text_length", req.TextLength),
	)
	return p.Model
}

// Select applies the routing rules in order and returns the chosen tier
// and its profile.
func (r *Router) Select(req Request) (Tier, Profile) {
	var load float64
	if req.SystemLoad != nil {
		load = *req.SystemLoad
	} else {
		load = r.CurrentLoad()
	}

	tier := TierDefault
	switch {
	case load > overloadThreshold:
		tier = TierFast
	case req.Accuracy == AccuracyCritical:
		tier = TierComplex
	case req.Accuracy == AccuracyHigh && load < busyThreshold:
		tier = TierComplex
	case req.Task == TaskFieldExtraction || req.TextLength < smallDocChars:
		tier = TierFast
	case (req.TextLength > largeDocChars || req.RiskCount > manyRisks) && load < busyThreshold:
		tier = TierComplex
	}

	tiers, ok := r.profiles[req.Provider]
	if !ok {
		tiers = r.profiles[config.ProviderRemote]
	}
	p := tiers[tier]
	if p.Model == "" {
		tier, p = TierDefault, tiers[TierDefault]
	}
	return tier, p
}

// Track records one finished call.
func (r *Router) Track(processingTime time.Duration, docSize int) {
	load := processingTime.Seconds()/60*0.7 + float64(docSize)/100_000*0.3
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[r.next] = sample{
		at:             r.now(),
		processingTime: processingTime,
		docSize:        docSize,
		load:           clamp(load),
	}
	r.next = (r.next + 1) % historySize
	if r.count < historySize {
		r.count++
	}
}

// CurrentLoad averages the load of calls tracked in the last five minutes.
func (r *Router) CurrentLoad() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-loadWindow)
	var sum float64
	n := 0
	for i := range r.count {
		s := r.history[i]
		if s.at.Before(cutoff) {
			continue
		}
		sum += s.load
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp(sum / float64(n))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
