// Package compliance turns subpolicies into compliance obligations with an
// attached risk, either one subpolicy at a time or in bulk from a sheet.
package compliance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/prompts"
	"github.com/sells-group/grc-extract/internal/router"
)

// SubPolicyInput is one row of generator input.
type SubPolicyInput struct {
	ID          string `json:"subpolicy_id"`
	Name        string `json:"subpolicy_name"`
	Description string `json:"description"`
	Control     string `json:"control"`

	// FrameworkID and AmendmentDate identify the owning amendment. When both
	// are set the cancel check runs before the call.
	FrameworkID   string `json:"framework_id,omitempty"`
	AmendmentDate string `json:"amendment_date,omitempty"`
	FrameworkName string `json:"framework_name,omitempty"`
}

// CancelCheck reports whether the owning amendment asked to stop.
type CancelCheck func(ctx context.Context, frameworkID, amendmentDate string) bool

// ErrCancelled is returned when a cancel check fires.
var ErrCancelled = model.NewError(model.KindAmendmentCancelled, "compliance generation cancelled", nil)

// Generator produces compliance records with a model.
type Generator struct {
	caller llm.JSONCaller
	now    func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(caller llm.JSONCaller) *Generator {
	return &Generator{caller: caller, now: time.Now}
}

// GenerateForSubPolicy asks the model for the compliances of one subpolicy.
// Returned records carry no numeric ids; callers assign them.
func (g *Generator) GenerateForSubPolicy(ctx context.Context, in SubPolicyInput, cancel CancelCheck) ([]model.Compliance, error) {
	if cancel != nil && in.FrameworkID != "" && in.AmendmentDate != "" && cancel(ctx, in.FrameworkID, in.AmendmentDate) {
		return nil, ErrCancelled
	}

	prompt, err := prompts.Render(prompts.ComplianceGeneration, prompts.Vars{
		CurrentDate:   g.now().Format("2006-01-02"),
		FrameworkName: in.FrameworkName,
		SubPolicyID:   in.ID,
		SubPolicyName: in.Name,
		Description:   in.Description,
		Control:       in.Control,
	})
	if err != nil {
		return nil, err
	}

	v, err := g.caller.CallJSON(ctx, llm.Call{
		Task:    router.TaskComplianceGeneration,
		System:  prompts.JSONSystem,
		Prompt:  prompt,
		Content: in.Description + "\n" + in.Control,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "compliance: generate for %s", in.ID)
	}

	items := complianceItems(llm.AsObject(v))
	out := make([]model.Compliance, 0, len(items))
	for i, m := range items {
		out = append(out, buildCompliance(m, in, i+1))
	}
	if len(out) == 0 {
		zap.L().Warn("compliance: model returned no compliances", zap.String("subpolicy", in.ID))
	}
	return out, nil
}

// Batch is the running output of GenerateAll.
type Batch struct {
	Compliances []model.Compliance
	Risks       []model.Risk
	Failed      []string
}

// GenerateAll runs GenerateForSubPolicy over inputs in order and assigns
// monotonic compliance and risk ids starting at 1. onRecord, when set, sees
// the accumulated batch after every subpolicy. A cancel stops the loop and
// returns the partial batch with ErrCancelled. A failing subpolicy is
// recorded in Failed and skipped.
func (g *Generator) GenerateAll(ctx context.Context, inputs []SubPolicyInput, cancel CancelCheck, onRecord func(*Batch) error) (*Batch, error) {
	b := &Batch{}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return b, eris.Wrap(err, "compliance: generate all")
		}
		records, err := g.GenerateForSubPolicy(ctx, in, cancel)
		if model.IsKind(err, model.KindAmendmentCancelled) {
			zap.L().Info("compliance: cancelled",
				zap.String("framework_id", in.FrameworkID),
				zap.Int("compliances", len(b.Compliances)),
			)
			return b, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return b, eris.Wrap(ctx.Err(), "compliance: generate all")
			}
			zap.L().Warn("compliance: subpolicy failed", zap.String("subpolicy", in.ID), zap.Error(err))
			b.Failed = append(b.Failed, in.ID)
			continue
		}
		b.add(records)
		if onRecord != nil {
			if err := onRecord(b); err != nil {
				return b, err
			}
		}
	}
	return b, nil
}

func (b *Batch) add(records []model.Compliance) {
	for _, c := range records {
		c.ID = len(b.Compliances) + 1
		if c.Risk != nil {
			r := *c.Risk
			r.ID = len(b.Risks) + 1
			r.ComplianceID = c.ID
			c.Risk = &r
			b.Risks = append(b.Risks, r)
		}
		b.Compliances = append(b.Compliances, c)
	}
}

// complianceItems accepts {compliances: [...]}, a singular compliance
// object or a bare array.
func complianceItems(resp map[string]any) []map[string]any {
	var raw any
	for _, k := range []string{"compliances", "compliance", "items", "Compliances"} {
		if v, ok := resp[k]; ok {
			raw = v
			break
		}
	}
	if raw == nil && (resp["compliance_title"] != nil || resp["title"] != nil) {
		raw = resp
	}

	var out []map[string]any
	switch t := raw.(type) {
	case []any:
		for _, it := range t {
			if m, ok := it.(map[string]any); ok {
				out = append(out, m)
			}
		}
	case map[string]any:
		out = append(out, t)
	}
	return out
}

func buildCompliance(m map[string]any, in SubPolicyInput, n int) model.Compliance {
	c := model.Compliance{
		Identifier:        str(m, "identifier", "compliance_id", "id"),
		SubPolicyID:       in.ID,
		SubPolicyName:     in.Name,
		Title:             str(m, "compliance_title", "title", "name"),
		Description:       str(m, "compliance_description", "description"),
		Type:              str(m, "compliance_type", "type"),
		Scope:             str(m, "scope"),
		Objective:         str(m, "objective"),
		Criticality:       str(m, "criticality"),
		MandatoryOptional: str(m, "mandatory_optional", "mandatory"),
		ManualAutomatic:   str(m, "manual_automatic", "automation"),
		Impact:            model.ClampScore(num(m, "impact")),
		Probability:       model.ClampScore(num(m, "probability", "likelihood")),
		MaturityLevel:     str(m, "maturity_level", "maturity"),
		Status:            str(m, "status"),
		Active:            true,
		Version:           str(m, "version"),
		Mitigation:        list(m, "mitigation", "mitigation_steps"),
		RiskCategory:      str(m, "risk_category"),
		BusinessImpact:    str(m, "business_impact"),
	}
	if v, ok := m["active"].(bool); ok {
		c.Active = v
	}
	c.Exposure = c.Impact * c.Probability

	if c.Identifier == "" || !strings.HasPrefix(c.Identifier, in.ID) {
		c.Identifier = fmt.Sprintf("%s-C%02d", in.ID, n)
	}
	if c.Title == "" {
		c.Title = in.Name
	}
	if c.Description == "" {
		c.Description = in.Description
	}
	applyDefaults(&c)

	if rm, ok := m["risk"].(map[string]any); ok {
		c.Risk = buildRisk(rm, c)
	}
	return c
}

func buildRisk(m map[string]any, c model.Compliance) *model.Risk {
	r := &model.Risk{
		Title:       str(m, "risk_title", "title", "name"),
		Description: str(m, "risk_description", "description"),
		Likelihood:  model.ClampScore(num(m, "likelihood", "probability")),
		Impact:      model.ClampScore(num(m, "impact")),
		Priority:    str(m, "priority"),
		Mitigation:  list(m, "mitigation", "mitigation_steps"),
		Category:    str(m, "category", "risk_category"),
	}
	r.Exposure = r.Likelihood * r.Impact
	if r.Title == "" {
		r.Title = "Failure to meet: " + c.Title
	}
	if r.Priority == "" {
		r.Priority = priorityFor(r.Exposure)
	}
	if r.Category == "" {
		r.Category = c.RiskCategory
	}
	if len(r.Mitigation) == 0 {
		r.Mitigation = c.Mitigation
	}
	return r
}

func applyDefaults(c *model.Compliance) {
	if c.Criticality == "" {
		c.Criticality = model.DefaultCriticality
	}
	if c.MandatoryOptional == "" {
		c.MandatoryOptional = model.DefaultMandatoryOptional
	}
	if c.ManualAutomatic == "" {
		c.ManualAutomatic = model.DefaultManualAutomatic
	}
	if c.Status == "" {
		c.Status = model.DefaultStatus
	}
	if c.Version == "" {
		c.Version = model.DefaultVersion
	}
	if c.MaturityLevel == "" {
		c.MaturityLevel = model.DefaultMaturityLevel
	}
	if c.Mitigation == nil {
		c.Mitigation = []string{}
	}
}

// priorityFor maps an exposure score (1-100) to an ordinal priority.
func priorityFor(exposure int) string {
	switch {
	case exposure >= 64:
		return "Critical"
	case exposure >= 36:
		return "High"
	case exposure >= 16:
		return "Medium"
	default:
		return "Low"
	}
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if k == "mandatory" {
				if v {
					return "Mandatory"
				}
				return "Optional"
			}
		}
	}
	return ""
}

// num reads a score that may arrive as a number or a numeric string.
// maxNum bounds model-supplied numbers before conversion to int.
const maxNum = 1 << 20

func round(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f > maxNum:
		return maxNum
	case f < -maxNum:
		return -maxNum
	}
	return int(math.Round(f))
}

func num(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return round(v)
		case int:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return round(f)
			}
		}
	}
	return 0
}

func list(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, it := range v {
				if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			return out
		case string:
			if s := strings.TrimSpace(v); s != "" {
				var out []string
				for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '\n' }) {
					if p := strings.TrimSpace(part); p != "" {
						out = append(out, p)
					}
				}
				return out
			}
		}
	}
	return nil
}
