package matcher

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/amendment"
	"github.com/sells-group/grc-extract/internal/model"
)

// Level is the hierarchy level of a candidate.
type Level string

const (
	LevelPolicy     Level = "policy"
	LevelSubPolicy  Level = "subpolicy"
	LevelCompliance Level = "compliance"
)

// Item is one comparable node: a match target or a hierarchy candidate.
type Item struct {
	Level       Level  `json:"level"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// Text is additional body text such as a control or mitigation.
	Text string `json:"text,omitempty"`

	PolicyID    string `json:"policy_id,omitempty"`
	SubPolicyID string `json:"subpolicy_id,omitempty"`
}

func (it Item) words() map[string]bool {
	return Keywords(it.Title + " " + it.Description + " " + it.Text)
}

func (it Item) embedText() string {
	return strings.TrimSpace(it.Title + "\n" + it.Description + "\n" + it.Text)
}

// Hierarchy is the existing policy tree that amendments are matched to.
type Hierarchy struct {
	Policies []amendment.Policy `json:"policies"`
}

// Items flattens the hierarchy into policy, subpolicy and compliance
// candidates in tree order.
func (h Hierarchy) Items() []Item {
	var out []Item
	for _, p := range h.Policies {
		out = append(out, Item{Level: LevelPolicy, ID: p.PolicyID, Title: p.Title, Description: p.Description, PolicyID: p.PolicyID})
		for _, sp := range p.SubPolicies {
			out = append(out, Item{
				Level:       LevelSubPolicy,
				ID:          sp.SubPolicyID,
				Title:       sp.Title,
				Description: sp.Description,
				Text:        sp.Control,
				PolicyID:    p.PolicyID,
				SubPolicyID: sp.SubPolicyID,
			})
			for _, c := range sp.Compliances {
				out = append(out, ComplianceItem(c, p.PolicyID))
			}
		}
	}
	return out
}

// Compliances returns only the compliance candidates.
func (h Hierarchy) Compliances() []Item {
	var out []Item
	for _, it := range h.Items() {
		if it.Level == LevelCompliance {
			out = append(out, it)
		}
	}
	return out
}

// ComplianceItem converts a compliance record.
func ComplianceItem(c model.Compliance, policyID string) Item {
	return Item{
		Level:       LevelCompliance,
		ID:          c.Identifier,
		Title:       c.Title,
		Description: c.Description,
		Text:        strings.Join(c.Mitigation, "; "),
		PolicyID:    policyID,
		SubPolicyID: c.SubPolicyID,
	}
}

// FromOutput builds a hierarchy from a combined amendment JSON.
func FromOutput(out *amendment.Output) Hierarchy {
	var h Hierarchy
	for _, sec := range out.Sections {
		h.Policies = append(h.Policies, sec.Policies...)
	}
	return h
}

// FromRecords builds a hierarchy from all_policies.json records.
func FromRecords(records []model.PolicyRecord) Hierarchy {
	var h Hierarchy
	for _, rec := range records {
		for _, p := range rec.Analysis.Policies {
			pol := amendment.Policy{PolicyID: p.PolicyID, Title: p.Title, Description: p.Description, Type: p.Type}
			for _, sp := range p.SubPolicies {
				pol.SubPolicies = append(pol.SubPolicies, amendment.SubPolicy{
					SubPolicyID: sp.SubPolicyID,
					Title:       sp.Title,
					Description: sp.Description,
					Control:     sp.Control,
				})
			}
			h.Policies = append(h.Policies, pol)
		}
	}
	return h
}

// Targets lists the compliances of an amendment output, or its
// subpolicies when no compliance was generated.
func Targets(out *amendment.Output) []Item {
	var targets []Item
	for _, c := range out.Compliances() {
		targets = append(targets, ComplianceItem(c, ""))
	}
	if len(targets) > 0 {
		return targets
	}
	return FromOutput(out).subPolicies()
}

func (h Hierarchy) subPolicies() []Item {
	var out []Item
	for _, it := range h.Items() {
		if it.Level == LevelSubPolicy {
			out = append(out, it)
		}
	}
	return out
}

// LoadHierarchy reads a hierarchy file: a {"policies": [...]} document, a
// combined amendment JSON or an all_policies.json array.
func LoadHierarchy(path string) (Hierarchy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hierarchy{}, eris.Wrapf(err, "matcher: read %s", path)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var records []model.PolicyRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return Hierarchy{}, eris.Wrapf(err, "matcher: decode records %s", path)
		}
		return FromRecords(records), nil
	}

	var shape struct {
		Sections json.RawMessage `json:"sections"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Hierarchy{}, eris.Wrapf(err, "matcher: decode %s", path)
	}
	if len(shape.Sections) > 0 {
		var out amendment.Output
		if err := json.Unmarshal(data, &out); err != nil {
			return Hierarchy{}, eris.Wrapf(err, "matcher: decode amendment output %s", path)
		}
		return FromOutput(&out), nil
	}

	var h Hierarchy
	if err := json.Unmarshal(data, &h); err != nil {
		return Hierarchy{}, eris.Wrapf(err, "matcher: decode hierarchy %s", path)
	}
	return h, nil
}
