// Package normalize reshapes the many JSON shapes models return for policy
// extraction into model.PolicyAnalysis.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/grc-extract/internal/model"
)

// Field synonyms keyed by folded key (lower case, no separators).
var (
	policyKeys = map[string]string{
		"policytitle":       "policy_title",
		"title":             "policy_title",
		"policyname":        "policy_title",
		"name":              "policy_title",
		"policydescription": "policy_description",
		"description":       "policy_description",
		"policytext":        "policy_text",
		"text":              "policy_text",
		"policyid":          "policy_id",
		"id":                "policy_id",
		"scope":             "scope",
		"objective":         "objective",
		"policytype":        "policy_type",
		"type":              "policy_type",
		"category":          "category",
		"subcategory":       "subcategory",
		"subpolicies":       "subpolicies",
		"subpolicy":         "subpolicies",
	}
	subPolicyKeys = map[string]string{
		"subpolicytitle":       "subpolicy_title",
		"title":                "subpolicy_title",
		"subpolicyname":        "subpolicy_title",
		"name":                 "subpolicy_title",
		"subpolicydescription": "subpolicy_description",
		"description":          "subpolicy_description",
		"subpolicytext":        "subpolicy_text",
		"text":                 "subpolicy_text",
		"subpolicyid":          "subpolicy_id",
		"id":                   "subpolicy_id",
		"control":              "control",
		"controls":             "control",
	}
	metadataKeys = map[string]bool{
		"scope":          true,
		"objective":      true,
		"categorization": true,
		"category":       true,
		"subcategory":    true,
	}
	controlFacets = []string{"WHAT", "WHO", "WHEN", "HOW", "WHERE"}
)

func fold(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

// IsValid reports whether resp is canonical with at least one policy.
func IsValid(resp map[string]any) bool {
	has, _ := resp["has_policies"].(bool)
	policies, _ := resp["policies"].([]any)
	return has && len(policies) > 0
}

// Normalize converts resp into the canonical shape. It accepts the
// canonical envelope, a singular "Policy" wrapper and a bare policies
// array (wrapped under "items"). ok is false when no usable policy
// remains, including metadata-only responses.
func Normalize(resp map[string]any, sectionTitle string) (model.PolicyAnalysis, bool) {
	var out model.PolicyAnalysis
	if fi, ok := resp["framework_info"].(map[string]any); ok {
		out.FrameworkInfo = fi
	}

	raw, envelope, ok := policyList(resp)
	if !ok {
		return out, false
	}
	if envelope != "" {
		for k, v := range resp {
			if k == envelope || consumed(k, v) {
				continue
			}
			out.Extra = setExtra(out.Extra, k, v)
		}
	}
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok || metadataOnly(obj) {
			continue
		}
		if p, ok := toPolicy(obj); ok {
			out.Policies = append(out.Policies, p)
		}
	}
	out.HasPolicies = len(out.Policies) > 0
	if lc, ok := resp["low_confidence"].(bool); ok && lc && out.HasPolicies {
		out.LowConfidence = true
	}
	return out, out.HasPolicies
}

// policyList finds the policies array in any accepted envelope and names
// the key it came from. The key is empty when resp is itself a policy.
func policyList(resp map[string]any) ([]any, string, bool) {
	for k, v := range resp {
		switch fold(k) {
		case "policies", "items":
			list, ok := v.([]any)
			return list, k, ok
		case "policy":
			switch t := v.(type) {
			case map[string]any:
				return []any{t}, k, true
			case []any:
				return t, k, true
			}
		}
	}
	// A single bare policy object.
	if _, ok := resp["has_policies"]; !ok && !metadataOnly(resp) && hasAny(resp, policyKeys, "policy_title", "policy_description") {
		return []any{resp}, "", true
	}
	return nil, "", false
}

// consumed reports whether a top-level key was read into a canonical field.
func consumed(k string, v any) bool {
	switch k {
	case "has_policies":
		return true
	case "framework_info":
		_, ok := v.(map[string]any)
		return ok
	case "low_confidence":
		_, ok := v.(bool)
		return ok
	}
	return false
}

// metadataOnly reports whether obj carries only scope/objective style keys.
func metadataOnly(obj map[string]any) bool {
	if len(obj) == 0 {
		return true
	}
	for k := range obj {
		if !metadataKeys[fold(k)] {
			return false
		}
	}
	return true
}

func hasAny(obj map[string]any, keys map[string]string, canon ...string) bool {
	for k := range obj {
		for _, c := range canon {
			if keys[fold(k)] == c {
				return true
			}
		}
	}
	return false
}

func toPolicy(obj map[string]any) (model.Policy, bool) {
	var p model.Policy
	var rawSubs any
	for k, v := range obj {
		canon, known := policyKeys[fold(k)]
		if !known {
			p.Extra = setExtra(p.Extra, k, v)
			continue
		}
		switch canon {
		case "policy_title":
			p.Title = firstString(p.Title, v)
		case "policy_description":
			p.Description = firstString(p.Description, v)
		case "policy_text":
			p.Text = firstString(p.Text, v)
		case "policy_id":
			p.PolicyID = firstString(p.PolicyID, v)
		case "scope":
			p.Scope = firstString(p.Scope, v)
		case "objective":
			p.Objective = firstString(p.Objective, v)
		case "policy_type":
			p.Type = firstString(p.Type, v)
		case "category":
			p.Category = firstString(p.Category, v)
		case "subcategory":
			p.Subcategory = firstString(p.Subcategory, v)
		case "subpolicies":
			rawSubs = v
		}
	}
	if p.Title == "" && p.Description == "" {
		return p, false
	}

	for _, item := range asList(rawSubs) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if sp := toSubPolicy(obj); sp.Valid() {
			p.SubPolicies = append(p.SubPolicies, sp)
		}
	}
	if len(p.SubPolicies) == 0 {
		p.SubPolicies = []model.SubPolicy{derivedSubPolicy(p)}
	}
	return p, true
}

func toSubPolicy(obj map[string]any) model.SubPolicy {
	var s model.SubPolicy
	for k, v := range obj {
		canon, known := subPolicyKeys[fold(k)]
		if !known {
			s.Extra = setExtra(s.Extra, k, v)
			continue
		}
		switch canon {
		case "subpolicy_title":
			s.Title = firstString(s.Title, v)
		case "subpolicy_description":
			s.Description = firstString(s.Description, v)
		case "subpolicy_text":
			s.Text = firstString(s.Text, v)
		case "subpolicy_id":
			s.SubPolicyID = firstString(s.SubPolicyID, v)
		case "control":
			if s.Control == "" {
				s.Control = controlString(v)
			}
		}
	}
	return s
}

// derivedSubPolicy stands in when a policy arrives without any subpolicy
// carrying a control.
func derivedSubPolicy(p model.Policy) model.SubPolicy {
	body := p.Text
	if body == "" {
		body = p.Description
	}
	if body == "" {
		body = p.Title
	}
	return model.SubPolicy{
		Title:       p.Title,
		Description: p.Description,
		Text:        p.Text,
		Control:     "WHAT: " + body,
		Extra:       map[string]any{"derived": true},
	}
}

// Fallback is the low-confidence placeholder used when a section yields no
// valid policies after every retry.
func Fallback(sectionTitle string) model.PolicyAnalysis {
	title := strings.TrimSpace(sectionTitle)
	if title == "" {
		title = "Untitled Section"
	}
	return model.PolicyAnalysis{
		HasPolicies:   true,
		LowConfidence: true,
		Policies: []model.Policy{{
			Title:       title,
			Description: "Requirements stated in section " + title + ".",
			Type:        "General",
			SubPolicies: []model.SubPolicy{{
				Title:       title + " Requirements",
				Description: "Requirements of section " + title + " pending analyst review.",
				Control:     "WHAT: meet the requirements of section " + title + ". WHO: the responsible control owner. " +
					"WHEN: continuously. HOW: as documented in the source section. WHERE: all in-scope systems.",
				Extra: map[string]any{"confidence": "low"},
			}},
			Extra: map[string]any{"confidence": "low"},
		}},
	}
}

func setExtra(extra map[string]any, k string, v any) map[string]any {
	if extra == nil {
		extra = make(map[string]any)
	}
	extra[k] = v
	return extra
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	}
	return nil
}

func firstString(cur string, v any) string {
	if cur != "" {
		return cur
	}
	return stringify(v)
}

// stringify renders scalar and list values. Lists are joined with ", ".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// controlString keeps string controls verbatim and renders facet maps as
// "WHAT: ... WHO: ..." prose.
func controlString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		var parts []string
		seen := make(map[string]bool)
		for _, facet := range controlFacets {
			for k, val := range t {
				if strings.EqualFold(k, facet) {
					parts = append(parts, facet+": "+stringify(val))
					seen[k] = true
				}
			}
		}
		rest := make([]string, 0, len(t))
		for k := range t {
			if !seen[k] {
				rest = append(rest, k)
			}
		}
		sort.Strings(rest)
		for _, k := range rest {
			parts = append(parts, k+": "+stringify(t[k]))
		}
		return strings.Join(parts, " ")
	}
	return stringify(v)
}
