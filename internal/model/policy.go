package model

import (
	"encoding/json"
)

// FrameworkInfo describes the regulatory framework a document belongs to.
type FrameworkInfo struct {
	Name        string `json:"framework_name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`
	Prefix      string `json:"identifier_prefix" yaml:"prefix"`
}

// PolicyAnalysis is the canonical shape of one policy extraction response.
type PolicyAnalysis struct {
	HasPolicies   bool           `json:"has_policies"`
	FrameworkInfo map[string]any `json:"framework_info,omitempty"`
	Policies      []Policy       `json:"policies"`
	LowConfidence bool           `json:"low_confidence,omitempty"`

	// Extra holds top-level response keys that have no canonical slot.
	Extra map[string]any `json:"-"`
}

// Policy is a semantic unit extracted from one or more sections.
type Policy struct {
	PolicyID    string      `json:"policy_id,omitempty"`
	Title       string      `json:"policy_title"`
	Description string      `json:"policy_description"`
	Text        string      `json:"policy_text,omitempty"`
	Scope       string      `json:"scope,omitempty"`
	Objective   string      `json:"objective,omitempty"`
	Type        string      `json:"policy_type,omitempty"`
	Category    string      `json:"category,omitempty"`
	Subcategory string      `json:"subcategory,omitempty"`
	SubPolicies []SubPolicy `json:"subpolicies"`

	// Extra holds source keys that have no canonical slot.
	Extra map[string]any `json:"-"`
}

// SubPolicy is a concrete requirement under a Policy.
type SubPolicy struct {
	SubPolicyID string `json:"subpolicy_id,omitempty"`
	Title       string `json:"subpolicy_title"`
	Description string `json:"subpolicy_description"`
	Text        string `json:"subpolicy_text,omitempty"`
	Control     string `json:"control"`

	Extra map[string]any `json:"-"`
}

// Valid reports whether the subpolicy carries a control.
func (s SubPolicy) Valid() bool {
	return s.Control != ""
}

type analysisAlias PolicyAnalysis
type policyAlias Policy
type subPolicyAlias SubPolicy

// MarshalJSON writes canonical fields followed by the open tail.
func (a PolicyAnalysis) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(analysisAlias(a), a.Extra)
}

// UnmarshalJSON reads canonical fields and keeps everything else in Extra.
func (a *PolicyAnalysis) UnmarshalJSON(data []byte) error {
	var alias analysisAlias
	extra, err := unmarshalWithExtra(data, &alias, analysisKeys)
	if err != nil {
		return err
	}
	*a = PolicyAnalysis(alias)
	a.Extra = extra
	return nil
}

// MarshalJSON writes canonical fields followed by the open tail. Canonical
// keys win over extras with the same name.
func (p Policy) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(policyAlias(p), p.Extra)
}

// UnmarshalJSON reads canonical fields and keeps everything else in Extra.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var a policyAlias
	extra, err := unmarshalWithExtra(data, &a, canonicalKeys)
	if err != nil {
		return err
	}
	*p = Policy(a)
	p.Extra = extra
	return nil
}

// MarshalJSON writes canonical fields followed by the open tail.
func (s SubPolicy) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(subPolicyAlias(s), s.Extra)
}

// UnmarshalJSON reads canonical fields and keeps everything else in Extra.
func (s *SubPolicy) UnmarshalJSON(data []byte) error {
	var a subPolicyAlias
	extra, err := unmarshalWithExtra(data, &a, canonicalKeys)
	if err != nil {
		return err
	}
	*s = SubPolicy(a)
	s.Extra = extra
	return nil
}

func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := m[k]; !ok {
			m[k] = val
		}
	}
	return json.Marshal(m)
}

func unmarshalWithExtra(data []byte, v any, canonical map[string]bool) (map[string]any, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	known, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]any
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}
	extra := make(map[string]any)
	for k, val := range all {
		if _, ok := knownKeys[k]; ok {
			continue
		}
		if canonical[k] {
			continue
		}
		extra[k] = val
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// canonicalKeys lists every json key owned by Policy or SubPolicy so that
// omitted empty fields are not mistaken for extras.
var canonicalKeys = map[string]bool{
	"policy_id":             true,
	"policy_title":          true,
	"policy_description":    true,
	"policy_text":           true,
	"scope":                 true,
	"objective":             true,
	"policy_type":           true,
	"category":              true,
	"subcategory":           true,
	"subpolicies":           true,
	"subpolicy_id":          true,
	"subpolicy_title":       true,
	"subpolicy_description": true,
	"subpolicy_text":        true,
	"control":               true,
}

// analysisKeys lists the json keys owned by PolicyAnalysis.
var analysisKeys = map[string]bool{
	"has_policies":   true,
	"framework_info": true,
	"policies":       true,
	"low_confidence": true,
}

// SectionInfo is the provenance attached to each extracted policy set.
type SectionInfo struct {
	Title      string   `json:"section_title"`
	Level      int      `json:"level"`
	StartPage  int      `json:"start_page"`
	EndPage    int      `json:"end_page"`
	Folder     string   `json:"folder_path"`
	ParentPath []string `json:"parent_path,omitempty"`
}

// PolicyRecord is one entry of all_policies.json.
type PolicyRecord struct {
	SectionInfo SectionInfo    `json:"section_info"`
	Analysis    PolicyAnalysis `json:"analysis"`
}

// ExtractionSummary is the body of extraction_summary.json.
type ExtractionSummary struct {
	Framework         FrameworkInfo  `json:"framework_info"`
	SectionsProcessed int            `json:"sections_processed"`
	SectionsSkipped   int            `json:"sections_skipped"`
	TotalPolicies     int            `json:"total_policies"`
	TotalSubPolicies  int            `json:"total_subpolicies"`
	LowConfidence     int            `json:"low_confidence_policies"`
	PolicyTypes       map[string]int `json:"policy_type_distribution"`
	APICalls          int            `json:"api_calls"`
	CacheHits         int            `json:"cache_hits"`
	Cancelled         bool           `json:"cancelled,omitempty"`
	Timestamp         string         `json:"timestamp"`
}
