package amendment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/compliance"
	"github.com/sells-group/grc-extract/internal/model"
)

// Output is the combined amendment JSON.
type Output struct {
	Metadata Metadata  `json:"amendment_metadata"`
	Summary  Summary   `json:"extraction_summary"`
	Sections []Section `json:"sections"`
}

// Metadata describes the run that produced an Output.
type Metadata struct {
	FrameworkName    string            `json:"framework_name"`
	FrameworkID      string            `json:"framework_id,omitempty"`
	AmendmentDate    string            `json:"amendment_date"`
	SourcePDF        string            `json:"source_pdf"`
	ExtractionMethod model.IndexMethod `json:"extraction_method"`
	FullDocument     bool              `json:"full_document"`
	PageCount        int               `json:"page_count"`
	StartedAt        string            `json:"started_at"`
	CompletedAt      string            `json:"completed_at,omitempty"`
	Cancelled        bool              `json:"cancelled"`
}

// Summary extends the policy extraction summary with compliance counts.
type Summary struct {
	model.ExtractionSummary
	TotalSections     int      `json:"total_sections"`
	TotalCompliances  int      `json:"total_compliances"`
	TotalRisks        int      `json:"total_risks"`
	FailedSubPolicies []string `json:"failed_subpolicies,omitempty"`
}

// Section carries the policies extracted from one section.
type Section struct {
	model.SectionInfo
	Policies []Policy `json:"policies"`
}

// Policy is a policy with its subpolicies and their compliances.
type Policy struct {
	PolicyID    string      `json:"policy_id"`
	Title       string      `json:"policy_title"`
	Description string      `json:"policy_description"`
	Scope       string      `json:"scope,omitempty"`
	Objective   string      `json:"objective,omitempty"`
	Type        string      `json:"policy_type,omitempty"`
	Category    string      `json:"category,omitempty"`
	SubPolicies []SubPolicy `json:"subpolicies"`
}

// SubPolicy is a subpolicy with the compliance records generated for it.
type SubPolicy struct {
	SubPolicyID string             `json:"subpolicy_id"`
	Title       string             `json:"subpolicy_title"`
	Description string             `json:"subpolicy_description"`
	Control     string             `json:"control"`
	Compliances []model.Compliance `json:"compliances"`
}

func newOutput(req Request, manifest model.Manifest, started time.Time) *Output {
	return &Output{
		Metadata: Metadata{
			FrameworkName:    req.FrameworkName,
			FrameworkID:      req.FrameworkID,
			AmendmentDate:    req.AmendmentDate,
			SourcePDF:        filepath.Base(req.PDFPath),
			ExtractionMethod: manifest.Method,
			FullDocument:     manifest.FullDoc,
			PageCount:        manifest.PageCount,
			StartedAt:        started.UTC().Format(time.RFC3339),
		},
		Summary:  Summary{TotalSections: len(manifest.Sections)},
		Sections: []Section{},
	}
}

func (o *Output) setPolicies(summary model.ExtractionSummary, records []model.PolicyRecord) {
	o.Summary.ExtractionSummary = summary
	o.Sections = make([]Section, 0, len(records))
	for _, rec := range records {
		sec := Section{SectionInfo: rec.SectionInfo, Policies: make([]Policy, 0, len(rec.Analysis.Policies))}
		for _, p := range rec.Analysis.Policies {
			pol := Policy{
				PolicyID:    p.PolicyID,
				Title:       p.Title,
				Description: p.Description,
				Scope:       p.Scope,
				Objective:   p.Objective,
				Type:        p.Type,
				Category:    p.Category,
				SubPolicies: make([]SubPolicy, 0, len(p.SubPolicies)),
			}
			for _, sp := range p.SubPolicies {
				pol.SubPolicies = append(pol.SubPolicies, SubPolicy{
					SubPolicyID: sp.SubPolicyID,
					Title:       sp.Title,
					Description: sp.Description,
					Control:     sp.Control,
					Compliances: []model.Compliance{},
				})
			}
			sec.Policies = append(sec.Policies, pol)
		}
		o.Sections = append(o.Sections, sec)
	}
}

// subPolicyInputs lists every subpolicy with a control in document order.
func (o *Output) subPolicyInputs(req Request, frameworkName string) []compliance.SubPolicyInput {
	var inputs []compliance.SubPolicyInput
	for _, sec := range o.Sections {
		for _, p := range sec.Policies {
			for _, sp := range p.SubPolicies {
				if sp.Control == "" {
					continue
				}
				inputs = append(inputs, compliance.SubPolicyInput{
					ID:            sp.SubPolicyID,
					Name:          sp.Title,
					Description:   sp.Description,
					Control:       sp.Control,
					FrameworkID:   req.FrameworkID,
					AmendmentDate: req.AmendmentDate,
					FrameworkName: frameworkName,
				})
			}
		}
	}
	return inputs
}

// setCompliances embeds the batch under the owning subpolicies.
func (o *Output) setCompliances(b *compliance.Batch) {
	bySub := make(map[string][]model.Compliance)
	for _, c := range b.Compliances {
		bySub[c.SubPolicyID] = append(bySub[c.SubPolicyID], c)
	}
	for si := range o.Sections {
		for pi := range o.Sections[si].Policies {
			subs := o.Sections[si].Policies[pi].SubPolicies
			for k := range subs {
				if cs, ok := bySub[subs[k].SubPolicyID]; ok {
					subs[k].Compliances = cs
				} else {
					subs[k].Compliances = []model.Compliance{}
				}
			}
		}
	}
	o.Summary.TotalCompliances = len(b.Compliances)
	o.Summary.TotalRisks = len(b.Risks)
	o.Summary.FailedSubPolicies = b.Failed
}

// Compliances returns every embedded compliance in document order.
func (o *Output) Compliances() []model.Compliance {
	var out []model.Compliance
	for _, sec := range o.Sections {
		for _, p := range sec.Policies {
			for _, sp := range p.SubPolicies {
				out = append(out, sp.Compliances...)
			}
		}
	}
	return out
}

// ReadOutput loads a combined amendment JSON file.
func ReadOutput(path string) (*Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "amendment: read %s", path)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrapf(err, "amendment: decode %s", path)
	}
	return &out, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "amendment: marshal output")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "amendment: create %s", filepath.Dir(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "amendment: write %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "amendment: rename %s", path)
}
