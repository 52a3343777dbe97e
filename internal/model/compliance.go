package model

// Compliance is an implementable obligation derived from a SubPolicy.
type Compliance struct {
	ID                int      `json:"compliance_id"`
	Identifier        string   `json:"identifier"`
	SubPolicyID       string   `json:"subpolicy_id"`
	SubPolicyName     string   `json:"subpolicy_name,omitempty"`
	Title             string   `json:"compliance_title"`
	Description       string   `json:"compliance_description"`
	Type              string   `json:"compliance_type"`
	Scope             string   `json:"scope"`
	Objective         string   `json:"objective"`
	Criticality       string   `json:"criticality"`
	MandatoryOptional string   `json:"mandatory_optional"`
	ManualAutomatic   string   `json:"manual_automatic"`
	Impact            int      `json:"impact"`
	Probability       int      `json:"probability"`
	Exposure          int      `json:"exposure_rating"`
	MaturityLevel     string   `json:"maturity_level"`
	Status            string   `json:"status"`
	Active            bool     `json:"active"`
	Version           string   `json:"version"`
	Mitigation        []string `json:"mitigation"`
	RiskCategory      string   `json:"risk_category"`
	BusinessImpact    string   `json:"business_impact"`
	Risk              *Risk    `json:"risk,omitempty"`
}

// Risk is an optional risk record attached to a Compliance.
type Risk struct {
	ID           int      `json:"risk_id"`
	ComplianceID int      `json:"compliance_id"`
	Title        string   `json:"risk_title"`
	Description  string   `json:"risk_description"`
	Likelihood   int      `json:"likelihood"`
	Impact       int      `json:"impact"`
	Exposure     int      `json:"exposure"`
	Priority     string   `json:"priority"`
	Mitigation   []string `json:"mitigation"`
	Category     string   `json:"category"`
}

// Compliance defaults applied when the model omits an enum.
const (
	DefaultCriticality       = "Medium"
	DefaultMandatoryOptional = "Mandatory"
	DefaultManualAutomatic   = "Manual"
	DefaultStatus            = "Approved"
	DefaultVersion           = "1.0"
	DefaultMaturityLevel     = "Initial"
)

// ClampScore clamps a 1-10 rating. Zero and negatives become 1.
func ClampScore(v int) int {
	switch {
	case v < 1:
		return 1
	case v > 10:
		return 10
	default:
		return v
	}
}
