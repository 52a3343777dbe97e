package policy

import (
	"fmt"
	"strings"
)

// Type abbreviations used in policy identifiers.
const (
	TypeSecurity   = "SEC"
	TypeCompliance = "COMP"
	TypePrivacy    = "PRIV"
	TypeRisk       = "RISK"
	TypeOperations = "OPS"
	TypeGovernance = "GOV"
	TypeHR         = "HR"
	TypeGeneral    = "GEN"
)

var typeKeywords = []struct {
	abbrev   string
	keywords []string
}{
	{TypePrivacy, []string{"privacy", "personal data", "data protection", "consent"}},
	{TypeSecurity, []string{"security", "access", "crypt", "network", "authentication", "vulnerab", "malware", "technical"}},
	{TypeCompliance, []string{"compliance", "audit", "regulat", "legal", "assessment"}},
	{TypeRisk, []string{"risk", "threat"}},
	{TypeOperations, []string{"operation", "incident", "continuity", "change", "backup", "monitor", "physical"}},
	{TypeGovernance, []string{"governance", "management", "administrative", "policy", "oversight"}},
	{TypeHR, []string{"human", "personnel", "training", "awareness", "staff", "employee"}},
}

// TypeAbbrev maps a free-text policy type to one of the eight identifier
// abbreviations.
func TypeAbbrev(policyType string) string {
	t := strings.ToLower(policyType)
	for _, tk := range typeKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(t, kw) {
				return tk.abbrev
			}
		}
	}
	return TypeGeneral
}

// idAllocator hands out run-unique policy identifiers.
type idAllocator struct {
	prefix string
	next   map[string]int
	used   map[string]bool
}

func newIDAllocator(prefix string) *idAllocator {
	return &idAllocator{prefix: prefix, next: map[string]int{}, used: map[string]bool{}}
}

// policyID returns <prefix>-<TYPE>-<NNN>.
func (a *idAllocator) policyID(abbrev string) string {
	for {
		a.next[abbrev]++
		id := fmt.Sprintf("%s-%s-%03d", a.prefix, abbrev, a.next[abbrev])
		if !a.used[id] {
			a.used[id] = true
			return id
		}
	}
}

// SubPolicyID returns <policy-id>.<MM> for the 1-based index i.
func SubPolicyID(policyID string, i int) string {
	return fmt.Sprintf("%s.%02d", policyID, i)
}

var scopeTemplates = map[string]string{
	TypeSecurity:   "All information systems, networks and personnel that store, process or transmit data covered by %s.",
	TypeCompliance: "All business units and processes subject to %s audit and regulatory obligations.",
	TypePrivacy:    "All processing of personal data by the organization and its processors under %s.",
	TypeRisk:       "All assets, processes and third parties assessed for risk under %s.",
	TypeOperations: "All operational processes and supporting infrastructure within the %s scope.",
	TypeGovernance: "Leadership, policy owners and governance bodies responsible for %s.",
	TypeHR:         "All employees, contractors and third-party personnel covered by %s.",
	TypeGeneral:    "All organizational activities within the scope of %s.",
}

var objectiveTemplates = map[string]string{
	TypeSecurity:   "Protect the confidentiality, integrity and availability of systems and data as required for %s.",
	TypeCompliance: "Demonstrate and maintain conformance with %s requirements.",
	TypePrivacy:    "Ensure personal data is processed lawfully and transparently under %s.",
	TypeRisk:       "Identify, assess and treat risks to an acceptable level for %s.",
	TypeOperations: "Keep operations reliable and recoverable in line with %s.",
	TypeGovernance: "Establish accountability and direction for meeting %s.",
	TypeHR:         "Ensure personnel understand and fulfil their responsibilities under %s.",
	TypeGeneral:    "Meet the requirements of %s.",
}

func synthesizedScope(abbrev, framework, title string) string {
	return fmt.Sprintf(scopeTemplates[abbrev], framework+" ("+title+")")
}

func synthesizedObjective(abbrev, framework, title string) string {
	return fmt.Sprintf(objectiveTemplates[abbrev], framework+" ("+title+")")
}
