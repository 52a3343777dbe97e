// Package prompts holds the few-shot templates used for every model task.
package prompts

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
)

// Task names a template.
type Task string

const (
	RiskExtraction       Task = "risk_extraction"
	FieldExtraction      Task = "field_extraction"
	ComplianceGeneration Task = "compliance_generation"
	PolicyExtraction     Task = "policy_extraction"
	ComplianceMatching   Task = "compliance_matching"
	UpdateCheck          Task = "update_check"
	PDFURLResolve        Task = "pdf_url_resolve"
	AlternatePDFURL      Task = "alternate_pdf_url"
)

// JSONSystem is the system statement sent with every templated prompt.
const JSONSystem = "You are a precise GRC analysis engine. Respond with a single valid JSON value and nothing else. Do not wrap the JSON in Markdown."

// Vars are the interpolation slots. Templates use the subset they need.
type Vars struct {
	SectionTitle string
	Content      string
	Context      string
	CurrentDate  string

	FrameworkName        string
	FrameworkVersion     string
	FrameworkDescription string
	FrameworkPrefix      string

	Field string

	SubPolicyID   string
	SubPolicyName string
	Description   string
	Control       string

	LastKnownDate string
	PageURL       string
	FailedURL     string

	Target     string
	Candidates string
}

//go:embed templates/*.tmpl
var files embed.FS

var library = template.Must(template.New("prompts").
	Option("missingkey=error").
	ParseFS(files, "templates/*.tmpl"))

// Tasks lists every template task.
func Tasks() []Task {
	return []Task{
		RiskExtraction,
		FieldExtraction,
		ComplianceGeneration,
		PolicyExtraction,
		ComplianceMatching,
		UpdateCheck,
		PDFURLResolve,
		AlternatePDFURL,
	}
}

// Render builds the full user prompt for task.
func Render(task Task, v Vars) (string, error) {
	t := library.Lookup(string(task) + ".tmpl")
	if t == nil {
		return "", eris.Errorf("prompts: unknown task %q", task)
	}
	var b bytes.Buffer
	if err := t.Execute(&b, v); err != nil {
		return "", eris.Wrapf(err, "prompts: render %s", task)
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}
