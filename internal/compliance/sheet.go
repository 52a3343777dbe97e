package compliance

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/fetcher"
	"github.com/sells-group/grc-extract/internal/model"
)

// Column headers of the subpolicy sheet. Reading matches them without
// regard to case, spaces or underscores.
var subPolicyHeader = []string{"PolicyId", "PolicyName", "SubPolicyId", "SubPolicyName", "Description", "Control", "Section"}

var complianceHeader = []string{
	"ComplianceId", "Identifier", "SubPolicyId", "SubPolicyName", "ComplianceTitle", "ComplianceDescription",
	"ComplianceType", "Scope", "Objective", "Criticality", "MandatoryOptional", "ManualAutomatic",
	"Impact", "Probability", "ExposureRating", "MaturityLevel", "Status", "Active", "Version",
	"Mitigation", "RiskCategory", "BusinessImpact",
}

var riskHeader = []string{
	"RiskId", "ComplianceId", "SubPolicyId", "RiskTitle", "RiskDescription", "Likelihood", "Impact",
	"Exposure", "Priority", "Mitigation", "Category",
}

// SubPolicySheetName returns <name>_subpolicies.xlsx.
func SubPolicySheetName(name string) string {
	return name + "_subpolicies.xlsx"
}

// WriteSubPolicySheet flattens policy records into the tabular generator
// input. It returns the number of subpolicy rows written.
func WriteSubPolicySheet(path string, records []model.PolicyRecord) (int, error) {
	var rows [][]string
	for _, rec := range records {
		for _, p := range rec.Analysis.Policies {
			for _, sp := range p.SubPolicies {
				desc := sp.Description
				if desc == "" {
					desc = sp.Text
				}
				rows = append(rows, []string{
					p.PolicyID, p.Title, sp.SubPolicyID, sp.Title, desc, sp.Control, rec.SectionInfo.Title,
				})
			}
		}
	}
	if err := fetcher.WriteXLSX(path, fetcher.Sheet{Name: "SubPolicies", Header: subPolicyHeader, Rows: rows}); err != nil {
		return 0, eris.Wrap(err, "compliance: write subpolicy sheet")
	}
	return len(rows), nil
}

// ReadSubPolicySheet reads (SubPolicyId, SubPolicyName, Description,
// Control) rows from the first sheet. Rows without an id and a control are
// skipped.
func ReadSubPolicySheet(path string) ([]SubPolicyInput, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "compliance: read subpolicy sheet")
	}
	if len(rows) == 0 {
		return nil, model.Errorf(model.KindInputRejected, "subpolicy sheet %s is empty", filepath.Base(path))
	}

	col := headerIndex(rows[0])
	for _, required := range []string{"subpolicyid", "control"} {
		if _, ok := col[required]; !ok {
			return nil, model.Errorf(model.KindInputRejected, "subpolicy sheet is missing column %q", required)
		}
	}

	var out []SubPolicyInput
	for _, row := range rows[1:] {
		in := SubPolicyInput{
			ID:          cell(row, col, "subpolicyid"),
			Name:        cell(row, col, "subpolicyname"),
			Description: cell(row, col, "description"),
			Control:     cell(row, col, "control"),
		}
		if in.ID == "" || in.Control == "" {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		k := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(h)))
		if _, dup := idx[k]; !dup {
			idx[k] = i
		}
	}
	return idx
}

func cell(row []string, col map[string]int, key string) string {
	i, ok := col[key]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Bulk is the result of Generate.
type Bulk struct {
	Compliances    []model.Compliance `json:"-"`
	Risks          []model.Risk       `json:"-"`
	ComplianceFile string             `json:"compliance_file"`
	RiskFile       string             `json:"risk_file"`
	SubPolicies    int                `json:"subpolicies"`
	Failed         []string           `json:"failed,omitempty"`
}

// Generate reads inputSheet, generates compliances for every row and writes
// <prefix>_Compliance.xlsx and <prefix>_Risk.xlsx under outDir.
func (g *Generator) Generate(ctx context.Context, inputSheet, outputPrefix, outDir string) (*Bulk, error) {
	inputs, err := ReadSubPolicySheet(inputSheet)
	if err != nil {
		return nil, err
	}
	zap.L().Info("compliance: bulk generation started",
		zap.String("input", inputSheet),
		zap.Int("subpolicies", len(inputs)),
	)

	batch, err := g.GenerateAll(ctx, inputs, nil, nil)
	if err != nil {
		return nil, err
	}

	bulk := &Bulk{
		Compliances:    batch.Compliances,
		Risks:          batch.Risks,
		ComplianceFile: filepath.Join(outDir, outputPrefix+"_Compliance.xlsx"),
		RiskFile:       filepath.Join(outDir, outputPrefix+"_Risk.xlsx"),
		SubPolicies:    len(inputs),
		Failed:         batch.Failed,
	}
	if err := WriteComplianceSheets(bulk.ComplianceFile, bulk.RiskFile, batch); err != nil {
		return nil, err
	}
	zap.L().Info("compliance: bulk generation finished",
		zap.Int("compliances", len(bulk.Compliances)),
		zap.Int("risks", len(bulk.Risks)),
		zap.Int("failed", len(bulk.Failed)),
	)
	return bulk, nil
}

// WriteComplianceSheets writes the compliance and risk workbooks.
func WriteComplianceSheets(compliancePath, riskPath string, b *Batch) error {
	bySubPolicy := make(map[int]string, len(b.Compliances))
	crows := make([][]string, 0, len(b.Compliances))
	for _, c := range b.Compliances {
		bySubPolicy[c.ID] = c.SubPolicyID
		crows = append(crows, []string{
			strconv.Itoa(c.ID), c.Identifier, c.SubPolicyID, c.SubPolicyName, c.Title, c.Description,
			c.Type, c.Scope, c.Objective, c.Criticality, c.MandatoryOptional, c.ManualAutomatic,
			strconv.Itoa(c.Impact), strconv.Itoa(c.Probability), strconv.Itoa(c.Exposure), c.MaturityLevel,
			c.Status, strconv.FormatBool(c.Active), c.Version, strings.Join(c.Mitigation, "; "),
			c.RiskCategory, c.BusinessImpact,
		})
	}
	rrows := make([][]string, 0, len(b.Risks))
	for _, r := range b.Risks {
		rrows = append(rrows, []string{
			strconv.Itoa(r.ID), strconv.Itoa(r.ComplianceID), bySubPolicy[r.ComplianceID], r.Title, r.Description,
			strconv.Itoa(r.Likelihood), strconv.Itoa(r.Impact), strconv.Itoa(r.Exposure), r.Priority,
			strings.Join(r.Mitigation, "; "), r.Category,
		})
	}

	if err := fetcher.WriteXLSX(compliancePath, fetcher.Sheet{Name: "Compliance", Header: complianceHeader, Rows: crows}); err != nil {
		return eris.Wrap(err, "compliance: write compliance sheet")
	}
	if err := fetcher.WriteXLSX(riskPath, fetcher.Sheet{Name: "Risk", Header: riskHeader, Rows: rrows}); err != nil {
		return eris.Wrap(err, "compliance: write risk sheet")
	}
	return nil
}
