package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/fetcher"
	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/router"
)

type fakeCaller struct {
	mu      sync.Mutex
	calls   []llm.Call
	respond func(n int, call llm.Call) (any, error)
}

func (f *fakeCaller) CallJSON(_ context.Context, call llm.Call) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.respond(len(f.calls), call)
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func jsonValue(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

const twoCompliances = `{"compliances": [
 {"compliance_title": "Enforce MFA", "compliance_description": "Second factor for admins", "criticality": "High",
  "impact": 14, "probability": "3", "mitigation": ["Enable MFA", "Block legacy auth"],
  "risk": {"risk_title": "Credential theft", "likelihood": 12, "impact": 5}},
 {"title": "Review MFA exceptions", "impact": 0, "probability": 4.4, "active": false, "mitigation": "Log exceptions; Review monthly"}
]}`

func testGenerator(t *testing.T, caller llm.JSONCaller) *Generator {
	t.Helper()
	g := NewGenerator(caller)
	g.now = func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) }
	return g
}

func mfaInput() SubPolicyInput {
	return SubPolicyInput{
		ID:          "PCI-DSS-SEC-001.01",
		Name:        "Multi-factor authentication",
		Description: "MFA for admin access",
		Control:     "WHAT: enforce MFA. WHO: IT.",
	}
}

func TestGenerateForSubPolicy(t *testing.T) {
	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, twoCompliances), nil }}
	g := testGenerator(t, caller)

	out, err := g.GenerateForSubPolicy(context.Background(), mfaInput(), nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, "PCI-DSS-SEC-001.01-C01", first.Identifier)
	assert.Equal(t, "PCI-DSS-SEC-001.01", first.SubPolicyID)
	assert.Equal(t, "High", first.Criticality)
	assert.Equal(t, 10, first.Impact)
	assert.Equal(t, 3, first.Probability)
	assert.Equal(t, 30, first.Exposure)
	assert.Equal(t, model.DefaultMandatoryOptional, first.MandatoryOptional)
	assert.Equal(t, model.DefaultManualAutomatic, first.ManualAutomatic)
	assert.Equal(t, model.DefaultStatus, first.Status)
	assert.Equal(t, model.DefaultVersion, first.Version)
	assert.True(t, first.Active)
	assert.Equal(t, []string{"Enable MFA", "Block legacy auth"}, first.Mitigation)

	require.NotNil(t, first.Risk)
	assert.Equal(t, "Credential theft", first.Risk.Title)
	assert.Equal(t, 10, first.Risk.Likelihood)
	assert.Equal(t, 5, first.Risk.Impact)
	assert.Equal(t, 50, first.Risk.Exposure)
	assert.Equal(t, "High", first.Risk.Priority)

	second := out[1]
	assert.Equal(t, "PCI-DSS-SEC-001.01-C02", second.Identifier)
	assert.Equal(t, "Review MFA exceptions", second.Title)
	assert.Equal(t, "MFA for admin access", second.Description)
	assert.Equal(t, 1, second.Impact)
	assert.Equal(t, 4, second.Probability)
	assert.Equal(t, 4, second.Exposure)
	assert.False(t, second.Active)
	assert.Equal(t, []string{"Log exceptions", "Review monthly"}, second.Mitigation)
	assert.Nil(t, second.Risk)

	require.Len(t, caller.calls, 1)
	call := caller.calls[0]
	assert.Equal(t, router.TaskComplianceGeneration, call.Task)
	assert.Contains(t, call.Prompt, "Today is 2026-03-04.")
	assert.Contains(t, call.Prompt, "SubPolicy: PCI-DSS-SEC-001.01 Multi-factor authentication")
	assert.Contains(t, call.Prompt, "Control: WHAT: enforce MFA. WHO: IT.")
}

func TestGenerateForSubPolicy_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want int
	}{
		{"envelope", `{"compliances": [{"compliance_title": "A"}]}`, 1},
		{"bare array", `[{"compliance_title": "A"}, {"compliance_title": "B"}]`, 2},
		{"singular object", `{"compliance": {"compliance_title": "A"}}`, 1},
		{"flat record", `{"compliance_title": "A", "impact": 3}`, 1},
		{"empty", `{"compliances": []}`, 0},
		{"unrelated", `{"note": "nothing"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, tt.resp), nil }}
			out, err := testGenerator(t, caller).GenerateForSubPolicy(context.Background(), mfaInput(), nil)
			require.NoError(t, err)
			assert.Len(t, out, tt.want)
		})
	}
}

func TestGenerateForSubPolicy_ScoresClampToRange(t *testing.T) {
	tests := []struct {
		name        string
		resp        string
		impact      int
		probability int
	}{
		{"in range", `{"compliance_title": "A", "impact": 4.4, "probability": 6.5}`, 4, 7},
		{"huge", `{"compliance_title": "A", "impact": 1e300, "probability": "9e18"}`, 10, 10},
		{"huge negative", `{"compliance_title": "A", "impact": -1e300, "probability": -3}`, 1, 1},
		{"not a number", `{"compliance_title": "A", "impact": "NaN", "probability": "high"}`, 1, 1},
		{"infinite", `{"compliance_title": "A", "impact": "+Inf", "probability": "-Inf"}`, 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, tt.resp), nil }}
			out, err := testGenerator(t, caller).GenerateForSubPolicy(context.Background(), mfaInput(), nil)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, tt.impact, out[0].Impact)
			assert.Equal(t, tt.probability, out[0].Probability)
		})
	}
}

func TestGenerateForSubPolicy_Cancelled(t *testing.T) {
	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, twoCompliances), nil }}
	g := testGenerator(t, caller)
	cancel := func(context.Context, string, string) bool { return true }

	in := mfaInput()
	in.FrameworkID = "fw-1"
	in.AmendmentDate = "2026-01-15"
	_, err := g.GenerateForSubPolicy(context.Background(), in, cancel)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAmendmentCancelled))
	assert.Equal(t, 0, caller.count())

	// Without an owning amendment the check does not apply.
	out, err := g.GenerateForSubPolicy(context.Background(), mfaInput(), cancel)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestGenerateAll_IDsAndBackReferences(t *testing.T) {
	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, twoCompliances), nil }}
	g := testGenerator(t, caller)

	inputs := []SubPolicyInput{mfaInput(), {ID: "PCI-DSS-SEC-001.02", Name: "Lockout", Control: "WHAT: lock accounts."}}
	var seen []int
	b, err := g.GenerateAll(context.Background(), inputs, nil, func(b *Batch) error {
		seen = append(seen, len(b.Compliances))
		return nil
	})
	require.NoError(t, err)

	require.Len(t, b.Compliances, 4)
	for i, c := range b.Compliances {
		assert.Equal(t, i+1, c.ID)
	}
	assert.Equal(t, "PCI-DSS-SEC-001.02", b.Compliances[2].SubPolicyID)

	require.Len(t, b.Risks, 2)
	assert.Equal(t, 1, b.Risks[0].ID)
	assert.Equal(t, 1, b.Risks[0].ComplianceID)
	assert.Equal(t, 2, b.Risks[1].ID)
	assert.Equal(t, 3, b.Risks[1].ComplianceID)
	assert.Equal(t, b.Risks[1].ID, b.Compliances[2].Risk.ID)
	assert.Equal(t, []int{2, 4}, seen)
}

func TestGenerateAll_CancelStopsAtBoundary(t *testing.T) {
	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) {
		return jsonValue(t, `{"compliances": [{"compliance_title": "One"}]}`), nil
	}}
	g := testGenerator(t, caller)

	var inputs []SubPolicyInput
	for _, id := range []string{"A.01", "A.02", "A.03", "A.04", "A.05", "A.06", "A.07"} {
		inputs = append(inputs, SubPolicyInput{ID: id, Control: "WHAT: x", FrameworkID: "fw", AmendmentDate: "2026-01-01"})
	}
	cancel := func(context.Context, string, string) bool { return caller.count() >= 5 }

	b, err := g.GenerateAll(context.Background(), inputs, cancel, nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAmendmentCancelled))
	assert.Len(t, b.Compliances, 5)
	assert.Equal(t, 5, caller.count())
}

func TestGenerateAll_FailedSubPolicySkipped(t *testing.T) {
	caller := &fakeCaller{respond: func(n int, _ llm.Call) (any, error) {
		if n == 1 {
			return nil, model.NewError(model.KindLLMUnrecoverable, "bad json", nil)
		}
		return jsonValue(t, `{"compliances": [{"compliance_title": "One"}]}`), nil
	}}
	b, err := testGenerator(t, caller).GenerateAll(context.Background(),
		[]SubPolicyInput{{ID: "A.01", Control: "x"}, {ID: "A.02", Control: "y"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.01"}, b.Failed)
	require.Len(t, b.Compliances, 1)
	assert.Equal(t, 1, b.Compliances[0].ID)
}

func TestGenerateAll_OnRecordError(t *testing.T) {
	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) {
		return jsonValue(t, `{"compliances": [{"compliance_title": "One"}]}`), nil
	}}
	boom := errors.New("disk full")
	_, err := testGenerator(t, caller).GenerateAll(context.Background(),
		[]SubPolicyInput{{ID: "A.01", Control: "x"}, {ID: "A.02", Control: "y"}}, nil,
		func(*Batch) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, caller.count())
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		exposure int
		want     string
	}{
		{1, "Low"}, {15, "Low"}, {16, "Medium"}, {36, "High"}, {63, "High"}, {64, "Critical"}, {100, "Critical"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, priorityFor(tt.exposure), "exposure %d", tt.exposure)
	}
}

func policyRecords() []model.PolicyRecord {
	return []model.PolicyRecord{{
		SectionInfo: model.SectionInfo{Title: "Access Control"},
		Analysis: model.PolicyAnalysis{HasPolicies: true, Policies: []model.Policy{{
			PolicyID: "PCI-DSS-SEC-001",
			Title:    "Access Control",
			SubPolicies: []model.SubPolicy{
				{SubPolicyID: "PCI-DSS-SEC-001.01", Title: "MFA", Description: "MFA for admins", Control: "WHAT: enforce MFA."},
				{SubPolicyID: "PCI-DSS-SEC-001.02", Title: "Lockout", Text: "Lock after 6 tries", Control: "WHAT: lock accounts."},
			},
		}}},
	}}
}

func TestSubPolicySheetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SubPolicySheetName("PCI_DSS"))
	n, err := WriteSubPolicySheet(path, policyRecords())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "PCI_DSS_subpolicies.xlsx", filepath.Base(path))

	inputs, err := ReadSubPolicySheet(path)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, SubPolicyInput{
		ID: "PCI-DSS-SEC-001.01", Name: "MFA", Description: "MFA for admins", Control: "WHAT: enforce MFA.",
	}, inputs[0])
	assert.Equal(t, "Lock after 6 tries", inputs[1].Description)
}

func TestReadSubPolicySheet_Validation(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.xlsx")
	require.NoError(t, fetcher.WriteXLSX(missing, fetcher.Sheet{Name: "S", Header: []string{"SubPolicyId", "Name"}}))
	_, err := ReadSubPolicySheet(missing)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInputRejected))

	loose := filepath.Join(dir, "loose.xlsx")
	require.NoError(t, fetcher.WriteXLSX(loose, fetcher.Sheet{
		Name:   "S",
		Header: []string{"sub_policy_id", "Sub Policy Name", "CONTROL"},
		Rows:   [][]string{{"X.01", "Name", "WHAT: x"}, {"X.02", "No control", ""}, {"", "", "orphan"}},
	}))
	inputs, err := ReadSubPolicySheet(loose)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "X.01", inputs[0].ID)
	assert.Equal(t, "Name", inputs[0].Name)
}

func TestGenerateBulk(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, SubPolicySheetName("PCI_DSS"))
	_, err := WriteSubPolicySheet(input, policyRecords())
	require.NoError(t, err)

	caller := &fakeCaller{respond: func(int, llm.Call) (any, error) { return jsonValue(t, twoCompliances), nil }}
	outDir := filepath.Join(dir, "compliance_risk_PCI_DSS")
	bulk, err := testGenerator(t, caller).Generate(context.Background(), input, "PCI_DSS", outDir)
	require.NoError(t, err)

	assert.Equal(t, 2, bulk.SubPolicies)
	assert.Len(t, bulk.Compliances, 4)
	assert.Len(t, bulk.Risks, 2)
	assert.Equal(t, filepath.Join(outDir, "PCI_DSS_Compliance.xlsx"), bulk.ComplianceFile)
	assert.Equal(t, filepath.Join(outDir, "PCI_DSS_Risk.xlsx"), bulk.RiskFile)

	crows, err := fetcher.ReadXLSX(bulk.ComplianceFile, fetcher.XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, crows, 5)
	assert.Equal(t, complianceHeader, crows[0])
	assert.Equal(t, []string{"1", "PCI-DSS-SEC-001.01-C01", "PCI-DSS-SEC-001.01"}, crows[1][:3])
	assert.Equal(t, "4", crows[4][0])
	assert.Equal(t, "PCI-DSS-SEC-001.02", crows[4][2])

	rrows, err := fetcher.ReadXLSX(bulk.RiskFile, fetcher.XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rrows, 3)
	assert.Equal(t, []string{"2", "3", "PCI-DSS-SEC-001.02"}, rrows[2][:3])
}
