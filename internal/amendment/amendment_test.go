package amendment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/compliance"
	"github.com/sells-group/grc-extract/internal/llm"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pdf"
	"github.com/sells-group/grc-extract/internal/policy"
	"github.com/sells-group/grc-extract/internal/router"
	"github.com/sells-group/grc-extract/internal/store"
)

// fakeCaller answers policy calls with subPolicies subpolicies per section
// and compliance calls with one record each.
type fakeCaller struct {
	mu          sync.Mutex
	subPolicies int
	policyCalls int
	complCalls  int

	// onCompliance runs before a compliance call returns.
	onCompliance func(n int)
}

func (f *fakeCaller) CallJSON(_ context.Context, call llm.Call) (any, error) {
	f.mu.Lock()
	var body string
	var n int
	switch call.Task {
	case router.TaskPolicyExtraction:
		f.policyCalls++
		body = policyResponse(f.policyCalls, f.subPolicies)
	case router.TaskComplianceGeneration:
		f.complCalls++
		n = f.complCalls
		body = fmt.Sprintf(`{"compliances": [{"compliance_title": "Compliance %d", "impact": 4, "probability": 5,
			"risk": {"risk_title": "Risk %d", "likelihood": 3, "impact": 4}}]}`, n, n)
	default:
		f.mu.Unlock()
		return nil, fmt.Errorf("unexpected task %s", call.Task)
	}
	hook := f.onCompliance
	f.mu.Unlock()

	if hook != nil && n > 0 {
		hook(n)
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (f *fakeCaller) compliances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complCalls
}

func policyResponse(n, subs int) string {
	parts := make([]string, 0, subs)
	for i := range subs {
		parts = append(parts, fmt.Sprintf(`{"subpolicy_title": "Requirement %d.%d", "control": "WHAT: do %d.%d. WHO: owner."}`, n, i+1, n, i+1))
	}
	return fmt.Sprintf(`{"has_policies": true, "policies": [{"policy_title": "Policy %d", "policy_description": "Amended rules",
		"policy_type": "Security", "subpolicies": [%s]}]}`, n, strings.Join(parts, ","))
}

func longPage(topic string) string {
	return strings.Repeat(topic+" controls must be reviewed and approved by the security owner. ", 3)
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testProcessor(caller llm.JSONCaller, doc pdf.Document, cancel CancelFunc) *Processor {
	p := NewProcessor(policy.New(caller, nil, nil), compliance.NewGenerator(caller), Options{
		Open: func(context.Context, string) (pdf.Document, func(), error) {
			return doc, func() {}, nil
		},
		Cancel: cancel,
	})
	p.now = func() time.Time { return fixedNow }
	return p
}

func testRequest(dir string) Request {
	return Request{
		AmendmentID:   "a-1",
		PDFPath:       filepath.Join(dir, "amend.pdf"),
		FrameworkName: "PCI DSS",
		FrameworkID:   "fw-1",
		AmendmentDate: "2024-06-11",
		OutputDir:     dir,
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "PCI_DSS", SafeName("PCI DSS"))
	assert.Equal(t, "ISO_IEC_27001_2022", SafeName(" ISO/IEC 27001:2022 "))
	assert.Equal(t, "framework", SafeName("***"))
}

func TestOutputFileName(t *testing.T) {
	assert.Equal(t, "PCI_DSS_amendment_2024-06-11_20260102_030405.json", OutputFileName("PCI DSS", "2024-06-11", fixedNow))
}

func TestProcess_FullDocumentFallback(t *testing.T) {
	caller := &fakeCaller{subPolicies: 2}
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access"), longPage("Logging")})
	dir := t.TempDir()

	res := testProcessor(caller, doc, nil).Process(context.Background(), testRequest(dir))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, filepath.Join(dir, "PCI_DSS_amendment_2024-06-11_20260102_030405.json"), res.OutputFile)

	out, err := ReadOutput(res.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, "PCI DSS", out.Metadata.FrameworkName)
	assert.Equal(t, "fw-1", out.Metadata.FrameworkID)
	assert.Equal(t, "amend.pdf", out.Metadata.SourcePDF)
	assert.True(t, out.Metadata.FullDocument)
	assert.Equal(t, model.IndexNoneFound, out.Metadata.ExtractionMethod)
	assert.False(t, out.Metadata.Cancelled)

	require.Len(t, out.Sections, 2)
	assert.Equal(t, "Page 1", out.Sections[0].Title)
	require.Len(t, out.Sections[0].Policies, 1)
	p := out.Sections[0].Policies[0]
	assert.True(t, strings.HasPrefix(p.PolicyID, "PCI-DSS-SEC-"), p.PolicyID)
	require.Len(t, p.SubPolicies, 2)
	sp := p.SubPolicies[0]
	assert.Equal(t, p.PolicyID+".01", sp.SubPolicyID)
	require.Len(t, sp.Compliances, 1)
	assert.Equal(t, sp.SubPolicyID, sp.Compliances[0].SubPolicyID)
	assert.Equal(t, 20, sp.Compliances[0].Exposure)

	assert.Equal(t, 2, out.Summary.TotalPolicies)
	assert.Equal(t, 4, out.Summary.TotalSubPolicies)
	assert.Equal(t, 4, out.Summary.TotalCompliances)
	assert.Equal(t, 4, out.Summary.TotalRisks)
	assert.Equal(t, 2, out.Summary.TotalSections)
	assert.Len(t, out.Compliances(), 4)
}

func TestProcess_EmptyIndexedSectionsUseFreshDir(t *testing.T) {
	caller := &fakeCaller{subPolicies: 1}
	doc := pdf.NewMemory("amend.pdf", []string{"Intro", "tiny"})
	doc.Bookmarks = []pdf.Bookmark{{Title: "Intro", Level: 1, Page: 1}}
	dir := t.TempDir()

	res := testProcessor(caller, doc, nil).Process(context.Background(), testRequest(dir))
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Data.Metadata.FullDocument)

	matches, err := filepath.Glob(filepath.Join(dir, "*", "sections_amend_full"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Equal(t, 0, caller.compliances())
}

func TestProcess_CancelledAtStart(t *testing.T) {
	caller := &fakeCaller{subPolicies: 1}
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access")})

	res := testProcessor(caller, doc, func(context.Context, string) bool { return true }).
		Process(context.Background(), testRequest(t.TempDir()))
	assert.False(t, res.Success)
	assert.True(t, res.Cancelled())
	assert.Equal(t, 0, caller.policyCalls)
}

func TestProcess_CancelMidFlightKeepsPartialOutput(t *testing.T) {
	var cancel sync.Map
	caller := &fakeCaller{subPolicies: 10}
	caller.onCompliance = func(n int) {
		if n == 5 {
			cancel.Store("a-1", true)
		}
	}
	check := func(_ context.Context, amendmentID string) bool {
		_, ok := cancel.Load(amendmentID)
		return ok
	}
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access"), longPage("Logging")})

	res := testProcessor(caller, doc, check).Process(context.Background(), testRequest(t.TempDir()))
	assert.False(t, res.Success)
	assert.True(t, res.Cancelled())
	assert.Equal(t, 5, caller.compliances())

	out, err := ReadOutput(res.OutputFile)
	require.NoError(t, err)
	assert.True(t, out.Metadata.Cancelled)
	assert.Len(t, out.Compliances(), 5)
	assert.Equal(t, 20, out.Summary.TotalSubPolicies)
	assert.Equal(t, 5, out.Summary.TotalCompliances)
}

func TestProcess_OpenFailure(t *testing.T) {
	p := NewProcessor(policy.New(&fakeCaller{}, nil, nil), compliance.NewGenerator(&fakeCaller{}), Options{})
	res := p.Process(context.Background(), testRequest(t.TempDir()))
	assert.False(t, res.Success)
	assert.Equal(t, model.KindInputRejected, res.Kind)
}

func TestOpenSource_SizeCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	_, _, err := OpenSource(pdf.Options{}, 1024)(context.Background(), path)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
	assert.Contains(t, err.Error(), "cap")
}

// blockingCaller holds the first compliance call until release is closed.
func blockingCaller(entered chan<- struct{}, release <-chan struct{}) *fakeCaller {
	var once sync.Once
	return &fakeCaller{
		subPolicies: 3,
		onCompliance: func(int) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}
}

func newTestService(t *testing.T, caller *fakeCaller, doc pdf.Document) (*Service, store.AmendmentStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "grc.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	proc := testProcessor(caller, doc, StoreCancelCheck(st))
	svc := NewService(st, proc, t.TempDir())
	t.Cleanup(func() {
		svc.Close() //nolint:errcheck
		st.Close()  //nolint:errcheck
	})
	return svc, st
}

func register(t *testing.T, svc *Service, date string) *model.Amendment {
	t.Helper()
	a := &model.Amendment{FrameworkID: "fw-1", FrameworkName: "PCI DSS", AmendmentDate: date, LocalPath: "/tmp/" + date + ".pdf"}
	require.NoError(t, svc.Register(context.Background(), a))
	return a
}

func TestService_ProcessesToCompletion(t *testing.T) {
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access")})
	svc, _ := newTestService(t, &fakeCaller{subPolicies: 2}, doc)
	a := register(t, svc, "2024-06-11")

	var done *model.Amendment
	svc.OnDone(func(final *model.Amendment, _ *Result) { done = final })

	started, err := svc.Start(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentProcessing, started.State)
	svc.Wait()

	got, err := svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentProcessed, got.State)
	require.NotNil(t, got.ProcessedDate)
	assert.NotEmpty(t, got.OutputFile)
	assert.Contains(t, string(got.ExtractionSummary), `"total_compliances":2`)
	require.NotNil(t, done)
	assert.Equal(t, model.AmendmentProcessed, done.State)

	out, err := svc.Output(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, out.Compliances(), 2)

	_, err = svc.Start(context.Background(), a.ID)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
}

func TestService_LockAndCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access")})
	svc, _ := newTestService(t, blockingCaller(entered, release), doc)

	first := register(t, svc, "2024-06-11")
	second := register(t, svc, "2024-09-01")

	_, err := svc.Start(context.Background(), first.ID)
	require.NoError(t, err)
	<-entered

	_, err = svc.Start(context.Background(), second.ID)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindResourceLocked))

	got, err := svc.Cancel(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	close(release)
	svc.Wait()

	got, err = svc.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentCancelled, got.State)
	assert.True(t, got.Cancelled)

	out, err := ReadOutput(got.OutputFile)
	require.NoError(t, err)
	assert.Len(t, out.Compliances(), 1)

	_, err = svc.Cancel(context.Background(), first.ID)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
}

func TestService_CancelWithSameDateSibling(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	doc := pdf.NewMemory("amend.pdf", []string{longPage("Access")})
	svc, _ := newTestService(t, blockingCaller(entered, release), doc)

	running := register(t, svc, "2024-06-11")
	_, err := svc.Start(context.Background(), running.ID)
	require.NoError(t, err)
	<-entered

	// A re-download of the same amendment is newer but must not shadow the
	// running record's cancel flag.
	sibling := register(t, svc, "2024-06-11")

	_, err = svc.Cancel(context.Background(), running.ID)
	require.NoError(t, err)
	close(release)
	svc.Wait()

	got, err := svc.Get(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentCancelled, got.State)
	assert.True(t, got.Cancelled)

	other, err := svc.Get(context.Background(), sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AmendmentDownloaded, other.State)
	assert.False(t, other.CancelRequested)
}

func TestService_RegisterValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeCaller{}, pdf.NewMemory("a.pdf", nil))
	err := svc.Register(context.Background(), &model.Amendment{FrameworkID: "fw-1"})
	assert.True(t, model.IsKind(err, model.KindInputRejected))
}
