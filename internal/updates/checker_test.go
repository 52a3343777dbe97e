package updates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/fetcher"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/objectstore"
	"github.com/sells-group/grc-extract/pkg/perplexity"
)

type fakeSearch struct {
	mu       sync.Mutex
	answers  []string
	prompts  []string
	failNext bool
}

func (f *fakeSearch) Search(_ context.Context, q perplexity.Query) (*perplexity.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, q.Question)
	if f.failNext {
		f.failNext = false
		return nil, errors.New("search unavailable")
	}
	if len(f.answers) == 0 {
		return nil, errors.New("no scripted answer")
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return &perplexity.Answer{Text: a}, nil
}

type fakeUploader struct {
	calls []string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, localPath, folder string) (objectstore.Object, error) {
	f.calls = append(f.calls, folder+"/"+filepath.Base(localPath))
	if f.err != nil {
		return objectstore.Object{}, f.err
	}
	return objectstore.Object{URL: "https://storage.googleapis.com/b/" + folder + "/x.pdf", Key: folder + "/x.pdf", StoredName: "x.pdf"}, nil
}

func docServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/amendment.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.7 amendment"))
	})
	mux.HandleFunc("/landing.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login required</html>"))
	})
	mux.HandleFunc("/full.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF" + strings.Repeat("x", 2<<20)))
	})
	mux.HandleFunc("/gone.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func answer(hasUpdate bool, date, docURL string) string {
	u := "null"
	if docURL != "" {
		u = fmt.Sprintf("%q", docURL)
	}
	return fmt.Sprintf("```json\n{\"framework_name\": \"PCI DSS\", \"has_update\": %t, \"latest_update_date\": %q, \"document_url\": %s, \"version\": \"4.0.1\", \"notes\": \"clarifications\"}\n```", hasUpdate, date, u)
}

func testChecker(search perplexity.Client, opts Options) *Checker {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1, RatePerSecond: 1000, Burst: 100, BaseBackoff: time.Millisecond})
	c := New(search, f, opts)
	c.now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func pciRequest(t *testing.T) Request {
	return Request{FrameworkName: "PCI DSS", LastKnownDate: "2024-03-31", DownloadDir: t.TempDir()}
}

func TestCheck_DownloadsAndUploads(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/amendment.pdf")}}
	up := &fakeUploader{}
	c := testChecker(search, Options{Uploader: up})

	req := pciRequest(t)
	info, err := c.Check(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, info.HasUpdate)
	assert.Equal(t, "2024-06-11", info.LatestUpdateDate)
	assert.Equal(t, "4.0.1", info.Version)
	assert.Equal(t, filepath.Join(req.DownloadDir, "pci_dss_2024-06-11.pdf"), info.DownloadedPath)
	assert.Equal(t, int64(18), info.SizeBytes)
	assert.Equal(t, "pci_dss/x.pdf", info.ObjectKey)
	assert.Equal(t, []string{"pci_dss/pci_dss_2024-06-11.pdf"}, up.calls)
	assert.Equal(t, "PCI DSS", info.Response["framework_name"])

	require.Len(t, search.prompts, 1)
	assert.Contains(t, search.prompts[0], "published on 2024-03-31")
	assert.Contains(t, search.prompts[0], "Today is 2026-10-01.")
}

func TestCheck_NoUpdate(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"model says no", answer(false, "2024-03-31", "")},
		{"claimed but older", answer(true, "2023-01-01", "https://example.com/old.pdf")},
		{"claimed but same day", answer(true, "2024-03-31", "https://example.com/old.pdf")},
		{"claimed with bad date", answer(true, "sometime", "https://example.com/old.pdf")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := &fakeSearch{answers: []string{tt.answer}}
			info, err := testChecker(search, Options{}).Check(context.Background(), pciRequest(t))
			require.NoError(t, err)
			assert.False(t, info.HasUpdate)
			assert.Empty(t, info.DownloadedPath)
			assert.Len(t, search.prompts, 1)
		})
	}
}

func TestCheck_ResolvesPageURL(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{
		answer(true, "2024-06-11", srv.URL+"/document_library"),
		fmt.Sprintf(`{"document_url": %q}`, srv.URL+"/amendment.pdf"),
	}}
	info, err := testChecker(search, Options{}).Check(context.Background(), pciRequest(t))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/amendment.pdf", info.DocumentURL)
	assert.NotEmpty(t, info.DownloadedPath)
	require.Len(t, search.prompts, 2)
	assert.Contains(t, search.prompts[1], srv.URL+"/document_library")
}

func TestCheck_ResolutionRejectsSameOrNonPDF(t *testing.T) {
	page := "https://www.pcisecuritystandards.org/document_library"
	for _, resolved := range []string{page, "https://example.com/page.html", "null"} {
		search := &fakeSearch{answers: []string{
			answer(true, "2024-06-11", page),
			fmt.Sprintf(`{"document_url": %q}`, resolved),
		}}
		info, err := testChecker(search, Options{}).Check(context.Background(), pciRequest(t))
		require.NoError(t, err)
		assert.Equal(t, "no direct PDF url found", info.DownloadError)
		assert.Empty(t, info.DownloadedPath)
	}
}

func TestCheck_AlternateURLAfterFailure(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{
		answer(true, "2024-06-11", srv.URL+"/gone.pdf"),
		fmt.Sprintf(`{"document_url": %q}`, srv.URL+"/amendment.pdf"),
	}}
	info, err := testChecker(search, Options{}).Check(context.Background(), pciRequest(t))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/amendment.pdf", info.DocumentURL)
	assert.FileExists(t, info.DownloadedPath)
	assert.Contains(t, search.prompts[1], srv.URL+"/gone.pdf")
}

func TestCheck_AlternateAlsoFails(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/gone.pdf")}}
	search.answers = append(search.answers, fmt.Sprintf(`{"document_url": %q}`, srv.URL+"/gone2.pdf"))
	info, err := testChecker(search, Options{}).Check(context.Background(), pciRequest(t))
	require.Error(t, err)
	assert.Contains(t, info.DownloadError, "alternate")
	assert.Empty(t, info.DownloadedPath)
}

func TestCheck_NotAPDF(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/landing.pdf")}}
	req := pciRequest(t)
	info, err := testChecker(search, Options{}).Check(context.Background(), req)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
	assert.Contains(t, info.DownloadError, "not a PDF")
	assert.NoFileExists(t, filepath.Join(req.DownloadDir, "pci_dss_2024-06-11.pdf"))
	assert.Len(t, search.prompts, 1)
}

func TestCheck_TooLarge(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/full.pdf")}}
	req := pciRequest(t)
	info, err := testChecker(search, Options{MaxPDFMB: 1}).Check(context.Background(), req)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInputRejected))
	assert.Contains(t, info.DownloadError, "exceeds 1 MB")
	entries, _ := os.ReadDir(req.DownloadDir)
	assert.Empty(t, entries)
}

func TestCheck_UploadFailureIsNotFatal(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/amendment.pdf")}}
	info, err := testChecker(search, Options{Uploader: &fakeUploader{err: errors.New("403")}}).Check(context.Background(), pciRequest(t))
	require.NoError(t, err)
	assert.NotEmpty(t, info.DownloadedPath)
	assert.Empty(t, info.ObjectURL)
}

func TestCheck_ProcessHook(t *testing.T) {
	srv := docServer(t)
	search := &fakeSearch{answers: []string{answer(true, "2024-06-11", srv.URL+"/amendment.pdf")}}
	var got Request
	c := testChecker(search, Options{Process: func(_ context.Context, info *UpdateInfo, req Request) (any, error) {
		got = req
		return map[string]any{"amendment_id": "a-1", "path": info.DownloadedPath}, nil
	}})

	req := pciRequest(t)
	req.FrameworkID = "fw-7"
	req.Process = true
	info, err := c.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fw-7", got.FrameworkID)
	assert.Equal(t, "a-1", info.ProcessingResult.(map[string]any)["amendment_id"])
}

func TestCheck_Errors(t *testing.T) {
	_, err := testChecker(&fakeSearch{}, Options{}).Check(context.Background(), Request{})
	assert.True(t, model.IsKind(err, model.KindInputRejected))

	_, err = testChecker(&fakeSearch{failNext: true}, Options{}).Check(context.Background(), pciRequest(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updates: search")

	_, err = testChecker(&fakeSearch{answers: []string{"I could not find anything."}}, Options{}).Check(context.Background(), pciRequest(t))
	assert.True(t, model.IsKind(err, model.KindLLMUnrecoverable))
}

func TestIsPDFURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/a.pdf", true},
		{"https://example.com/A.PDF?download=1", true},
		{"ftp://ftp.example.com/pub/a.pdf", true},
		{"https://example.com/library", false},
		{"https://example.com/a.pdf.html", false},
		{"/relative/a.pdf", false},
		{"file:///etc/a.pdf", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPDFURL(tt.url), tt.url)
	}
}
