package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/admission"
	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/pipeline"
	"github.com/sells-group/grc-extract/internal/store"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakeSubmitter) Submit(_ context.Context, req pipeline.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return req.TaskID
}

type fakeAmendments struct {
	records map[string]*model.Amendment
	locked  bool
}

func (f *fakeAmendments) Get(_ context.Context, id string) (*model.Amendment, error) {
	a, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAmendments) Start(ctx context.Context, id string) (*model.Amendment, error) {
	a, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.locked {
		return nil, model.Errorf(model.KindResourceLocked, "framework %s already has an amendment processing", a.FrameworkID)
	}
	a.State = model.AmendmentProcessing
	return a, nil
}

func (f *fakeAmendments) Cancel(ctx context.Context, id string) (*model.Amendment, error) {
	a, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State.Terminal() {
		return a, model.Errorf(model.KindInputRejected, "amendment %s is already %s", id, a.State)
	}
	a.CancelRequested = true
	return a, nil
}

type testServer struct {
	handler    http.Handler
	submitter  *fakeSubmitter
	tracker    *pipeline.Tracker
	amendments *fakeAmendments
	uploadDir  string
}

func newTestServer(t *testing.T, perMinute int) *testServer {
	t.Helper()
	ts := &testServer{
		submitter: &fakeSubmitter{},
		tracker:   pipeline.NewTracker(),
		amendments: &fakeAmendments{records: map[string]*model.Amendment{
			"a-1": {ID: "a-1", FrameworkID: "fw-1", State: model.AmendmentDownloaded},
			"a-2": {ID: "a-2", FrameworkID: "fw-1", State: model.AmendmentProcessed},
		}},
		uploadDir: t.TempDir(),
	}
	ts.handler = newRouter(&api{
		submit:            ts.submitter,
		tasks:             ts.tracker,
		amendments:        ts.amendments,
		queue:             admission.NewQueue(2),
		limiter:           admission.NewRateLimiter(),
		perMinute:         perMinute,
		perHour:           100,
		uploadDir:         ts.uploadDir,
		baseDir:           "media",
		includeCompliance: true,
	})
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func uploadRequest(t *testing.T, filename string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte("%PDF-1.7 test"))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingest", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "10.0.0.1:5555"
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 10)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "queue")
}

func TestIngest_Accepted(t *testing.T) {
	ts := newTestServer(t, 10)
	rr := ts.do(uploadRequest(t, "policy.pdf", map[string]string{"user_key": "alice", "include_compliance": "false"}))

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "queued", body["status"])
	require.NotEmpty(t, body["task_id"])

	require.Len(t, ts.submitter.reqs, 1)
	req := ts.submitter.reqs[0]
	assert.Equal(t, body["task_id"], req.TaskID)
	assert.Equal(t, "alice", req.UserKey)
	assert.Equal(t, "media", req.BaseDir)
	assert.False(t, req.IncludeCompliance)

	data, err := os.ReadFile(req.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 test", string(data))
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     int
	}{
		{"missing file", "", http.StatusBadRequest},
		{"unsupported type", "notes.exe", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 10)
			rr := ts.do(uploadRequest(t, tt.filename, nil))
			assert.Equal(t, tt.want, rr.Code)
			body := decode[model.ErrorBody](t, rr)
			assert.Equal(t, "error", body.Status)
			assert.Equal(t, model.KindInputRejected, body.Kind)
			assert.Empty(t, ts.submitter.reqs)
		})
	}
}

func TestIngest_RateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	for range 2 {
		rr := ts.do(uploadRequest(t, "policy.pdf", nil))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	rr := ts.do(uploadRequest(t, "policy.pdf", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	body := decode[model.ErrorBody](t, rr)
	assert.Equal(t, "error", body.Status)
	assert.NotEmpty(t, body.Message)
	assert.Len(t, ts.submitter.reqs, 2)

	// Another client is unaffected.
	req := uploadRequest(t, "policy.pdf", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	assert.Equal(t, http.StatusAccepted, ts.do(req).Code)
}

func TestTaskStatus(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.tracker.Create("t-1", "queued")
	ts.tracker.Update("t-1", model.TaskProcessing, 40, "Extracting policies")

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/tasks/t-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	st := decode[model.TaskStatus](t, rr)
	assert.Equal(t, model.TaskProcessing, st.Status)
	assert.Equal(t, 40, st.Progress)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAmendmentEndpoints(t *testing.T) {
	ts := newTestServer(t, 10)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/amendments/a-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "fw-1", decode[model.Amendment](t, rr).FrameworkID)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/amendments/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/amendments/a-1/process", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, model.AmendmentProcessing, decode[model.Amendment](t, rr).State)

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/amendments/a-1/cancel", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[model.Amendment](t, rr).CancelRequested)

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/amendments/a-2/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAmendmentProcess_Locked(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.amendments.locked = true

	rr := ts.do(httptest.NewRequest(http.MethodPost, "/amendments/a-1/process", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, model.KindResourceLocked, decode[model.ErrorBody](t, rr).Kind)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(model.Errorf(model.KindInputRejected, "bad")))
	assert.Equal(t, http.StatusConflict, statusFor(model.Errorf(model.KindResourceLocked, "busy")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
