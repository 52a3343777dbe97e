package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grc-extract/internal/resilience"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1:8b", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		require.NotNil(t, req.Options)
		assert.InDelta(t, 0.1, req.Options.Temperature, 0.0001)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_, _ = w.Write([]byte(`{"model":"llama3.1:8b","message":{"role":"assistant","content":"{\"has_policies\":true}"},"done":true,"prompt_eval_count":42,"eval_count":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:  "llama3.1:8b",
		Format: "json",
		Stream: true,
		Messages: []Message{
			{Role: "system", Content: "You are a compliance analyst."},
			{Role: "user", Content: "Extract"},
		},
		Options: &Options{Temperature: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"has_policies":true}`, resp.Message.Content)
	assert.Equal(t, 42, resp.PromptEvalCount)
	assert.True(t, resp.Done)
}

func TestChat_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"model missing", http.StatusNotFound, false},
		{"overloaded", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "ollama: chat")
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "encrypt cardholder data", req.Prompt)
		_, _ = w.Write([]byte(`{"embedding":[0.5,-0.25,1]}`))
	}))
	defer srv.Close()

	vec, err := NewClient(srv.URL).Embed(context.Background(), "nomic-embed-text", "encrypt cardholder data")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vec)
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Embed(context.Background(), "m", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL).Ping(context.Background()))
}

func TestPing_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithTimeout(time.Second))
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama: ping")
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("").(*httpClient)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultTimeout, c.http.Timeout)

	hc := &http.Client{}
	c = NewClient("", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
}
