// Package perplexity asks web-grounded questions through the Perplexity
// chat completions API.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/resilience"
)

const (
	defaultBaseURL   = "https://api.perplexity.ai"
	defaultModel     = "sonar-pro"
	maxRetryAttempts = 3
)

// Client answers a Query from live search results.
type Client interface {
	Search(ctx context.Context, q Query) (*Answer, error)
}

// Query is one question, asked at temperature zero.
type Query struct {
	Model string
	// Instruction is the system turn, e.g. the reply format.
	Instruction string
	Question    string
	// Recency limits results to "day", "week", "month" or "year".
	Recency string
	// Domains restricts the search to these hosts.
	Domains []string
}

// Answer is the reply to a Query.
type Answer struct {
	ID   string
	Text string
	// Citations lists the source URLs the answer was grounded on.
	Citations        []string
	PromptTokens     int
	CompletionTokens int
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model        string    `json:"model"`
	Messages     []message `json:"messages"`
	Temperature  float64   `json:"temperature"`
	Recency      string    `json:"search_recency_filter,omitempty"`
	DomainFilter []string  `json:"search_domain_filter,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithModel sets the model used when a Query names none.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, eris.New("perplexity: empty question")
	}
	req := chatRequest{
		Model:        q.Model,
		Recency:      q.Recency,
		DomainFilter: q.Domains,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if q.Instruction != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: q.Instruction})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: q.Question})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	cfg := resilience.DefaultRetryConfig().WithAttempts(maxRetryAttempts)
	cfg.OnRetry = resilience.RetryLogger("perplexity", "search")

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*chatResponse, error) {
		return c.do(ctx, body)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, eris.Wrap(ctxErr, "perplexity: search")
		}
		return nil, err
	}

	ans := &Answer{
		ID:               resp.ID,
		Citations:        resp.Citations,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		ans.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	return ans, nil
}

func (c *httpClient) do(ctx context.Context, body []byte) (*chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("perplexity", resp.StatusCode, respBody)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}
	return &out, nil
}
