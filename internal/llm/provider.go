// Package llm is the single entry point for model calls. It wraps a remote
// or local provider with truncation, caching, routing, admission and JSON
// recovery.
package llm

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/config"
	"github.com/sells-group/grc-extract/pkg/anthropic"
	"github.com/sells-group/grc-extract/pkg/ollama"
)

// Request is one provider completion.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
	// Task labels the call in cost logs.
	Task string
}

// Response is the text a provider returned.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider completes a prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// NewProvider builds the provider selected by cfg.AI.Provider.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.AI.Provider {
	case config.ProviderRemote:
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("llm: anthropic.key is required for the remote provider")
		}
		client := anthropic.NewClient(anthropic.Config{Key: cfg.Anthropic.Key})
		return NewRemote(client, cfg.AI.MaxTokens), nil
	case config.ProviderLocal:
		timeout := time.Duration(cfg.Local.TimeoutSeconds) * time.Second
		client := ollama.NewClient(cfg.Local.URL, ollama.WithTimeout(timeout))
		return NewLocal(client, cfg.Local.Temperature), nil
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.AI.Provider)
	}
}

// Remote calls the hosted Anthropic API.
type Remote struct {
	client    anthropic.Client
	maxTokens int64
}

// NewRemote creates a Remote provider.
func NewRemote(client anthropic.Client, maxTokens int64) *Remote {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Remote{client: client, maxTokens: maxTokens}
}

func (r *Remote) Name() string { return config.ProviderRemote }

func (r *Remote) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}
	resp, err := r.client.Complete(ctx, anthropic.Prompt{
		Model:       req.Model,
		System:      req.System,
		SystemTTL:   "5m",
		User:        req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("llm: cost", append(resp.Usage.Fields(req.Model), zap.String("task", req.Task))...)
	if resp.Truncated() {
		zap.L().Warn("llm: reply hit max tokens",
			zap.String("task", req.Task),
			zap.Int64("max_tokens", maxTokens),
		)
	}
	return &Response{
		Text:         resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
	}, nil
}

// Local calls an Ollama server with JSON output enforced.
type Local struct {
	client      ollama.Client
	temperature float64
}

// NewLocal creates a Local provider.
func NewLocal(client ollama.Client, temperature float64) *Local {
	return &Local{client: client, temperature: temperature}
}

func (l *Local) Name() string { return config.ProviderLocal }

func (l *Local) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := l.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	msgs := make([]ollama.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	resp, err := l.client.Chat(ctx, ollama.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Format:   "json",
		Options:  &ollama.Options{Temperature: temp, NumPredict: int(req.MaxTokens)},
	})
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:         resp.Message.Content,
		Model:        resp.Model,
		InputTokens:  int64(resp.PromptEvalCount),
		OutputTokens: int64(resp.EvalCount),
	}, nil
}
