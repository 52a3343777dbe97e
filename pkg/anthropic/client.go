// Package anthropic sends single-turn prompts to the Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/resilience"
)

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is a role statement plus one user turn.
type Prompt struct {
	Model string
	// System is sent as one block. SystemTTL ("5m" or "1h") marks it as a
	// prompt-cache breakpoint; empty sends it uncached.
	System    string
	SystemTTL string
	User      string

	MaxTokens   int64
	Temperature *float64
}

// Completion is the text reply of a Prompt.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the reply stopped at the token limit.
func (c *Completion) Truncated() bool { return c.StopReason == string(sdk.StopReasonMaxTokens) }

// Usage counts the tokens billed for a call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// per-million-token prices by model family, {input, output}.
var familyPricing = []struct {
	prefix string
	price  [2]float64
}{
	{"claude-haiku", [2]float64{0.80, 4.00}},
	{"claude-sonnet", [2]float64{3.00, 15.00}},
	{"claude-opus", [2]float64{15.00, 75.00}},
}

// Cost estimates the USD cost of u on model. Unknown models cost 0.
func (u Usage) Cost(model string) float64 {
	for _, f := range familyPricing {
		if !strings.HasPrefix(model, f.prefix) {
			continue
		}
		in := f.price[0] / 1e6
		return float64(u.Input)*in +
			float64(u.Output)*f.price[1]/1e6 +
			float64(u.CacheWrite)*in*1.25 +
			float64(u.CacheRead)*in*0.1
	}
	return 0
}

// Fields describes u for a cost log line.
func (u Usage) Fields(model string) []zap.Field {
	return []zap.Field{
		zap.String("model", model),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", u.Cost(model)),
	}
}

// Config configures NewClient.
type Config struct {
	Key     string
	BaseURL string
	// SDKRetries is the SDK's own retry budget. Callers that retry
	// themselves leave it at zero.
	SDKRetries int
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by anthropic-sdk-go.
func NewClient(cfg Config) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.Key),
		option.WithMaxRetries(cfg.SDKRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	if strings.TrimSpace(p.User) == "" {
		return nil, eris.New("anthropic: empty prompt")
	}

	msg, err := c.client.Messages.New(ctx, params(p))
	if err != nil {
		wrapped := eris.Wrap(err, "anthropic: complete")
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(wrapped, apiErr.StatusCode)
		}
		return nil, wrapped
	}
	return completion(msg), nil
}

func params(p Prompt) sdk.MessageNewParams {
	out := sdk.MessageNewParams{
		Model:     sdk.Model(p.Model),
		MaxTokens: p.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.User))},
	}
	if p.System != "" {
		block := sdk.TextBlockParam{Text: p.System}
		if p.SystemTTL != "" {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(p.SystemTTL)
			block.CacheControl = cc
		}
		out.System = []sdk.TextBlockParam{block}
	}
	if p.Temperature != nil {
		out.Temperature = sdk.Float(*p.Temperature)
	}
	return out
}

// completion keeps the text blocks of msg, in order.
func completion(msg *sdk.Message) *Completion {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       b.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}
