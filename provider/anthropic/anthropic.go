// Package anthropic backs the provider interface with the Anthropic
// Messages API through the official Go SDK.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/slateworks/slate/provider"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Options configures the Anthropic backend.
type Options struct {
	// APIKey authenticates requests. Empty falls back to ANTHROPIC_API_KEY.
	APIKey string
	// Model is the default model for requests that do not name one.
	Model string
	// MaxTokens is the default completion cap.
	MaxTokens int
	// Temperature is the default sampling temperature. Zero lets the API
	// pick its own default.
	Temperature float64
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

// Provider talks to the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	opts   Options
}

// New creates an Anthropic provider with opts.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Provider{client: anthropic.NewClient(reqOpts...), opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Generate implements provider.Provider.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	model := p.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if temp := pick(req.Temperature, p.opts.Temperature); temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return &provider.Response{
		Content: text.String(),
		Model:   string(resp.Model),
		Usage: provider.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func pick(override, fallback float64) float64 {
	if override > 0 {
		return override
	}
	return fallback
}
