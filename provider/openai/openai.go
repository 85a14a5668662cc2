// Package openai backs the provider interface with the OpenAI Chat
// Completions API through the official Go SDK.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/slateworks/slate/provider"
)

const defaultMaxTokens = 4096

// Options configures the OpenAI backend.
type Options struct {
	// APIKey authenticates requests. Empty falls back to OPENAI_API_KEY.
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

// Provider talks to the OpenAI Chat Completions API.
type Provider struct {
	client openai.Client
	opts   Options
}

// New creates an OpenAI provider with opts.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
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
	return &Provider{client: openai.NewClient(reqOpts...), opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai" }

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

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if temp := pick(req.Temperature, p.opts.Temperature); temp > 0 {
		params.Temperature = openai.Float(temp)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai generate: response has no choices")
	}
	return &provider.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: provider.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func pick(override, fallback float64) float64 {
	if override > 0 {
		return override
	}
	return fallback
}
