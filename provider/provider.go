// Package provider defines the model backend used for generation work:
// scene splitting, beat extraction, and board copy. Implementations live in
// subpackages (anthropic, openai, mock) and are selected by daemon config.
package provider

import "context"

// Request is a single-turn generation request. Zero-valued fields fall back
// to the provider's configured defaults.
type Request struct {
	// System primes the model with role instructions.
	System string `json:"system,omitempty"`
	// Prompt is the user-side content to complete.
	Prompt string `json:"prompt"`
	// Model overrides the provider's default model for this call.
	Model string `json:"model,omitempty"`
	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Temperature adjusts sampling. Zero keeps the provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the completed result of a Request.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Provider is a model backend. Implementations must be safe for concurrent
// use; agents share one provider across task handlers.
type Provider interface {
	// Name identifies the backend ("anthropic", "openai", "mock").
	Name() string

	// Generate sends req and blocks until the model responds or ctx ends.
	Generate(ctx context.Context, req Request) (*Response, error)
}
