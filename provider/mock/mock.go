// Package mock provides a scripted provider for tests and offline runs.
package mock

import (
	"context"
	"sync"

	"github.com/slateworks/slate/provider"
)

const defaultResponse = "Draft acknowledged. Working on it."

// Provider cycles through scripted responses. Safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	err       error
	calls     []provider.Request
}

// New creates a mock provider that cycles through responses. With no
// responses every call returns a generic acknowledgement.
func New(responses ...string) *Provider {
	return &Provider{responses: responses}
}

// Name implements provider.Provider.
func (m *Provider) Name() string { return "mock" }

// Generate implements provider.Provider. It records the request and returns
// the next scripted response, honoring ctx cancellation.
func (m *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}

	content := defaultResponse
	if len(m.responses) > 0 {
		content = m.responses[m.idx%len(m.responses)]
		m.idx++
	}
	return &provider.Response{
		Content: content,
		Model:   "mock",
		Usage: provider.Usage{
			InputTokens:  len(req.System) + len(req.Prompt),
			OutputTokens: len(content),
		},
	}, nil
}

// Fail makes every subsequent Generate call return err. Pass nil to clear.
func (m *Provider) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns a copy of every request seen so far.
func (m *Provider) Calls() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Request, len(m.calls))
	copy(out, m.calls)
	return out
}
