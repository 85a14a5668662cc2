package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/slateworks/slate/provider"
)

func TestGenerateCycles(t *testing.T) {
	p := New("first", "second")

	want := []string{"first", "second", "first"}
	for i, expected := range want {
		resp, err := p.Generate(context.Background(), provider.Request{Prompt: "go"})
		if err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
		if resp.Content != expected {
			t.Errorf("call %d: expected %q, got %q", i, expected, resp.Content)
		}
	}

	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(calls))
	}
	if calls[0].Prompt != "go" {
		t.Errorf("expected recorded prompt, got %q", calls[0].Prompt)
	}
}

func TestGenerateDefaultResponse(t *testing.T) {
	p := New()
	resp, err := p.Generate(context.Background(), provider.Request{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != defaultResponse {
		t.Errorf("expected default response, got %q", resp.Content)
	}
	if p.Name() != "mock" {
		t.Errorf("expected name 'mock', got %q", p.Name())
	}
}

func TestFail(t *testing.T) {
	p := New("ok")
	wantErr := errors.New("model unavailable")
	p.Fail(wantErr)

	if _, err := p.Generate(context.Background(), provider.Request{Prompt: "go"}); !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}

	p.Fail(nil)
	if _, err := p.Generate(context.Background(), provider.Request{Prompt: "go"}); err != nil {
		t.Fatalf("expected cleared error, got %v", err)
	}
}

func TestGenerateCanceledContext(t *testing.T) {
	p := New("ok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Generate(ctx, provider.Request{Prompt: "go"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
