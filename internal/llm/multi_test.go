package llm

import (
	"context"
	"testing"
)

// routeClient records which instance served the request.
type routeClient struct {
	name string
	last *string
}

func (r *routeClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	*r.last = r.name
	return &ChatResponse{Done: true}, nil
}

func (r *routeClient) ChatStream(ctx context.Context, model string, msgs []Message, tools []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	return r.Chat(ctx, model, msgs, tools)
}

func (r *routeClient) Ping(context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	var last string
	ollama := &routeClient{name: "ollama", last: &last}
	anthropic := &routeClient{name: "anthropic", last: &last}

	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("anthropic", anthropic)
	m.AddPrefix("claude", "anthropic")
	m.AddModel("special", "anthropic")

	tests := []struct {
		model string
		want  string
	}{
		{"qwen3:4b", "ollama"},
		{"claude-sonnet-4", "anthropic"},
		{"special", "anthropic"},
		{"unknown-model", "ollama"},
	}
	for _, tt := range tests {
		last = ""
		if _, err := m.Chat(context.Background(), tt.model, nil, nil); err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if last != tt.want {
			t.Errorf("model %q routed to %q, want %q", tt.model, last, tt.want)
		}
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Fatal("expected error with no fallback configured")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error with no fallback configured")
	}
}
