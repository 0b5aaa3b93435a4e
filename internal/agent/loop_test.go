package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
)

// scriptedClient returns canned responses in order and records the
// message lists it was called with.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, msgs, toolDefs, nil)
}

func (c *scriptedClient) ChatStream(_ context.Context, model string, msgs []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msgs)
	if len(c.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	resp.Model = model
	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}, Done: true}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}, Done: true}
}

func newTestLoop(t *testing.T, client llm.Client) (*Loop, *memory.MemStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewMemStore(0)

	echo := func(_ context.Context, args map[string]any) (string, error) {
		s, _ := args["text"].(string)
		return "echo: " + s, nil
	}
	reg := tools.NewRegistry(logger)
	reg.MustRegister(&tools.Descriptor{
		Name:        "echo",
		Description: "Echo text back.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Execute: echo,
	})
	reg.MustRegister(&tools.Descriptor{
		Name:        "getWeatherInformation",
		Description: "Show the current weather in a given city to the user.",
	})

	res := approval.NewResolvers()
	if err := res.Register("getWeatherInformation", func(_ context.Context, args map[string]any, _ approval.Call) (string, error) {
		city, _ := args["city"].(string)
		return "sunny, 24C in " + city, nil
	}); err != nil {
		t.Fatalf("register resolver: %v", err)
	}

	loop := NewLoop(Deps{
		Logger:   logger,
		Store:    store,
		Client:   client,
		Registry: reg,
		Pipeline: reconcile.New(res, nil, logger),
		Model:    "test-model",
	})
	return loop, store
}

func TestRunPlainTextResponse(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("hello there")}}
	loop, store := newTestLoop(t, client)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Message.Content != "hello there" {
		t.Errorf("content = %q", resp.Message.Content)
	}

	// Conversation persisted: user turn plus assistant turn.
	msgs, _ := store.Messages("conv-1")
	if len(msgs) != 2 || msgs[1].Role != transcript.RoleAssistant {
		t.Errorf("persisted transcript = %+v", msgs)
	}

	// System prompt prepended exactly once.
	if len(client.calls) != 1 || client.calls[0][0].Role != "system" {
		t.Errorf("model saw %+v", client.calls)
	}
}

func TestRunAutoToolLoop(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-1", "echo", map[string]any{"text": "ping"})),
		textResponse("the tool said: echo: ping"),
	}}
	loop, _ := newTestLoop(t, client)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "echo ping")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishStop || resp.Iterations != 2 {
		t.Errorf("finish = %q after %d iterations", resp.FinishReason, resp.Iterations)
	}

	// Second model call saw the tool result message.
	second := client.calls[1]
	var sawResult bool
	for _, m := range second {
		if m.Role == "tool" && m.Content == "echo: ping" && m.ToolCallID == "call-1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Errorf("tool result not fed back: %+v", second)
	}

	// The transcript recorded the executed invocation.
	var inv *transcript.ToolInvocation
	for _, m := range resp.Messages {
		for _, p := range m.Parts {
			if p.IsToolInvocation() && p.ToolInvocation.ToolName == "echo" {
				inv = p.ToolInvocation
			}
		}
	}
	if inv == nil || inv.State != transcript.StateResult || inv.Result != "echo: ping" {
		t.Errorf("invocation = %+v", inv)
	}
}

func TestRunStopsOnConfirmationRequired(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-9", "getWeatherInformation", map[string]any{"city": "Berlin"})),
		textResponse("should never be requested"),
	}}
	loop, store := newTestLoop(t, client)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "weather in Berlin?")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishConfirmationRequired {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
	if len(client.calls) != 1 {
		t.Errorf("model called %d times, want 1 (stop on pending)", len(client.calls))
	}

	// Last persisted message carries the pending invocation.
	msgs, _ := store.Messages("conv-1")
	last := msgs[len(msgs)-1]
	if len(last.Parts) != 1 || !last.Parts[0].IsToolInvocation() {
		t.Fatalf("last message parts = %+v", last.Parts)
	}
	inv := last.Parts[0].ToolInvocation
	if inv.State != transcript.StatePending || inv.ID != "call-9" {
		t.Errorf("pending invocation = %+v", inv)
	}
}

func TestRunReconcilesDecisionBeforeModelCall(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("It is sunny in Berlin."),
	}}
	loop, store := newTestLoop(t, client)

	// Seed the conversation as if a previous request stopped on a
	// pending weather call.
	seed := []transcript.Message{
		transcript.NewMessage(transcript.RoleUser, "weather in Berlin?"),
	}
	if err := store.Replace("conv-1", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The client sends back the assistant message with the decision
	// recorded in the invocation's result field.
	decided := transcript.NewMessage(transcript.RoleAssistant, "",
		transcript.InvocationPart(transcript.ToolInvocation{
			ToolName: "getWeatherInformation",
			ID:       "call-9",
			Args:     map[string]any{"city": "Berlin"},
			State:    transcript.StateResult,
			Result:   approval.Yes,
		}))

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{decided},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(resp.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want 1", resp.Outcomes)
	}
	if resp.Outcomes[0].InvocationID != "call-9" || resp.Outcomes[0].Result != "sunny, 24C in Berlin" {
		t.Errorf("outcome = %+v", resp.Outcomes[0])
	}

	// The model saw the resolved result, not the sentinel.
	call := client.calls[0]
	var sawSentinel, sawResult bool
	for _, m := range call {
		if m.Content == approval.Yes {
			sawSentinel = true
		}
		if m.Role == "tool" && m.Content == "sunny, 24C in Berlin" {
			sawResult = true
		}
	}
	if sawSentinel || !sawResult {
		t.Errorf("model messages = %+v", call)
	}

	// Persisted transcript carries the reconciled result.
	msgs, _ := store.Messages("conv-1")
	var found bool
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.IsToolInvocation() && p.ToolInvocation.Result == "sunny, 24C in Berlin" {
				found = true
			}
		}
	}
	if !found {
		t.Error("reconciled result not persisted")
	}
}

func TestRunDecisionRoundTripKeepsOneInvocation(t *testing.T) {
	// Full confirmation round trip on one conversation: request 1 stops
	// on the pending weather call and persists it; the client writes the
	// sentinel into that same message and re-sends it. The decided copy
	// must replace the stored pending copy, not pile up next to it.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-9", "getWeatherInformation", map[string]any{"city": "Berlin"})),
		textResponse("It is sunny in Berlin."),
	}}
	loop, store := newTestLoop(t, client)

	first, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "weather in Berlin?")},
	})
	if err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if first.FinishReason != FinishConfirmationRequired {
		t.Fatalf("request 1 finish reason = %q", first.FinishReason)
	}

	decided := first.Message.Clone()
	for i, p := range decided.Parts {
		if p.IsToolInvocation() && p.ToolInvocation.ID == "call-9" {
			inv := *p.ToolInvocation
			inv.State = transcript.StateResult
			inv.Result = approval.Yes
			decided.Parts[i] = transcript.InvocationPart(inv)
		}
	}

	second, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{decided},
	})
	if err != nil {
		t.Fatalf("request 2: %v", err)
	}
	if second.FinishReason != FinishStop {
		t.Errorf("request 2 finish reason = %q", second.FinishReason)
	}
	if len(second.Outcomes) != 1 || second.Outcomes[0].Result != "sunny, 24C in Berlin" {
		t.Errorf("outcomes = %+v", second.Outcomes)
	}

	// The invocation appears exactly once in the persisted transcript,
	// carrying the reconciled result.
	msgs, _ := store.Messages("conv-1")
	var seen int
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.IsToolInvocation() && p.ToolInvocation.ID == "call-9" {
				seen++
				if p.ToolInvocation.Result != "sunny, 24C in Berlin" {
					t.Errorf("persisted invocation result = %q", p.ToolInvocation.Result)
				}
			}
		}
	}
	if seen != 1 {
		t.Errorf("invocation call-9 persisted %d times, want 1", seen)
	}

	// Every tool call the model saw has a matching tool result; a
	// leftover pending copy would emit a call with no result.
	modelMsgs := client.calls[1]
	calls := map[string]int{}
	results := map[string]int{}
	for _, m := range modelMsgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID]++
		}
		if m.Role == "tool" {
			results[m.ToolCallID]++
		}
	}
	if calls["call-9"] != 1 || results["call-9"] != 1 {
		t.Errorf("model saw %d tool calls and %d results for call-9, want 1 and 1",
			calls["call-9"], results["call-9"])
	}
}

func TestRunDeniedDecisionShortCircuits(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("Understood, I won't look that up."),
	}}
	loop, _ := newTestLoop(t, client)

	denied := transcript.NewMessage(transcript.RoleAssistant, "",
		transcript.InvocationPart(transcript.ToolInvocation{
			ToolName: "getWeatherInformation",
			ID:       "call-3",
			Args:     map[string]any{"city": "Oslo"},
			State:    transcript.StateResult,
			Result:   approval.No,
		}))

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{denied},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].Result != approval.DeniedMessage {
		t.Errorf("outcomes = %+v", resp.Outcomes)
	}
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-7", "launchRockets", nil)),
		textResponse("that tool does not exist"),
	}}
	loop, _ := newTestLoop(t, client)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "launch!")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	second := client.calls[1]
	var sawError bool
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "call-7" && len(m.Content) > 0 && m.Content[:6] == "Error:" {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("unknown tool error not fed back: %+v", second)
	}
}

func TestRunMalformedArgsBecomeErrorResult(t *testing.T) {
	// echo declares "text" as a required string; calling it without the
	// argument is a schema error fed back to the model, never executed.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-8", "echo", map[string]any{"volume": 11.0})),
		textResponse("let me try again"),
	}}
	loop, _ := newTestLoop(t, client)

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "say something")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	second := client.calls[1]
	var sawError bool
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "call-8" && len(m.Content) > 6 && m.Content[:6] == "Error:" {
			sawError = true
			if !strings.Contains(m.Content, "text") {
				t.Errorf("schema error does not name the missing property: %q", m.Content)
			}
		}
	}
	if !sawError {
		t.Errorf("schema error not fed back: %+v", second)
	}
}

func TestRunIterationCap(t *testing.T) {
	// The model asks for the echo tool forever.
	var responses []*llm.ChatResponse
	for range 10 {
		responses = append(responses, toolCallResponse(
			llm.NewToolCall("", "echo", map[string]any{"text": "again"})))
	}
	client := &scriptedClient{responses: responses}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := tools.NewRegistry(logger)
	reg.MustRegister(&tools.Descriptor{
		Name: "echo",
		Execute: func(_ context.Context, _ map[string]any) (string, error) {
			return "again", nil
		},
	})
	loop := NewLoop(Deps{
		Logger:        logger,
		Store:         memory.NewMemStore(0),
		Client:        client,
		Registry:      reg,
		Pipeline:      reconcile.New(approval.NewResolvers(), nil, logger),
		Model:         "test-model",
		MaxIterations: 3,
	})

	resp, err := loop.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, "go")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.FinishReason != FinishMaxIterations {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(client.calls) != 3 {
		t.Errorf("model called %d times, want 3", len(client.calls))
	}
	if resp.Message.Content == "" {
		t.Error("cap response has no user-facing message")
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolCallResponse(llm.NewToolCall("call-1", "echo", map[string]any{"text": "x"})),
		textResponse("done"),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry(logger)
	reg.MustRegister(&tools.Descriptor{
		Name: "echo",
		Execute: func(_ context.Context, _ map[string]any) (string, error) {
			return "x", nil
		},
	})
	loop := NewLoop(Deps{
		Logger:   logger,
		Store:    memory.NewMemStore(0),
		Client:   client,
		Registry: reg,
		Pipeline: reconcile.New(approval.NewResolvers(), bus, logger),
		Bus:      bus,
		Model:    "test-model",
	})

	if _, err := loop.Run(context.Background(), &Request{
		Messages: []transcript.Message{transcript.NewMessage(transcript.RoleUser, "hi")},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := map[string]int{}
	for {
		select {
		case e := <-sub:
			kinds[e.Kind]++
			if kinds[events.KindRequestComplete] == 1 {
				want := []string{
					events.KindRequestStart,
					events.KindLLMCall,
					events.KindLLMResponse,
					events.KindToolCall,
					events.KindToolDone,
					events.KindRequestComplete,
				}
				for _, k := range want {
					if kinds[k] == 0 {
						t.Errorf("missing event kind %q: %v", k, kinds)
					}
				}
				return
			}
		default:
			t.Fatalf("event stream ended early: %v", kinds)
		}
	}
}

func TestRunStreamsTokens(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("streamed")}}
	loop, _ := newTestLoop(t, client)

	var tokens []string
	_, err := loop.Run(context.Background(), &Request{
		Messages: []transcript.Message{transcript.NewMessage(transcript.RoleUser, "hi")},
		Stream: func(e llm.StreamEvent) {
			if e.Kind == llm.KindToken {
				tokens = append(tokens, e.Token)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tokens) == 0 || tokens[0] != "streamed" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestWakeRunsSchedulerConversation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("watering done")}}
	loop, store := newTestLoop(t, client)

	got, err := loop.Wake(context.Background(), "water the plants")
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if got != "watering done" {
		t.Errorf("wake result = %q", got)
	}

	msgs, _ := store.Messages("scheduler")
	if len(msgs) != 2 || msgs[0].Content != "Scheduled task fired: water the plants" {
		t.Errorf("scheduler transcript = %+v", msgs)
	}
}
