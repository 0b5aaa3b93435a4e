// Package agent implements the core request loop: reconcile recorded
// human decisions, call the model, execute auto tools, and stop on
// confirmation-required tool calls until a decision comes back.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
)

// Finish reasons returned on [Response.FinishReason].
const (
	FinishStop = "stop"
	// FinishConfirmationRequired means the assistant message ends with
	// one or more pending tool-invocation parts awaiting a human
	// decision.
	FinishConfirmationRequired = "confirmation_required"
	FinishMaxIterations        = "max_iterations"
)

const defaultSystemPrompt = "You are Parley, a helpful assistant. You can call tools to look " +
	"things up and act on the user's behalf. Some tools require the user's explicit " +
	"confirmation before they run; request them normally and the client will ask. Be concise."

// Request is one turn handed to the agent.
type Request struct {
	ConversationID string               `json:"conversation_id,omitempty"`
	Messages       []transcript.Message `json:"messages"`
	Model          string               `json:"model,omitempty"`

	// Stream receives incremental model output when non-nil.
	Stream llm.StreamCallback `json:"-"`
}

// Response is the agent's answer for one request.
type Response struct {
	// Message is the final assistant message, already part of Messages.
	Message transcript.Message `json:"message"`
	// Messages is the full updated transcript for the conversation.
	Messages     []transcript.Message `json:"messages"`
	Model        string               `json:"model"`
	FinishReason string               `json:"finish_reason"`
	Iterations   int                  `json:"iterations"`
	// Outcomes lists invocation outcomes produced by reconciliation
	// during this request.
	Outcomes []reconcile.Outcome `json:"outcomes,omitempty"`
}

// Deps carries the loop's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Store    memory.Store
	Client   llm.Client
	Registry *tools.Registry
	Pipeline *reconcile.Pipeline
	// Outlet receives reconciled outcomes in addition to the response's
	// Outcomes field. May be nil.
	Outlet reconcile.Outlet
	Bus    *events.Bus

	Model         string
	MaxIterations int
	SystemPrompt  string
}

// Loop is the core agent execution loop.
type Loop struct {
	deps Deps
}

// NewLoop creates an agent loop. Model and MaxIterations get defaults
// when unset.
func NewLoop(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 8
	}
	if deps.SystemPrompt == "" {
		deps.SystemPrompt = defaultSystemPrompt
	}
	return &Loop{deps: deps}
}

// Run executes one request: reconcile, then iterate model calls and
// auto tool executions until the model produces text or requests a
// confirmation-required tool.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	d := &l.deps
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	model := req.Model
	if model == "" {
		model = d.Model
	}

	requestID := transcript.NewID()
	start := time.Now()
	d.Logger.Info("agent request started",
		"request_id", requestID,
		"conversation", convID,
		"messages", len(req.Messages),
		"model", model,
	)
	d.Bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestStart,
		Data:   map[string]any{"request_id": requestID, "conversation_id": convID},
	})

	history, err := d.Store.Messages(convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", convID, err)
	}
	full := mergeMessages(history, req.Messages)

	// Reconcile any recorded decisions before the model sees the
	// transcript. Outcomes are collected for the response and forwarded
	// to the configured outlet. Approvals resolve concurrently, so the
	// collector takes a lock.
	var (
		outcomesMu sync.Mutex
		outcomes   []reconcile.Outcome
	)
	collect := reconcile.OutletFunc(func(o reconcile.Outcome) {
		outcomesMu.Lock()
		outcomes = append(outcomes, o)
		outcomesMu.Unlock()
		if d.Outlet != nil {
			d.Outlet.Publish(o)
		}
	})
	full = d.Pipeline.Run(ctx, full, collect)

	if err := d.Store.Replace(convID, full); err != nil {
		return nil, fmt.Errorf("persist conversation %s: %w", convID, err)
	}

	advertised := d.Registry.Advertise()

	var final transcript.Message
	finishReason := FinishMaxIterations
	iter := 0

	llmMsgs := toLLMMessages(full, d.SystemPrompt)

	for iter = 0; iter < d.MaxIterations; iter++ {
		d.Bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"request_id": requestID, "iter": iter, "model": model},
		})

		resp, err := d.Client.ChatStream(ctx, model, llmMsgs, advertised, req.Stream)
		if err != nil {
			d.Logger.Error("model call failed", "request_id", requestID, "error", err)
			return nil, fmt.Errorf("model call: %w", err)
		}

		d.Bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"request_id": requestID,
				"iter":       iter,
				"model":      resp.Model,
				"tool_calls": len(resp.Message.ToolCalls),
			},
		})

		if len(resp.Message.ToolCalls) == 0 {
			final = transcript.NewMessage(transcript.RoleAssistant, resp.Message.Content)
			if resp.Message.Content != "" {
				final.Parts = []transcript.Part{transcript.TextPart(resp.Message.Content)}
			}
			full = append(full, final)
			finishReason = FinishStop
			break
		}

		assistant, toolResults, pending := l.runToolCalls(ctx, requestID, resp.Message)
		full = append(full, assistant)

		if pending {
			final = assistant
			finishReason = FinishConfirmationRequired
			break
		}

		// Feed tool results back and go around again.
		llmMsgs = append(llmMsgs, resp.Message)
		llmMsgs = append(llmMsgs, toolResults...)
	}

	if finishReason == FinishMaxIterations {
		d.Logger.Warn("tool loop hit iteration cap",
			"request_id", requestID, "max_iterations", d.MaxIterations)
		final = transcript.NewMessage(transcript.RoleAssistant,
			"I could not finish within the tool-call limit. Please try rephrasing the request.")
		full = append(full, final)
	}

	if err := d.Store.Replace(convID, full); err != nil {
		return nil, fmt.Errorf("persist conversation %s: %w", convID, err)
	}

	d.Bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID,
			"iterations": iter + 1,
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	d.Logger.Info("agent request completed",
		"request_id", requestID,
		"conversation", convID,
		"finish_reason", finishReason,
		"iterations", iter+1,
	)

	return &Response{
		Message:      final,
		Messages:     full,
		Model:        model,
		FinishReason: finishReason,
		Iterations:   iter + 1,
		Outcomes:     outcomes,
	}, nil
}

// mergeMessages overlays incoming messages onto stored history. A
// message whose ID matches a stored one replaces the stored copy in
// place; the client re-sends a persisted assistant turn after writing
// a decision sentinel into its invocation part, and appending it would
// leave the stale pending copy in the transcript alongside the decided
// one. Messages with unknown or empty IDs append in order.
func mergeMessages(history, incoming []transcript.Message) []transcript.Message {
	if len(incoming) == 0 {
		return history
	}
	index := make(map[string]int, len(history))
	for i, m := range history {
		if m.ID != "" {
			index[m.ID] = i
		}
	}
	out := make([]transcript.Message, len(history), len(history)+len(incoming))
	copy(out, history)
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok && m.ID != "" {
			out[i] = m
			continue
		}
		out = append(out, m)
	}
	return out
}

// Wake runs a scheduled task's description through the agent on a
// dedicated conversation. Used as the scheduler's wake callback.
func (l *Loop) Wake(ctx context.Context, description string) (string, error) {
	resp, err := l.Run(ctx, &Request{
		ConversationID: "scheduler",
		Messages: []transcript.Message{
			transcript.NewMessage(transcript.RoleUser,
				"Scheduled task fired: "+description),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// runToolCalls executes the model's tool calls. Auto tools run
// immediately and their results are recorded on the assistant message;
// confirmation-required tools become pending invocation parts. Returns
// the assistant message, the tool-result messages to feed back to the
// model, and whether any call awaits a human decision.
func (l *Loop) runToolCalls(ctx context.Context, requestID string, msg llm.Message) (transcript.Message, []llm.Message, bool) {
	d := &l.deps
	assistant := transcript.NewMessage(transcript.RoleAssistant, msg.Content)
	if msg.Content != "" {
		assistant.Parts = append(assistant.Parts, transcript.TextPart(msg.Content))
	}

	var toolResults []llm.Message
	pending := false

	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = transcript.NewID()
		}
		inv := transcript.ToolInvocation{
			ToolName: tc.Function.Name,
			ID:       id,
			Args:     tc.Function.Arguments,
		}

		desc, err := d.Registry.Lookup(tc.Function.Name)
		if err != nil {
			result := fmt.Sprintf("Error: %s", err)
			inv.State = transcript.StateResult
			inv.Result = result
			assistant.Parts = append(assistant.Parts, transcript.InvocationPart(inv))
			toolResults = append(toolResults, llm.Message{Role: "tool", Content: result, ToolCallID: id})
			d.Logger.Warn("model called unknown tool", "tool", tc.Function.Name, "request_id", requestID)
			continue
		}

		// Schema errors are reported back to the model as results, never
		// repaired, and never reach the resolver or executor.
		if err := tools.ValidateArgs(desc, tc.Function.Arguments); err != nil {
			result := fmt.Sprintf("Error: %s", err)
			inv.State = transcript.StateResult
			inv.Result = result
			assistant.Parts = append(assistant.Parts, transcript.InvocationPart(inv))
			toolResults = append(toolResults, llm.Message{Role: "tool", Content: result, ToolCallID: id})
			d.Logger.Warn("tool arguments failed validation",
				"tool", tc.Function.Name, "request_id", requestID, "error", err)
			continue
		}

		if desc.RequiresConfirmation() {
			inv.State = transcript.StatePending
			assistant.Parts = append(assistant.Parts, transcript.InvocationPart(inv))
			pending = true
			d.Bus.Publish(events.Event{
				Source: events.SourceAgent,
				Kind:   events.KindConfirmationRequired,
				Data: map[string]any{
					"request_id":    requestID,
					"tool":          inv.ToolName,
					"invocation_id": inv.ID,
				},
			})
			d.Logger.Info("tool awaits confirmation",
				"tool", inv.ToolName, "invocation_id", inv.ID, "request_id", requestID)
			continue
		}

		result := l.executeAuto(ctx, requestID, desc, inv.Args)
		inv.State = transcript.StateResult
		inv.Result = result
		assistant.Parts = append(assistant.Parts, transcript.InvocationPart(inv))
		toolResults = append(toolResults, llm.Message{Role: "tool", Content: result, ToolCallID: id})
	}

	return assistant, toolResults, pending
}

// executeAuto runs an auto tool, converting failures to result text the
// model can read.
func (l *Loop) executeAuto(ctx context.Context, requestID string, desc *tools.Descriptor, args map[string]any) string {
	d := &l.deps
	start := time.Now()
	d.Bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"request_id": requestID, "tool": desc.Name},
	})

	result, err := desc.Execute(ctx, args)
	ok := err == nil
	if err != nil {
		d.Logger.Warn("tool execution failed", "tool", desc.Name, "error", err)
		result = fmt.Sprintf("Error: %s", err)
	}

	d.Bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"request_id":  requestID,
			"tool":        desc.Name,
			"ok":          ok,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return result
}

// toLLMMessages flattens a transcript into provider-neutral messages.
// Tool-invocation parts become tool calls on the assistant message plus
// role "tool" result messages; decision sentinels never reach the model
// because reconciliation has already replaced them.
func toLLMMessages(msgs []transcript.Message, systemPrompt string) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	}

	for _, m := range msgs {
		invocations := make([]*transcript.ToolInvocation, 0, 2)
		for _, p := range m.Parts {
			if p.IsToolInvocation() {
				invocations = append(invocations, p.ToolInvocation)
			}
		}

		if len(invocations) == 0 {
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
			continue
		}

		msg := llm.Message{Role: string(m.Role), Content: m.Content}
		for _, inv := range invocations {
			msg.ToolCalls = append(msg.ToolCalls, llm.NewToolCall(inv.ID, inv.ToolName, inv.Args))
		}
		out = append(out, msg)

		for _, inv := range invocations {
			if inv.State == transcript.StateResult && inv.Result != "" {
				out = append(out, llm.Message{Role: "tool", Content: inv.Result, ToolCallID: inv.ID})
			}
		}
	}
	return out
}
