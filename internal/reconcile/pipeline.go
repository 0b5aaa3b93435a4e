// Package reconcile implements the human-in-the-loop reconciliation
// pass over a conversation transcript. Before a transcript is handed
// to the model, the pipeline scans the last message for tool
// invocations carrying a recorded human decision and replaces each
// decision sentinel with the tool's real outcome: the deferred
// execution result on approval, a fixed denial message on denial.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/transcript"
)

// Outcome records the final result of a single reconciled invocation.
type Outcome struct {
	InvocationID string `json:"invocationId"`
	Result       string `json:"result"`
}

// Outlet receives outcomes as they are produced, before Run returns.
// Implementations must be safe for concurrent use; approvals resolve
// in parallel.
type Outlet interface {
	Publish(Outcome)
}

// OutletFunc adapts a function to the Outlet interface.
type OutletFunc func(Outcome)

func (f OutletFunc) Publish(o Outcome) { f(o) }

// Pipeline reconciles recorded human decisions against the resolver
// registry. Stateless and safe for concurrent use.
type Pipeline struct {
	resolvers *approval.Resolvers
	bus       *events.Bus
	logger    *slog.Logger
}

// New creates a reconciliation pipeline. bus may be nil.
func New(resolvers *approval.Resolvers, bus *events.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{resolvers: resolvers, bus: bus, logger: logger}
}

// Run reconciles the transcript and returns it with every decided
// invocation in the last message replaced by its outcome.
//
// Only the last message is examined; earlier messages are shared by
// reference. A part is touched only when all of the following hold:
// it is a tool invocation, its tool has a registered resolver, its
// state is "result", and its result is one of the decision sentinels.
// Everything else passes through untouched, so running the pipeline
// twice over the same transcript is a no-op the second time.
//
// Approved invocations resolve concurrently; part order in the
// returned message matches the input. Each outcome is handed to out
// (if non-nil) as soon as it is known, before Run returns. Resolver
// failures are recorded as result text and never propagate as errors.
func (p *Pipeline) Run(ctx context.Context, msgs []transcript.Message, out Outlet) []transcript.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if len(last.Parts) == 0 {
		return msgs
	}

	newParts := make([]transcript.Part, len(last.Parts))
	changed := false
	var wg sync.WaitGroup

	for i, part := range last.Parts {
		inv := part.ToolInvocation
		if !part.IsToolInvocation() || inv == nil {
			newParts[i] = part
			continue
		}

		resolver, known := p.resolvers.Lookup(inv.ToolName)
		if !known || inv.State != transcript.StateResult || !approval.IsDecision(inv.Result) {
			// Unknown tool, still pending, or already reconciled.
			newParts[i] = part
			continue
		}

		changed = true
		switch inv.Result {
		case approval.No:
			p.publishEvent(events.KindDecisionDenied, inv)
			newParts[i] = p.finish(inv, approval.DeniedMessage, out)

		case approval.Yes:
			p.publishEvent(events.KindDecisionApproved, inv)
			wg.Add(1)
			go func(i int, inv *transcript.ToolInvocation) {
				defer wg.Done()
				newParts[i] = p.resolve(ctx, resolver, inv, msgs, out)
			}(i, inv)
		}
	}

	wg.Wait()
	if !changed {
		return msgs
	}

	reconciled := last
	reconciled.Parts = newParts
	result := make([]transcript.Message, len(msgs))
	copy(result, msgs)
	result[len(result)-1] = reconciled
	return result
}

// resolve runs the deferred execution for one approved invocation.
// The resolver is invoked exactly once; a failure, including a panic,
// becomes the invocation's result text.
func (p *Pipeline) resolve(ctx context.Context, fn approval.ResolveFunc, inv *transcript.ToolInvocation, msgs []transcript.Message, out Outlet) transcript.Part {
	call := approval.Call{InvocationID: inv.ID, Transcript: msgs}
	result, err := p.invoke(ctx, fn, inv.Args, call)
	if err != nil {
		p.logger.Warn("resolver failed",
			"tool", inv.ToolName,
			"invocation_id", inv.ID,
			"error", err,
		)
		p.bus.Publish(events.Event{
			Source: events.SourceReconcile,
			Kind:   events.KindResolverError,
			Data: map[string]any{
				"tool":          inv.ToolName,
				"invocation_id": inv.ID,
				"error":         err.Error(),
			},
		})
		result = fmt.Sprintf("Error: %s", err)
	}
	return p.finish(inv, result, out)
}

// invoke calls a resolver, converting a panic into an error so one
// misbehaving tool cannot abort reconciliation of its siblings.
func (p *Pipeline) invoke(ctx context.Context, fn approval.ResolveFunc, args map[string]any, call approval.Call) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panic: %v", r)
		}
	}()
	return fn(ctx, args, call)
}

// finish builds the reconciled part and publishes its outcome. The
// input invocation is never mutated; callers may hold the original
// transcript elsewhere.
func (p *Pipeline) finish(inv *transcript.ToolInvocation, result string, out Outlet) transcript.Part {
	done := *inv
	if inv.Args != nil {
		args := make(map[string]any, len(inv.Args))
		for k, v := range inv.Args {
			args[k] = v
		}
		done.Args = args
	}
	done.State = transcript.StateResult
	done.Result = result

	if out != nil {
		out.Publish(Outcome{InvocationID: inv.ID, Result: result})
	}
	p.publishEvent(events.KindOutcomePublished, inv)
	p.logger.Debug("invocation reconciled", "tool", inv.ToolName, "invocation_id", inv.ID)

	return transcript.InvocationPart(done)
}

func (p *Pipeline) publishEvent(kind string, inv *transcript.ToolInvocation) {
	p.bus.Publish(events.Event{
		Source: events.SourceReconcile,
		Kind:   kind,
		Data: map[string]any{
			"tool":          inv.ToolName,
			"invocation_id": inv.ID,
		},
	})
}
