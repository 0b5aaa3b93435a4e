// Package approval defines the human decision sentinels and the
// registry of deferred-execution functions for confirmation-required
// tools. A tool whose descriptor has no auto-execute function runs
// only through a resolver registered here, and only after a human has
// recorded an approval in the transcript.
package approval

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/transcript"
)

// Decision sentinels. Any transport surfacing a confirmation UI must
// write exactly one of these into a tool-invocation part's result
// field; anything else means the human has not decided yet.
const (
	Yes = "APPROVAL_YES"
	No  = "APPROVAL_NO"
)

// DeniedMessage is the fixed terminal result recorded when a human
// denies a tool call. Visible to both the end user and the model.
const DeniedMessage = "Error: access to the tool was denied by the user"

// IsDecision reports whether s is one of the two decision sentinels.
func IsDecision(s string) bool {
	return s == Yes || s == No
}

// Call carries per-invocation context into a resolver: the invocation
// identifier (for idempotency keys or outcome correlation) and a
// read-only snapshot of the conversation so far.
type Call struct {
	InvocationID string
	Transcript   []transcript.Message
}

// ResolveFunc executes the deferred action for an approved tool call.
// It may fail; the reconciliation pipeline converts failures to
// user-visible text and never propagates them.
type ResolveFunc func(ctx context.Context, args map[string]any, call Call) (string, error)

// Resolvers maps tool names to their deferred-execution functions.
// Built once at startup and read-only afterwards.
type Resolvers struct {
	fns map[string]ResolveFunc
}

// NewResolvers creates an empty resolver registry.
func NewResolvers() *Resolvers {
	return &Resolvers{fns: make(map[string]ResolveFunc)}
}

// Register binds a resolver to a tool name. Registering the same name
// twice is a programming error and fails loudly.
func (r *Resolvers) Register(toolName string, fn ResolveFunc) error {
	if fn == nil {
		return fmt.Errorf("resolver for %q is nil", toolName)
	}
	if _, exists := r.fns[toolName]; exists {
		return fmt.Errorf("resolver for %q already registered", toolName)
	}
	r.fns[toolName] = fn
	return nil
}

// Lookup returns the resolver for a tool name, if one is registered.
func (r *Resolvers) Lookup(toolName string) (ResolveFunc, bool) {
	fn, ok := r.fns[toolName]
	return fn, ok
}

// Names returns the registered tool names. Order is unspecified.
func (r *Resolvers) Names() []string {
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}
