// Package tools defines the tool registry: the mapping from tool name
// to declared capability that is advertised to the model and consulted
// by the reconciliation pipeline.
package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// ExecuteFunc runs a tool without human confirmation. Descriptors that
// omit it are confirmation-required and run only through the approval
// resolver map.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Descriptor declares a single callable capability.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Execute     ExecuteFunc    `json:"-"`
}

// RequiresConfirmation reports whether the tool needs a human decision
// before it may run.
func (d *Descriptor) RequiresConfirmation() bool {
	return d.Execute == nil
}

// Registry holds the available tools. It is populated once at startup
// (single-threaded) and read-only afterwards, so lookups need no lock.
type Registry struct {
	order  []string
	tools  map[string]*Descriptor
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Descriptor),
		logger: logger,
	}
}

// Register adds a tool to the registry. Tool names are unique; a
// duplicate registration is a startup bug and is rejected.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("descriptor must have a name")
	}
	if _, exists := r.tools[d.Name]; exists {
		return &DuplicateToolError{Name: d.Name}
	}
	r.tools[d.Name] = d
	r.order = append(r.order, d.Name)
	r.logger.Debug("tool registered",
		"tool", d.Name,
		"confirmation_required", d.RequiresConfirmation(),
	)
	return nil
}

// MustRegister is Register for static catalogs built at boot, where a
// duplicate name is unrecoverable.
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup retrieves a tool by name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.tools[name]
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	return d, nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Descriptors returns all tools in registration order, for capability
// advertisement and diagnostics.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Advertise renders the registry in the function-calling wire shape
// handed verbatim to the model-invocation layer.
func (r *Registry) Advertise() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		d := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return result
}
