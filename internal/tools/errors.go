package tools

import "fmt"

// DuplicateToolError is returned when a registration reuses a tool
// name already present in the registry.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// ToolNotFoundError is returned when a lookup names a tool absent from
// the registry. Callers treat it as non-fatal: unknown tool names must
// never break handling of known ones.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// SchemaError reports malformed tool arguments. Detected before an
// invocation reaches the reconciliation pipeline; never retried.
type SchemaError struct {
	Tool   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}
