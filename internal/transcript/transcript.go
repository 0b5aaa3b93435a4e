// Package transcript defines the conversation data model: ordered
// messages composed of typed parts. Tool-invocation parts carry the
// decision and result state that the reconciliation pipeline operates
// on; everything else is opaque payload passed through unchanged.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part type discriminators. The wire format follows the shape clients
// already speak: a "type" tag plus the variant's payload field.
const (
	PartTypeText           = "text"
	PartTypeToolInvocation = "tool-invocation"
)

// InvocationState is the lifecycle state of a tool-invocation part.
type InvocationState string

const (
	// StatePending means the model has requested the call but no result
	// (and no human decision, if one is needed) has been recorded yet.
	StatePending InvocationState = "pending"

	// StateResult means the part's Result field is populated — either
	// with a decision sentinel awaiting reconciliation, or with the
	// final application answer.
	StateResult InvocationState = "result"
)

// ToolInvocation is a requested call to a named capability.
type ToolInvocation struct {
	// ToolName is the registry name of the capability being invoked.
	ToolName string `json:"toolName"`
	// ID is the caller-supplied identifier, unique per invocation
	// within a message. Used to correlate published outcomes.
	ID string `json:"toolCallId"`
	// Args is the argument payload conforming to the tool's schema.
	Args map[string]any `json:"args,omitempty"`
	// State tracks the invocation lifecycle.
	State InvocationState `json:"state"`
	// Result holds a decision sentinel or the final outcome text once
	// State is StateResult.
	Result string `json:"result,omitempty"`
}

// Part is one typed fragment of a message. Exactly one payload field is
// set, selected by Type.
type Part struct {
	Type           string          `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// InvocationPart builds a tool-invocation part.
func InvocationPart(inv ToolInvocation) Part {
	return Part{Type: PartTypeToolInvocation, ToolInvocation: &inv}
}

// IsToolInvocation reports whether the part is a tool-invocation part
// with a populated payload.
func (p Part) IsToolInvocation() bool {
	return p.Type == PartTypeToolInvocation && p.ToolInvocation != nil
}

// Clone returns a deep copy of the part. Tool-invocation payloads are
// copied so the caller can rewrite them without mutating the original.
func (p Part) Clone() Part {
	out := p
	if p.ToolInvocation != nil {
		inv := *p.ToolInvocation
		if p.ToolInvocation.Args != nil {
			args := make(map[string]any, len(p.ToolInvocation.Args))
			for k, v := range p.ToolInvocation.Args {
				args[k] = v
			}
			inv.Args = args
		}
		out.ToolInvocation = &inv
	}
	return out
}

// Message is one turn in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message with a fresh identifier and timestamp.
func NewMessage(role Role, content string, parts ...Part) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID generates a UUIDv7 message identifier, falling back to v4 when
// the monotonic source is unavailable.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Clone returns a deep copy of the message, including all parts.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	return out
}
