package core

import "github.com/google/uuid"

// Role identifies the author of a transcript message.
type Role string

// Conversation roles. The set is closed; providers reject anything else.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a session transcript. Messages are immutable once
// appended; ordering is append-only and significant. A tool message must
// reference a ToolCallID previously issued by an assistant message in the
// same transcript; the engine enforces this before appending.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

// UserMessage builds a user-role message.
func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

// AssistantMessage builds an assistant-role text message.
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// ToolResultMessage builds the tool-role result for a previously issued call.
// The result is always a plain string, success or failure alike, so the
// backend receives one result per call it issued.
func ToolResultMessage(callID, result string) Message {
	return Message{Role: RoleTool, Content: result, ToolCallID: callID}
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// ToolCall is a function invocation request produced by the backend. ID is
// unique within a turn and correlates the call to its eventual result message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // serialized JSON argument payload
}

// ToolDefinition declaratively exposes a callable function to the backend.
// Parameters is a minimal JSON Schema object. The catalog of definitions is
// loaded once at process start and shared read-only across all sessions.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CallContext carries the transport-provided context of a conversation:
// who is calling and any custom parameters the transport attached (for
// voice calls typically the caller number and dial metadata).
type CallContext struct {
	CallerIdentity   string            `json:"caller_identity"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
}

// NewID generates a unique identifier for sessions and turns.
func NewID() string { return uuid.NewString() }
