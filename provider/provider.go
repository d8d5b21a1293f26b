// Package provider defines the backend contract: each adapter translates the
// canonical message/tool model into one LLM protocol's wire format and back.
// Streaming is unified behind a single chunk abstraction so the engine's
// interruption logic is written once and shared by every backend.
package provider

import (
	"context"

	"github.com/hupe1980/convrelay/core"
)

// ChunkKind discriminates streamed chunk variants.
type ChunkKind int

const (
	// ChunkTextDelta carries an incremental piece of assistant text.
	ChunkTextDelta ChunkKind = iota
	// ChunkToolCallStart announces a tool call (id and name known).
	ChunkToolCallStart
	// ChunkToolCallArgsDelta carries an incremental arguments fragment.
	ChunkToolCallArgsDelta
	// ChunkTurnComplete carries the fully assembled assistant message.
	ChunkTurnComplete
)

// Chunk is one unit of a streamed backend response. Chunk boundaries are the
// engine's interruption check points. Adapters aggregate provider-specific
// delta shapes internally; the assembled tool calls arrive on the final
// ChunkTurnComplete message in the order the backend issued them.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkTextDelta.
	Text string

	// Call is set for ChunkToolCallStart (ID, Name) and
	// ChunkToolCallArgsDelta (ID plus an Arguments fragment).
	Call core.ToolCall

	// Message and FinishReason are set for ChunkTurnComplete.
	Message      core.Message
	FinishReason string
}

// Provider hides one backend protocol behind a uniform request contract.
// Adapters are stateless translators: the transcript is owned by the
// engine and passed in full on every round trip.
//
// Both methods classify transport and API failures as
// core.ErrBackendRequestFailed wrapped values.
type Provider interface {
	// Name identifies the backend protocol ("openai", "anthropic", ...).
	Name() string

	// Complete performs one non-streaming round trip. The returned assistant
	// message may carry tool calls.
	Complete(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (core.Message, error)

	// Stream performs one streaming round trip, emitting chunks until the
	// response completes. The chunk channel is closed on completion; at most
	// one error is sent on the error channel, which is closed afterwards.
	Stream(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (<-chan Chunk, <-chan error)
}
