package core

import "errors"

// Relay error taxonomy. Tool dispatch errors (ErrUnknownTool,
// ErrInvalidArguments) are recovered locally into textual tool results and
// never abort a turn. Backend errors propagate to the turn boundary. Use
// errors.Is to classify wrapped values.
var (
	// ErrUnknownTool is returned when a requested tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when tool arguments fail to parse or
	// violate the declared parameter schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrBackendRequestFailed wraps network, auth or rate-limit failures of
	// the LLM backend. The turn terminates degraded; the session stays usable.
	ErrBackendRequestFailed = errors.New("backend request failed")

	// ErrToolLoopExceeded is returned when the backend keeps requesting tool
	// calls past the configured round cap. The engine answers with a
	// best-effort fallback instead of looping forever.
	ErrToolLoopExceeded = errors.New("tool call loop exceeded round cap")

	// ErrConcurrentTurn signals that a turn was submitted while another one
	// is in flight for the same session. The submission is a local no-op.
	ErrConcurrentTurn = errors.New("turn already in flight")

	// ErrTranscriptOrder signals a tool result without a matching prior tool
	// call. This is a protocol violation, fatal to the session.
	ErrTranscriptOrder = errors.New("transcript ordering violation")
)
