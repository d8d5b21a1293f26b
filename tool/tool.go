// Package tool implements the function calling subsystem: schema-validated
// tools, the read-only registry shared by all sessions, and the side channel
// tools use to signal conversation control (handoff, language switch, end of
// interaction) without polluting their textual results.
package tool

import (
	"fmt"

	"github.com/hupe1980/convrelay/internal/util"
)

// Tool is a callable capability the backend may request during a turn.
//
// Implementations must be safe for concurrent use: one catalog is shared by
// every session and calls within a round run in parallel. The engine invokes
// a tool at most once per tool call id; results must be plain strings the
// backend can consume verbatim.
type Tool interface {
	// Name returns the unique registry identifier (snake_case recommended).
	Name() string

	// Description is exposed to the backend to guide tool selection.
	Description() string

	// Parameters returns a minimal JSON Schema for the accepted arguments.
	Parameters() map[string]any

	// Call executes the tool with validated arguments. Side effects beyond
	// the result string travel through the Context action setters.
	Call(toolCtx *Context, args map[string]any) (string, error)
}

// ValidationError re-exports the argument validation failure type.
type ValidationError = util.ValidationError

// Error describes a tool dispatch or execution failure with a stable code.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Dispatch failure codes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)
