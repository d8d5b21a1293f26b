package tool

import (
	"fmt"
	"time"

	"github.com/hupe1980/convrelay/internal/util"
)

// FunctionTool adapts a plain Go function into a Tool. It validates arguments
// against the declared schema before invocation and normalizes failures into
// *Error values with stable codes. A FunctionTool has no mutable state after
// construction and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(toolCtx *Context, args map[string]any) (string, error)
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
// Example:
//
//	lookup := NewFunctionTool(
//	  "check_pending_bill",
//	  "Look up the caller's pending bill",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "userId": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"userId"},
//	  },
//	  func(tc *Context, args map[string]any) (string, error) {
//	    return billing.Pending(args["userId"].(string))
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *Context, args map[string]any) (string, error),
) *FunctionTool {
	return &FunctionTool{name: name, description: description, parameters: parameters, fn: fn}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct type.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(toolCtx *Context, args map[string]any) (string, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.StructSchema(structType), fn)
}

// Name returns the registry identifier.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the backend-facing description.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the declared argument schema.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args against the schema then invokes the wrapped function.
// Validation failures map to CodeValidation, other failures to CodeExecution;
// *Error values returned by the function pass through unchanged.
func (t *FunctionTool) Call(toolCtx *Context, args map[string]any) (string, error) {
	logger := toolCtx.Logger()
	start := time.Now()

	if err := util.ValidateArguments(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return "", &Error{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
		}
	}

	result, err := t.fn(toolCtx, args)
	if err != nil {
		if toolErr, ok := err.(*Error); ok {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)
			return "", toolErr
		}
		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return "", &Error{Tool: t.name, Message: err.Error(), Code: CodeExecution}
	}

	logger.Debug("tool.call.success",
		"tool", t.name,
		"fc_id", toolCtx.CallID(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
