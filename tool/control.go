package tool

import (
	"fmt"
	"strings"
)

// Control tools are the built-in capabilities every relay deployment carries.
// They are ordinary registry entries, but privileged in one respect: besides
// returning a confirmation string for the backend, they raise an action on
// the tool context that the transport layer acts on independently.

// NewHandoffTool returns the live-agent escalation tool. It confirms to the
// backend that a handoff is underway and records a HandoffRequest action so
// the courtesy response of the same round still reaches the caller.
func NewHandoffTool() *FunctionTool {
	return NewFunctionTool(
		"request_handoff",
		"Transfer the conversation to a live human agent. Use when the caller explicitly asks for a person or the request cannot be resolved with the available tools.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short machine-readable reason, e.g. customer_request",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "One-sentence summary of the conversation so far",
				},
			},
			"required": []string{"reason"},
		},
		func(toolCtx *Context, args map[string]any) (string, error) {
			reason, _ := args["reason"].(string)
			handoffCtx := map[string]string{}
			if summary, ok := args["summary"].(string); ok && summary != "" {
				handoffCtx["summary"] = summary
			}
			toolCtx.RequestHandoff(reason, handoffCtx)
			return "Handoff to a live agent has been requested. Let the caller know someone will be with them shortly.", nil
		},
	)
}

// NewLanguageSwitchTool returns the language switching tool restricted to the
// given supported language tags (BCP 47, e.g. "es-MX").
func NewLanguageSwitchTool(supported []string) *FunctionTool {
	return NewFunctionTool(
		"switch_language",
		fmt.Sprintf("Switch the conversation language. Supported languages: %s.", strings.Join(supported, ", ")),
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Target language tag, e.g. es-MX",
				},
			},
			"required": []string{"language"},
		},
		func(toolCtx *Context, args map[string]any) (string, error) {
			target, _ := args["language"].(string)
			for _, lang := range supported {
				if strings.EqualFold(lang, target) {
					toolCtx.RequestLanguageSwitch(lang)
					return fmt.Sprintf("Language switched to %s. Continue the conversation in that language.", lang), nil
				}
			}
			return fmt.Sprintf("Language %q is not supported. Supported languages: %s.", target, strings.Join(supported, ", ")), nil
		},
	)
}

// NewEndInteractionTool returns the tool that lets the backend close the
// conversation gracefully after its current response.
func NewEndInteractionTool() *FunctionTool {
	return NewFunctionTool(
		"end_interaction",
		"End the conversation after the current response, once the caller's request is fully resolved and they have nothing further.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		func(toolCtx *Context, _ map[string]any) (string, error) {
			toolCtx.EndAfterTurn()
			return "The conversation will end after this response. Say goodbye to the caller.", nil
		},
	)
}
