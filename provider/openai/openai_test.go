package openai

import (
	"testing"

	"github.com/hupe1980/convrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessages(t *testing.T) {
	assistant := core.AssistantMessage("checking that for you")
	assistant.ToolCalls = []core.ToolCall{
		{ID: "fc-1", Name: "echo", Arguments: `{"text":"hi"}`},
	}
	transcript := []core.Message{
		core.SystemMessage("be brief"),
		core.UserMessage("hello"),
		assistant,
		core.ToolResultMessage("fc-1", "hi"),
		core.AssistantMessage("done"),
	}

	out := buildMessages(transcript)
	require.Len(t, out, 5)

	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)

	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	call := out[2].OfAssistant.ToolCalls[0]
	assert.Equal(t, "fc-1", call.ID)
	assert.Equal(t, "echo", call.Function.Name)
	assert.Equal(t, `{"text":"hi"}`, call.Function.Arguments)

	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "fc-1", out[3].OfTool.ToolCallID)

	assert.NotNil(t, out[4].OfAssistant)
}

func TestBuildParamsTools(t *testing.T) {
	p := New(func(o *Options) { o.Model = "gpt-4o" })

	params := p.buildParams(
		[]core.Message{core.UserMessage("hi")},
		[]core.ToolDefinition{{
			Name:        "echo",
			Description: "Echo back",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		}},
	)

	assert.Equal(t, "gpt-4o", params.Model)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "echo", params.Tools[0].Function.Name)

	bare := p.buildParams([]core.Message{core.UserMessage("hi")}, nil)
	assert.Empty(t, bare.Tools)
}

func TestAssembleMessage(t *testing.T) {
	agg := map[int64]*aggCall{
		1: {id: "fc-2", name: "second", args: "{}"},
		0: {id: "fc-1", name: "first", args: `{"a":1}`},
	}

	msg := assembleMessage("partial text", agg)
	assert.Equal(t, core.RoleAssistant, msg.Role)
	assert.Equal(t, "partial text", msg.Content)
	// Calls ordered by choice index regardless of map iteration order.
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, "fc-1", msg.ToolCalls[0].ID)
	assert.Equal(t, "fc-2", msg.ToolCalls[1].ID)
}

func TestAssembleMessageTextOnly(t *testing.T) {
	msg := assembleMessage("hello", map[int64]*aggCall{})
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.HasToolCalls())
}
