package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/convrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessages(t *testing.T) {
	assistant := core.AssistantMessage("")
	assistant.ToolCalls = []core.ToolCall{
		{ID: "fc-1", Name: "lookup", Arguments: `{"key":"a"}`},
		{ID: "fc-2", Name: "lookup", Arguments: `{"key":"b"}`},
	}
	transcript := []core.Message{
		core.SystemMessage("be brief"),
		core.UserMessage("hello"),
		assistant,
		core.ToolResultMessage("fc-1", "value-a"),
		core.ToolResultMessage("fc-2", "value-b"),
		core.AssistantMessage("both found"),
	}

	out := buildMessages(transcript)
	// System travels separately; the two consecutive tool results collapse
	// into one user turn: user, assistant, user(results), assistant.
	require.Len(t, out, 4)

	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	require.Len(t, out[1].Content, 2)
	require.NotNil(t, out[1].Content[0].OfToolUse)
	assert.Equal(t, "fc-1", out[1].Content[0].OfToolUse.ID)
	assert.Equal(t, "lookup", out[1].Content[0].OfToolUse.Name)

	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	require.Len(t, out[2].Content, 2)
	require.NotNil(t, out[2].Content[0].OfToolResult)
	assert.Equal(t, "fc-1", out[2].Content[0].OfToolResult.ToolUseID)
	require.NotNil(t, out[2].Content[1].OfToolResult)
	assert.Equal(t, "fc-2", out[2].Content[1].OfToolResult.ToolUseID)

	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[3].Role)
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks([]core.Message{
		core.SystemMessage("first"),
		core.UserMessage("hi"),
		core.SystemMessage("second"),
	})
	require.Len(t, blocks, 2)
	assert.Equal(t, "first", blocks[0].Text)
	assert.Equal(t, "second", blocks[1].Text)
}

func TestBuildTools(t *testing.T) {
	out := buildTools([]core.ToolDefinition{{
		Name:        "echo",
		Description: "Echo back",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "echo", out[0].OfTool.Name)
	assert.Equal(t, []string{"text"}, out[0].OfTool.InputSchema.Required)
}

func TestRequiredList(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredList([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredList([]any{"a", "b", 3}))
	assert.Nil(t, requiredList(nil))
	assert.Nil(t, requiredList("a"))
}
