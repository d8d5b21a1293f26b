// Package anthropic implements the provider contract on the Anthropic
// Messages API (streaming and non-streaming, with tool use).
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/provider"
)

// Options configures the Messages API adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind provider.Provider.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// New creates the adapter; an empty APIKey falls back to the environment.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates the adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Complete implements the non-streaming round trip.
func (p *Provider) Complete(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
) (core.Message, error) {
	params := p.buildParams(messages, tools)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return core.Message{}, fmt.Errorf("%w: anthropic: %v", core.ErrBackendRequestFailed, err)
	}
	return messageFromBlocks(resp.Content), nil
}

// Stream implements the streaming round trip. The SDK accumulator assembles
// the final message while deltas are forwarded as unified chunks.
func (p *Provider) Stream(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
) (<-chan provider.Chunk, <-chan error) {
	out := make(chan provider.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := p.buildParams(messages, tools)
		stream := p.client.Messages.NewStreaming(ctx, params)

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				errCh <- fmt.Errorf("%w: anthropic streaming: %v", core.ErrBackendRequestFailed, err)
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					tu := ev.ContentBlock.AsToolUse()
					out <- provider.Chunk{
						Kind: provider.ChunkToolCallStart,
						Call: core.ToolCall{ID: tu.ID, Name: tu.Name},
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: delta.Text}
					}
				case anthropic.InputJSONDelta:
					if delta.PartialJSON != "" {
						out <- provider.Chunk{
							Kind: provider.ChunkToolCallArgsDelta,
							Call: core.ToolCall{Arguments: delta.PartialJSON},
						}
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("%w: anthropic streaming: %v", core.ErrBackendRequestFailed, err)
			return
		}

		out <- provider.Chunk{
			Kind:         provider.ChunkTurnComplete,
			Message:      messageFromBlocks(acc.Content),
			FinishReason: string(acc.StopReason),
		}
	}()

	return out, errCh
}

// messageFromBlocks converts response content blocks into the canonical
// assistant message, preserving tool call issue order.
func messageFromBlocks(blocks []anthropic.ContentBlockUnion) core.Message {
	msg := core.Message{Role: core.RoleAssistant}
	for _, block := range blocks {
		switch block.Type {
		case "text":
			msg.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := ""
			if tu.Input != nil {
				if b, err := json.Marshal(tu.Input); err == nil {
					args = string(b)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	return msg
}

func (p *Provider) buildParams(
	messages []core.Message,
	tools []core.ToolDefinition,
) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    buildMessages(messages),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if system := systemBlocks(messages); len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}
	return params
}

// buildMessages converts the transcript into Messages API turns. System
// messages travel separately; tool results become tool_result blocks inside
// a user turn, consecutive results grouped into one turn as the API expects.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case core.RoleUser:
			flushResults()
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case core.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flushResults()
	return out
}

func systemBlocks(messages []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == core.RoleSystem && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

func buildTools(tools []core.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, def := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			schema.Required = requiredList(def.Parameters["required"])
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if out[i].OfTool != nil {
			out[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return out
}

func requiredList(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
