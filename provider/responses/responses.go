// Package responses implements the provider contract on the OpenAI Responses
// API, the agent-loop style protocol of the same backend. Input items replace
// chat messages on the wire; the canonical transcript translates one-to-one.
package responses

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/provider"
)

// Options configures the Responses API adapter.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int64
}

// Provider wraps the OpenAI Responses API behind provider.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates the adapter with a client configured from the environment.
func New(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates the adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:           openai.ChatModelGPT4oMini,
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai-responses" }

// Complete implements the non-streaming round trip.
func (p *Provider) Complete(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
) (core.Message, error) {
	resp, err := p.client.Responses.New(ctx, p.buildParams(messages, tools))
	if err != nil {
		return core.Message{}, fmt.Errorf("%w: openai responses: %v", core.ErrBackendRequestFailed, err)
	}
	return messageFromResponse(resp), nil
}

// Stream implements the streaming round trip.
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

		stream := p.client.Responses.NewStreaming(ctx, p.buildParams(messages, tools))

		var final core.Message
		finish := ""
		for stream.Next() {
			ev := stream.Current()
			switch ev.Type {
			case "response.output_text.delta":
				// The event union carries deltas as a subunion; text deltas
				// land in its string variant.
				if ev.Delta.OfString != "" {
					out <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: ev.Delta.OfString}
				}
			case "response.output_item.added":
				if ev.Item.Type == "function_call" {
					out <- provider.Chunk{
						Kind: provider.ChunkToolCallStart,
						Call: core.ToolCall{ID: ev.Item.CallID, Name: ev.Item.Name},
					}
				}
			case "response.function_call_arguments.delta":
				if ev.Delta.OfString != "" {
					out <- provider.Chunk{
						Kind: provider.ChunkToolCallArgsDelta,
						Call: core.ToolCall{Arguments: ev.Delta.OfString},
					}
				}
			case "response.completed":
				final = messageFromResponse(&ev.Response)
				finish = finishReason(final)
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("%w: openai responses streaming: %v", core.ErrBackendRequestFailed, err)
			return
		}

		out <- provider.Chunk{Kind: provider.ChunkTurnComplete, Message: final, FinishReason: finish}
	}()

	return out, errCh
}

func finishReason(msg core.Message) string {
	if msg.HasToolCalls() {
		return "tool_calls"
	}
	return "stop"
}

// messageFromResponse converts response output items into the canonical
// assistant message, function calls in issue order.
func messageFromResponse(resp *responses.Response) core.Message {
	msg := core.Message{Role: core.RoleAssistant, Content: resp.OutputText()}
	for _, item := range resp.Output {
		if item.Type == "function_call" {
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}
	return msg
}

func (p *Provider) buildParams(
	messages []core.Message,
	tools []core.ToolDefinition,
) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(p.opts.Model),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: buildInput(messages)},
		Temperature:     openai.Float(p.opts.Temperature),
		MaxOutputTokens: openai.Int(p.opts.MaxOutputTokens),
	}
	if instructions := systemText(messages); instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if len(tools) > 0 {
		out := make([]responses.ToolUnionParam, len(tools))
		for i, def := range tools {
			out[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  def.Parameters,
					Strict:      openai.Bool(false),
				},
			}
		}
		params.Tools = out
	}
	return params
}

// buildInput converts the transcript into Responses API input items. System
// messages are folded into Instructions and skipped here.
func buildInput(messages []core.Message) responses.ResponseInputParam {
	var items responses.ResponseInputParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleUser:
			items = append(items, inputMessage(responses.EasyInputMessageRoleUser, m.Content))
		case core.RoleAssistant:
			if m.Content != "" {
				items = append(items, inputMessage(responses.EasyInputMessageRoleAssistant, m.Content))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemUnionParam{
					OfFunctionCall: &responses.ResponseFunctionToolCallParam{
						CallID:    tc.ID,
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case core.RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		}
	}
	return items
}

func inputMessage(role responses.EasyInputMessageRole, text string) responses.ResponseInputItemUnionParam {
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    role,
			Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(text)},
		},
	}
}

func systemText(messages []core.Message) string {
	text := ""
	for _, m := range messages {
		if m.Role == core.RoleSystem && m.Content != "" {
			if text != "" {
				text += "\n\n"
			}
			text += m.Content
		}
	}
	return text
}
