// Package openai implements the provider contract on the OpenAI Chat
// Completions API (streaming and non-streaming, with function calling).
package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/provider"
)

// aggCall aggregates partial tool call streaming deltas (id, name, args) for
// one choice index so complete calls can be assembled at finish time.
type aggCall struct{ id, name, args string }

// Options configure the Chat Completions adapter. Fields mirror a minimal
// subset of the API parameters; extend via functional options.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
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
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai" }

// Complete implements the non-streaming round trip.
func (p *Provider) Complete(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
) (core.Message, error) {
	params := p.buildParams(messages, tools)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return core.Message{}, fmt.Errorf("%w: openai: %v", core.ErrBackendRequestFailed, err)
	}
	if len(resp.Choices) == 0 {
		return core.Message{}, fmt.Errorf("%w: openai: no choices returned", core.ErrBackendRequestFailed)
	}

	choice := resp.Choices[0]
	msg := core.Message{Role: core.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg, nil
}

// Stream implements the streaming round trip, adapting chunk deltas into the
// unified chunk model.
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
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)

		var text strings.Builder
		agg := map[int64]*aggCall{}
		finish := ""

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					text.WriteString(choice.Delta.Content)
					out <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					ac, ok := agg[tc.Index]
					if !ok {
						ac = &aggCall{}
						agg[tc.Index] = ac
					}
					started := ac.id == "" && ac.name == ""
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					if started && (ac.id != "" || ac.name != "") {
						out <- provider.Chunk{
							Kind: provider.ChunkToolCallStart,
							Call: core.ToolCall{ID: ac.id, Name: ac.name},
						}
					}
					if tc.Function.Arguments != "" {
						ac.args += tc.Function.Arguments
						out <- provider.Chunk{
							Kind: provider.ChunkToolCallArgsDelta,
							Call: core.ToolCall{ID: ac.id, Arguments: tc.Function.Arguments},
						}
					}
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("%w: openai streaming: %v", core.ErrBackendRequestFailed, err)
			return
		}

		out <- provider.Chunk{
			Kind:         provider.ChunkTurnComplete,
			Message:      assembleMessage(text.String(), agg),
			FinishReason: finish,
		}
	}()

	return out, errCh
}

// assembleMessage builds the final assistant message, tool calls ordered by
// the choice index the backend issued them under.
func assembleMessage(text string, agg map[int64]*aggCall) core.Message {
	msg := core.Message{Role: core.RoleAssistant, Content: text}
	indexes := make([]int64, 0, len(agg))
	for idx := range agg {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		ac := agg[idx]
		msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
	}
	return msg
}

func (p *Provider) buildParams(
	messages []core.Message,
	tools []core.ToolDefinition,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(messages),
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}
	if len(tools) == 0 {
		return params
	}
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, def := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	params.Tools = out
	return params
}

// buildMessages converts the transcript into chat messages. The transcript
// ordering invariant guarantees tool results already follow their calls, so
// the conversion is a direct walk.
func buildMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case core.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case core.RoleAssistant:
			if !m.HasToolCalls() {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls)),
			}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for i, tc := range m.ToolCalls {
				assistant.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case core.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}
