package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/provider"
)

// Round describes one scripted backend round trip.
type Round struct {
	// Chunks are replayed in order on Stream; the final chunk should be a
	// ChunkTurnComplete carrying the assembled message.
	Chunks []provider.Chunk

	// Err, when set, fails the round instead of replaying chunks.
	Err error

	// PauseAfter, when > 0, blocks the stream after that many chunks until
	// the provider's Resume channel receives. Used to inject barge-in at a
	// deterministic point.
	PauseAfter int
}

// TextRound builds a round that streams the given text deltas and completes
// with the concatenated assistant message.
func TextRound(deltas ...string) Round {
	var chunks []provider.Chunk
	var full strings.Builder
	for _, d := range deltas {
		full.WriteString(d)
		chunks = append(chunks, provider.Chunk{Kind: provider.ChunkTextDelta, Text: d})
	}
	chunks = append(chunks, provider.Chunk{
		Kind:         provider.ChunkTurnComplete,
		Message:      core.AssistantMessage(full.String()),
		FinishReason: "stop",
	})
	return Round{Chunks: chunks}
}

// ToolRound builds a round that requests the given tool calls.
func ToolRound(calls ...core.ToolCall) Round {
	var chunks []provider.Chunk
	for _, c := range calls {
		chunks = append(chunks, provider.Chunk{Kind: provider.ChunkToolCallStart, Call: c})
	}
	msg := core.AssistantMessage("")
	msg.ToolCalls = calls
	chunks = append(chunks, provider.Chunk{
		Kind:         provider.ChunkTurnComplete,
		Message:      msg,
		FinishReason: "tool_calls",
	})
	return Round{Chunks: chunks}
}

// ErrorRound builds a round that fails with err.
func ErrorRound(err error) Round { return Round{Err: err} }

// WithPauseAfter returns a copy of the round that pauses after n chunks.
func (r Round) WithPauseAfter(n int) Round {
	r.PauseAfter = n
	return r
}

// ScriptedProvider replays predefined rounds and records every request it
// receives. Safe for use from multiple goroutines. When the script runs out
// the last round repeats.
type ScriptedProvider struct {
	// Resume unblocks a round paused via PauseAfter. Unbuffered.
	Resume chan struct{}

	mu       sync.Mutex
	rounds   []Round
	next     int
	requests [][]core.Message
}

// NewScriptedProvider creates a provider replaying the given rounds in order.
func NewScriptedProvider(rounds ...Round) *ScriptedProvider {
	return &ScriptedProvider{
		Resume: make(chan struct{}),
		rounds: rounds,
	}
}

// Name implements provider.Provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Requests returns a copy of the message slices received so far.
func (p *ScriptedProvider) Requests() [][]core.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]core.Message, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) take(messages []core.Message) Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := make([]core.Message, len(messages))
	copy(recorded, messages)
	p.requests = append(p.requests, recorded)

	if len(p.rounds) == 0 {
		return Round{Chunks: []provider.Chunk{{
			Kind:    provider.ChunkTurnComplete,
			Message: core.AssistantMessage(""),
		}}}
	}
	r := p.rounds[p.next]
	if p.next < len(p.rounds)-1 {
		p.next++
	}
	return r
}

// Complete implements provider.Provider.
func (p *ScriptedProvider) Complete(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (core.Message, error) {
	round := p.take(messages)
	if round.Err != nil {
		return core.Message{}, round.Err
	}
	for _, c := range round.Chunks {
		if c.Kind == provider.ChunkTurnComplete {
			return c.Message, nil
		}
	}
	return core.AssistantMessage(""), nil
}

// Stream implements provider.Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, messages []core.Message, tools []core.ToolDefinition) (<-chan provider.Chunk, <-chan error) {
	round := p.take(messages)
	chunkCh := make(chan provider.Chunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		if round.Err != nil {
			errCh <- round.Err
			return
		}
		for i, c := range round.Chunks {
			select {
			case chunkCh <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			if round.PauseAfter > 0 && i+1 == round.PauseAfter {
				select {
				case <-p.Resume:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return chunkCh, errCh
}
