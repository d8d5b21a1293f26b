package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/provider"
)

// runTurn drives the bounded tool-call loop: submit -> tool calls ->
// execute -> resubmit, until a final message, an interruption, or the round
// cap. The recursion of the original protocol is expressed as an explicit
// loop with the cap as guard.
func (e *Engine) runTurn(ctx context.Context) error {
	var partial strings.Builder

	for round := 1; ; round++ {
		if round > e.cfg.MaxToolRounds {
			e.logger.Error("engine.turn.loop_cap", "session_id", e.id, "rounds", e.cfg.MaxToolRounds)
			e.appendMessage(core.AssistantMessage(e.cfg.FallbackText))
			e.emit(core.FinalEvent{Text: e.cfg.FallbackText})
			return fmt.Errorf("session %s: %w", e.id, core.ErrToolLoopExceeded)
		}

		msg, interrupted, err := e.completeRound(ctx, &partial)
		if err != nil {
			if e.metrics != nil {
				e.metrics.BackendFailure(ctx, e.provider.Name())
			}
			e.logger.Error("engine.turn.backend_failed", "session_id", e.id, "error", err.Error())
			e.emit(core.TurnFailedEvent{Error: err.Error()})
			return err
		}
		if interrupted {
			if e.metrics != nil {
				e.metrics.Interrupted(ctx)
			}
			e.emit(core.InterruptedEvent{Partial: partial.String()})
			return nil
		}

		if !msg.HasToolCalls() {
			e.appendMessage(msg)
			if e.takeEndAfterTurn() {
				e.emit(core.EndConversationEvent{})
			} else {
				e.emit(core.FinalEvent{Text: msg.Content})
			}
			return nil
		}

		e.appendMessage(msg)
		results := e.executeToolCalls(ctx, msg.ToolCalls)
		for i, tc := range msg.ToolCalls {
			if err := e.appendToolResult(tc.ID, results[i]); err != nil {
				return err
			}
		}
	}
}

// completeRound performs one provider round trip. In streaming mode the
// interruption flag is re-checked at every chunk boundary; once set,
// remaining chunks are drained but no longer processed. The tie-break rule
// is interruption wins: a natural completion observed at the same boundary
// is discarded.
func (e *Engine) completeRound(ctx context.Context, partial *strings.Builder) (core.Message, bool, error) {
	e.mu.Lock()
	e.streamDepth++
	messages := make([]core.Message, len(e.transcript))
	copy(messages, e.transcript)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.streamDepth--
		e.mu.Unlock()
	}()

	tools := e.tools.Definitions()

	if !e.cfg.Streaming {
		msg, err := e.provider.Complete(ctx, messages, tools)
		if err != nil {
			return core.Message{}, false, err
		}
		if e.interrupted() {
			return core.Message{}, true, nil
		}
		return msg, false, nil
	}

	chunks, errCh := e.provider.Stream(ctx, messages, tools)

	var final core.Message
	interrupted := false
	for chunk := range chunks {
		if !interrupted && e.interrupted() {
			interrupted = true
		}
		if interrupted {
			continue
		}
		switch chunk.Kind {
		case provider.ChunkTextDelta:
			partial.WriteString(chunk.Text)
			e.emit(core.PartialEvent{Text: chunk.Text})
		case provider.ChunkTurnComplete:
			final = chunk.Message
		}
	}
	if err := <-errCh; err != nil {
		return core.Message{}, false, err
	}
	if !interrupted && e.interrupted() {
		interrupted = true
	}
	return final, interrupted, nil
}
