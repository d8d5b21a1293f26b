package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/tool"
)

// executeToolCalls fans the round's calls out to bounded parallel workers
// and fans results back in recorded in issue order. Every call yields a
// result string: failures are converted to textual error results so the
// backend always receives one result per call it made, and the turn
// continues. Accumulated side-channel actions are applied afterwards in
// issue order.
func (e *Engine) executeToolCalls(ctx context.Context, calls []core.ToolCall) []string {
	results := make([]string, len(calls))
	actions := make([]tool.Actions, len(calls))

	maxPar := e.cfg.MaxToolParallel
	if maxPar <= 0 || maxPar > len(calls) {
		maxPar = len(calls)
	}
	sem := make(chan struct{}, maxPar)

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()

			toolCtx := tool.NewContext(e.id, call.ID, e.logger)
			result, err := e.safeExecute(toolCtx, call)
			if err != nil {
				e.logger.Error("engine.tool.failed",
					"session_id", e.id,
					"tool", call.Name,
					"fc_id", call.ID,
					"error", err.Error(),
				)
				e.emit(core.ToolErrorEvent{Tool: call.Name, Error: err.Error()})
				result = fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
			}
			if e.metrics != nil {
				e.metrics.ToolExecuted(ctx, call.Name, err == nil)
			}
			results[idx] = result
			actions[idx] = toolCtx.Actions()
		}(i, calls[i])
	}
	wg.Wait()

	e.applyActions(actions)
	return results
}

// safeExecute dispatches one call with panic containment; a panicking tool
// degrades to an error result instead of crashing the turn.
func (e *Engine) safeExecute(toolCtx *tool.Context, call core.ToolCall) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return e.tools.Execute(toolCtx, call.Name, call.Arguments)
}

// applyActions translates tool side-channel actions into sink events.
// Handoff and language switch fire at most once per turn.
func (e *Engine) applyActions(actions []tool.Actions) {
	for _, a := range actions {
		if a.Handoff != nil {
			e.mu.Lock()
			first := !e.turnHandoffDone
			e.turnHandoffDone = true
			e.mu.Unlock()
			if first {
				e.emit(core.HandoffRequestedEvent{Reason: a.Handoff.Reason, Context: a.Handoff.Context})
			}
		}
		if a.TargetLanguage != "" {
			e.mu.Lock()
			first := !e.turnLanguageDone
			e.turnLanguageDone = true
			e.mu.Unlock()
			if first {
				e.emit(core.LanguageSwitchEvent{TargetLanguage: a.TargetLanguage})
			}
		}
		if a.EndAfterTurn {
			e.mu.Lock()
			e.shouldEndAfterTurn = true
			e.mu.Unlock()
		}
	}
}
