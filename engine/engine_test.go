package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/internal/testutil"
	"github.com/hupe1980/convrelay/logging"
	"github.com/hupe1980/convrelay/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(tools ...tool.Tool) *tool.Registry {
	return tool.NewRegistry(tools...)
}

func echoTool() tool.Tool {
	return tool.NewFunctionTool("echo", "Echo back the text argument", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}, func(_ *tool.Context, args map[string]any) (string, error) {
		return args["text"].(string), nil
	})
}

func failingTool(name string) tool.Tool {
	return tool.NewFunctionTool(name, "Always fails", map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}, func(_ *tool.Context, _ map[string]any) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	})
}

func newTestEngine(t *testing.T, p *testutil.ScriptedProvider, registry *tool.Registry, optFns ...func(o *Options)) (*Engine, *testutil.EventRecorder) {
	t.Helper()
	eng := New("sess-1", p, registry, append([]func(o *Options){func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.SystemPrompt = "You are a test assistant."
	}}, optFns...)...)
	eng.Setup(core.CallContext{CallerIdentity: "+15550100"})
	rec := testutil.RecordEvents(eng.Events())
	return eng, rec
}

// -------------------- Setup & Transcript Tests --------------------

func TestEngine_SetupSeedsTranscript(t *testing.T) {
	p := testutil.NewScriptedProvider()
	eng := New("sess-1", p, newTestRegistry(), func(o *Options) {
		o.SystemPrompt = "Be brief."
		o.Greeting = "Hi there!"
	})
	eng.Setup(core.CallContext{
		CallerIdentity:   "+15550100",
		CustomParameters: map[string]string{"tier": "gold"},
	})

	transcript := eng.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, core.RoleSystem, transcript[0].Role)
	assert.Equal(t, "Be brief.", transcript[0].Content)
	assert.Equal(t, core.RoleSystem, transcript[1].Role)
	assert.Contains(t, transcript[1].Content, "+15550100")
	assert.Contains(t, transcript[1].Content, "tier")
	assert.Equal(t, core.RoleAssistant, transcript[2].Role)
	assert.Equal(t, "Hi there!", transcript[2].Content)

	// Repeated setup is a no-op.
	eng.Setup(core.CallContext{CallerIdentity: "someone-else"})
	assert.Len(t, eng.Transcript(), 3)
}

func TestEngine_SubmitTurnRequiresSetup(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.TextRound("hi"))
	eng := New("sess-1", p, newTestRegistry())
	err := eng.SubmitTurn(context.Background(), "hello")
	assert.Error(t, err)
}

// -------------------- Plain Turn Tests --------------------

func TestEngine_StreamingTextTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.TextRound("Hello ", "world"))
	eng, rec := newTestEngine(t, p, newTestRegistry())

	require.NoError(t, eng.SubmitTurn(context.Background(), "hi"))
	eng.Close()

	events := rec.Wait()
	require.Len(t, events, 3)
	assert.Equal(t, core.PartialEvent{Text: "Hello "}, events[0])
	assert.Equal(t, core.PartialEvent{Text: "world"}, events[1])
	assert.Equal(t, core.FinalEvent{Text: "Hello world"}, events[2])

	transcript := eng.Transcript()
	last := transcript[len(transcript)-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Equal(t, "Hello world", last.Content)
}

func TestEngine_NonStreamingTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.TextRound("All done."))
	cfg := DefaultConfig
	cfg.Streaming = false
	eng, rec := newTestEngine(t, p, newTestRegistry(), func(o *Options) { o.Config = cfg })

	require.NoError(t, eng.SubmitTurn(context.Background(), "hi"))
	eng.Close()

	events := rec.Wait()
	require.Len(t, events, 1)
	assert.Equal(t, core.FinalEvent{Text: "All done."}, events[0])
}

func TestEngine_BackendFailure(t *testing.T) {
	backendErr := fmt.Errorf("%w: 502", core.ErrBackendRequestFailed)
	p := testutil.NewScriptedProvider(testutil.ErrorRound(backendErr))
	eng, rec := newTestEngine(t, p, newTestRegistry())

	err := eng.SubmitTurn(context.Background(), "hi")
	assert.True(t, errors.Is(err, core.ErrBackendRequestFailed))
	eng.Close()

	events := rec.Wait()
	require.Len(t, events, 1)
	assert.Equal(t, "turn.failed", events[0].EventType())

	// The session stays usable after a failed turn.
	// The script repeats its last round, which errors again.
	assert.Error(t, eng.SubmitTurn(context.Background(), "try again"))
}

// -------------------- Tool Round Trip Tests --------------------

func TestEngine_ToolRoundTrip(t *testing.T) {
	call := core.ToolCall{ID: "fc-1", Name: "echo", Arguments: `{"text":"pong"}`}
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(call),
		testutil.TextRound("The tool said pong."),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(echoTool()))

	require.NoError(t, eng.SubmitTurn(context.Background(), "ping"))
	eng.Close()

	events := rec.Wait()
	finals := filterEvents(events, "response.final")
	require.Len(t, finals, 1)
	assert.Equal(t, "The tool said pong.", finals[0].(core.FinalEvent).Text)

	// Transcript: ... user, assistant(tool calls), tool result, assistant.
	transcript := eng.Transcript()
	n := len(transcript)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, core.RoleUser, transcript[n-4].Role)
	assert.True(t, transcript[n-3].HasToolCalls())
	assert.Equal(t, core.RoleTool, transcript[n-2].Role)
	assert.Equal(t, "fc-1", transcript[n-2].ToolCallID)
	assert.Equal(t, "pong", transcript[n-2].Content)
	assert.Equal(t, core.RoleAssistant, transcript[n-1].Role)

	// The second request carried the tool result back to the backend.
	requests := p.Requests()
	require.Len(t, requests, 2)
	second := requests[1]
	assert.Equal(t, core.RoleTool, second[len(second)-1].Role)
}

func TestEngine_ToolResultsRecordedInIssueOrder(t *testing.T) {
	// slow finishes last but must be recorded first.
	slow := tool.NewFunctionTool("slow", "Slow tool", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(_ *tool.Context, _ map[string]any) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow-result", nil
	})
	fast := tool.NewFunctionTool("fast", "Fast tool", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(_ *tool.Context, _ map[string]any) (string, error) {
		return "fast-result", nil
	})

	p := testutil.NewScriptedProvider(
		testutil.ToolRound(
			core.ToolCall{ID: "fc-slow", Name: "slow", Arguments: "{}"},
			core.ToolCall{ID: "fc-fast", Name: "fast", Arguments: "{}"},
		),
		testutil.TextRound("done"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(slow, fast))

	require.NoError(t, eng.SubmitTurn(context.Background(), "go"))
	eng.Close()
	rec.Wait()

	var toolResults []core.Message
	for _, m := range eng.Transcript() {
		if m.Role == core.RoleTool {
			toolResults = append(toolResults, m)
		}
	}
	require.Len(t, toolResults, 2)
	assert.Equal(t, "fc-slow", toolResults[0].ToolCallID)
	assert.Equal(t, "slow-result", toolResults[0].Content)
	assert.Equal(t, "fc-fast", toolResults[1].ToolCallID)
	assert.Equal(t, "fast-result", toolResults[1].Content)
}

func TestEngine_ToolErrorBecomesTextualResult(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "boom", Arguments: "{}"}),
		testutil.TextRound("Sorry about that."),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(failingTool("boom")))

	// Tool failure never fails the turn.
	require.NoError(t, eng.SubmitTurn(context.Background(), "go"))
	eng.Close()

	events := rec.Wait()
	toolErrors := filterEvents(events, "tool.error")
	require.Len(t, toolErrors, 1)
	assert.Equal(t, "boom", toolErrors[0].(core.ToolErrorEvent).Tool)

	requests := p.Requests()
	require.Len(t, requests, 2)
	second := requests[1]
	last := second[len(second)-1]
	assert.Equal(t, core.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Error executing tool boom")
}

func TestEngine_UnknownToolBecomesTextualResult(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "nope", Arguments: "{}"}),
		testutil.TextRound("ok"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry())

	require.NoError(t, eng.SubmitTurn(context.Background(), "go"))
	eng.Close()
	rec.Wait()

	second := p.Requests()[1]
	last := second[len(second)-1]
	assert.Equal(t, core.RoleTool, last.Role)
	assert.Contains(t, last.Content, "nope")
}

func TestEngine_PanickingToolIsContained(t *testing.T) {
	panicky := tool.NewFunctionTool("panicky", "Panics", map[string]any{
		"type": "object", "properties": map[string]any{},
	}, func(_ *tool.Context, _ map[string]any) (string, error) {
		panic("boom")
	})
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "panicky", Arguments: "{}"}),
		testutil.TextRound("recovered"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(panicky))

	require.NoError(t, eng.SubmitTurn(context.Background(), "go"))
	eng.Close()

	events := rec.Wait()
	require.Len(t, filterEvents(events, "tool.error"), 1)
	finals := filterEvents(events, "response.final")
	require.Len(t, finals, 1)
	assert.Equal(t, "recovered", finals[0].(core.FinalEvent).Text)
}

// -------------------- Loop Cap Tests --------------------

func TestEngine_ToolLoopCap(t *testing.T) {
	// The script repeats its last round forever, so the backend always asks
	// for another round and the cap must cut it off.
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "echo", Arguments: `{"text":"again"}`}),
	)
	cfg := DefaultConfig
	cfg.MaxToolRounds = 3
	cfg.FallbackText = "Let me get back to you."
	eng, rec := newTestEngine(t, p, newTestRegistry(echoTool()), func(o *Options) { o.Config = cfg })

	err := eng.SubmitTurn(context.Background(), "go")
	assert.True(t, errors.Is(err, core.ErrToolLoopExceeded))
	eng.Close()

	events := rec.Wait()
	finals := filterEvents(events, "response.final")
	require.Len(t, finals, 1)
	assert.Equal(t, "Let me get back to you.", finals[0].(core.FinalEvent).Text)

	// The degraded response is part of the transcript.
	transcript := eng.Transcript()
	last := transcript[len(transcript)-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Equal(t, "Let me get back to you.", last.Content)

	assert.Len(t, p.Requests(), 3)
}

// -------------------- Interruption Tests --------------------

func TestEngine_InterruptionDiscardsCompletion(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.TextRound("Hel", "lo ", "world").WithPauseAfter(2),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry())

	turnDone := make(chan error, 1)
	go func() { turnDone <- eng.SubmitTurn(context.Background(), "hi") }()

	// Wait for the first two tokens to stream, then barge in.
	require.Eventually(t, func() bool {
		return len(rec.OfType("response.partial")) == 2
	}, time.Second, time.Millisecond)
	eng.NotifyInterruption(nil)
	p.Resume <- struct{}{}

	require.NoError(t, <-turnDone)
	eng.Close()

	events := rec.Wait()
	interrupted := filterEvents(events, "response.interrupted")
	require.Len(t, interrupted, 1)
	assert.Equal(t, "Hello ", interrupted[0].(core.InterruptedEvent).Partial)
	assert.Empty(t, filterEvents(events, "response.final"))

	// The discarded completion never reaches the transcript.
	last := eng.Transcript()[len(eng.Transcript())-1]
	assert.Equal(t, core.RoleUser, last.Role)
}

func TestEngine_InterruptionWithoutTokensFlushesEmpty(t *testing.T) {
	// The round completes without any text chunk; an interruption observed
	// at the same boundary still wins and the completion is discarded.
	round := testutil.TextRound() // just the completion chunk
	p := testutil.NewScriptedProvider(round.WithPauseAfter(1))
	eng, rec := newTestEngine(t, p, newTestRegistry())

	turnDone := make(chan error, 1)
	go func() { turnDone <- eng.SubmitTurn(context.Background(), "hi") }()

	require.Eventually(t, func() bool {
		return len(p.Requests()) == 1
	}, time.Second, time.Millisecond)
	eng.NotifyInterruption(nil)
	p.Resume <- struct{}{}
	require.NoError(t, <-turnDone)
	eng.Close()

	events := rec.Wait()
	interrupted := filterEvents(events, "response.interrupted")
	require.Len(t, interrupted, 1)
	assert.Equal(t, "", interrupted[0].(core.InterruptedEvent).Partial)
	assert.Empty(t, filterEvents(events, "response.final"))
}

func TestEngine_InterruptionIgnoredWhenIdle(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.TextRound("fine"))
	eng, rec := newTestEngine(t, p, newTestRegistry())

	eng.NotifyInterruption(nil)
	require.NoError(t, eng.SubmitTurn(context.Background(), "hi"))
	eng.Close()

	events := rec.Wait()
	assert.Empty(t, filterEvents(events, "response.interrupted"))
	require.Len(t, filterEvents(events, "response.final"), 1)
}

func TestEngine_PendingInterruptPrependedToNextTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.TextRound("Let me explain at length").WithPauseAfter(1),
		testutil.TextRound("Sure, the short version:"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry())

	turnDone := make(chan error, 1)
	go func() { turnDone <- eng.SubmitTurn(context.Background(), "explain") }()

	require.Eventually(t, func() bool {
		return len(rec.OfType("response.partial")) == 1
	}, time.Second, time.Millisecond)
	note := core.SystemMessage("The caller heard only part of the response.")
	eng.NotifyInterruption(&note)
	p.Resume <- struct{}{}
	require.NoError(t, <-turnDone)

	require.NoError(t, eng.SubmitTurn(context.Background(), "shorter please"))
	eng.Close()
	rec.Wait()

	requests := p.Requests()
	require.Len(t, requests, 2)
	second := requests[1]
	n := len(second)
	// ... pending note, then the new user prompt.
	assert.Equal(t, core.RoleSystem, second[n-2].Role)
	assert.Contains(t, second[n-2].Content, "heard only part")
	assert.Equal(t, core.RoleUser, second[n-1].Role)
	assert.Equal(t, "shorter please", second[n-1].Content)
}

func TestEngine_LateInterruptNoteBeforeNextPrompt(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.TextRound("a long answer").WithPauseAfter(1),
		testutil.TextRound("Again, briefly:"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry())

	turnDone := make(chan error, 1)
	go func() { turnDone <- eng.SubmitTurn(context.Background(), "explain") }()

	require.Eventually(t, func() bool {
		return len(rec.OfType("response.partial")) == 1
	}, time.Second, time.Millisecond)
	eng.NotifyInterruption(nil)
	p.Resume <- struct{}{}
	require.NoError(t, <-turnDone)

	// The transport may only report what the caller heard after the turn
	// already wound down; the note must still reach the next turn.
	note := core.SystemMessage(`The caller heard only: "a long"`)
	eng.NotifyInterruption(&note)

	require.NoError(t, eng.SubmitTurn(context.Background(), "shorter please"))
	eng.Close()
	rec.Wait()

	requests := p.Requests()
	require.Len(t, requests, 2)
	second := requests[1]
	n := len(second)
	assert.Equal(t, core.RoleSystem, second[n-2].Role)
	assert.Contains(t, second[n-2].Content, "heard only")
	assert.Equal(t, core.RoleUser, second[n-1].Role)
	assert.Equal(t, "shorter please", second[n-1].Content)
}

// -------------------- Concurrency Tests --------------------

func TestEngine_ConcurrentTurnRejected(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.TextRound("first ", "turn").WithPauseAfter(1),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry())

	turnDone := make(chan error, 1)
	go func() { turnDone <- eng.SubmitTurn(context.Background(), "one") }()

	require.Eventually(t, func() bool {
		return len(rec.OfType("response.partial")) == 1
	}, time.Second, time.Millisecond)

	// Second submission while the first is mid-stream: rejected, not queued.
	err := eng.SubmitTurn(context.Background(), "two")
	assert.True(t, errors.Is(err, core.ErrConcurrentTurn))

	p.Resume <- struct{}{}
	require.NoError(t, <-turnDone)
	eng.Close()
	rec.Wait()

	// Only the accepted turn reached the transcript and the backend.
	assert.Len(t, p.Requests(), 1)
	for _, m := range eng.Transcript() {
		assert.NotEqual(t, "two", m.Content)
	}
}

func TestEngine_SequentialTurnsAccepted(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.TextRound("ok"))
	eng, rec := newTestEngine(t, p, newTestRegistry())

	require.NoError(t, eng.SubmitTurn(context.Background(), "one"))
	require.NoError(t, eng.SubmitTurn(context.Background(), "two"))
	eng.Close()

	events := rec.Wait()
	assert.Len(t, filterEvents(events, "response.final"), 2)
}

// -------------------- Control Action Tests --------------------

func TestEngine_EndAfterTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "end_interaction", Arguments: "{}"}),
		testutil.TextRound("Goodbye!"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(tool.NewEndInteractionTool()))

	require.NoError(t, eng.SubmitTurn(context.Background(), "bye"))
	eng.Close()

	events := rec.Wait()
	assert.Empty(t, filterEvents(events, "response.final"))
	require.Len(t, filterEvents(events, "conversation.end"), 1)

	// The farewell is still recorded for transcript replay.
	last := eng.Transcript()[len(eng.Transcript())-1]
	assert.Equal(t, "Goodbye!", last.Content)
}

func TestEngine_HandoffEmittedOncePerTurn(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(
			core.ToolCall{ID: "fc-1", Name: "request_handoff", Arguments: `{"reason":"customer_request"}`},
			core.ToolCall{ID: "fc-2", Name: "request_handoff", Arguments: `{"reason":"customer_request"}`},
		),
		testutil.TextRound("Connecting you now."),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(tool.NewHandoffTool()))

	require.NoError(t, eng.SubmitTurn(context.Background(), "agent please"))
	eng.Close()

	events := rec.Wait()
	handoffs := filterEvents(events, "handoff.requested")
	require.Len(t, handoffs, 1)
	assert.Equal(t, "customer_request", handoffs[0].(core.HandoffRequestedEvent).Reason)

	// The courtesy response of the same turn still completes.
	finals := filterEvents(events, "response.final")
	require.Len(t, finals, 1)
	assert.Equal(t, "Connecting you now.", finals[0].(core.FinalEvent).Text)
}

func TestEngine_LanguageSwitchEmitted(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.ToolRound(core.ToolCall{ID: "fc-1", Name: "switch_language", Arguments: `{"language":"es-MX"}`}),
		testutil.TextRound("¡Claro!"),
	)
	eng, rec := newTestEngine(t, p, newTestRegistry(tool.NewLanguageSwitchTool([]string{"en-US", "es-MX"})))

	require.NoError(t, eng.SubmitTurn(context.Background(), "en español por favor"))
	eng.Close()

	events := rec.Wait()
	switches := filterEvents(events, "language.switch")
	require.Len(t, switches, 1)
	assert.Equal(t, "es-MX", switches[0].(core.LanguageSwitchEvent).TargetLanguage)
}

// -------------------- Transcript Log Tests --------------------

type memoryTranscriptLog struct {
	mu       sync.Mutex
	appended map[string][]core.Message
}

func (l *memoryTranscriptLog) AppendMessages(conversationID string, messages []core.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appended == nil {
		l.appended = map[string][]core.Message{}
	}
	l.appended[conversationID] = append(l.appended[conversationID], messages...)
	return nil
}

func TestEngine_TurnMessagesPersisted(t *testing.T) {
	log := &memoryTranscriptLog{}
	p := testutil.NewScriptedProvider(testutil.TextRound("noted"))
	eng, rec := newTestEngine(t, p, newTestRegistry(), func(o *Options) {
		o.TranscriptLog = log
	})

	require.NoError(t, eng.SubmitTurn(context.Background(), "remember this"))
	eng.Close()
	rec.Wait()

	log.mu.Lock()
	defer log.mu.Unlock()
	persisted := log.appended["sess-1"]
	require.Len(t, persisted, 2)
	assert.Equal(t, core.RoleUser, persisted[0].Role)
	assert.Equal(t, "remember this", persisted[0].Content)
	assert.Equal(t, core.RoleAssistant, persisted[1].Role)
}

func filterEvents(events []core.Event, eventType string) []core.Event {
	var out []core.Event
	for _, ev := range events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}
