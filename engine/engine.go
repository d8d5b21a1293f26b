package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/logging"
	"github.com/hupe1980/convrelay/provider"
	"github.com/hupe1980/convrelay/tool"
)

// TranscriptLog receives the messages of each completed turn for durable
// call bookkeeping. Implementations must be safe for concurrent use across
// sessions. Logging failures are non-fatal.
type TranscriptLog interface {
	AppendMessages(conversationID string, messages []core.Message) error
}

// Metrics receives engine-level measurements. A nil Metrics disables
// instrumentation.
type Metrics interface {
	TurnCompleted(ctx context.Context, provider string, d time.Duration)
	ToolExecuted(ctx context.Context, tool string, success bool)
	Interrupted(ctx context.Context)
	BackendFailure(ctx context.Context, provider string)
}

// Config defines tuning parameters for a session engine.
type Config struct {
	// Streaming selects chunked emission with interruption support over
	// single-shot completion.
	Streaming bool

	// MaxToolRounds caps provider round trips per turn. A backend that keeps
	// requesting tools past the cap gets a degraded fallback answer instead
	// of an unbounded loop.
	MaxToolRounds int

	// MaxToolParallel bounds concurrent tool execution within one round.
	// Zero means one goroutine per call.
	MaxToolParallel int

	// EventBufferSize sets the sink channel buffer. The single transport
	// subscriber must keep draining; an unread full buffer blocks the turn.
	EventBufferSize int

	// FallbackText is spoken when the tool round cap is exceeded.
	FallbackText string
}

// DefaultConfig provides production defaults.
var DefaultConfig = Config{
	Streaming:       true,
	MaxToolRounds:   8,
	MaxToolParallel: 4,
	EventBufferSize: 64,
	FallbackText:    "I'm sorry, I wasn't able to complete that request. Could you try asking again?",
}

// Options configures an Engine instance.
type Options struct {
	Config        Config
	Logger        logging.Logger
	Metrics       Metrics
	TranscriptLog TranscriptLog

	// SystemPrompt seeds the transcript preamble during Setup.
	SystemPrompt string

	// Greeting, when non-empty, is recorded as the opening assistant message
	// so transcripts replay completely.
	Greeting string
}

// Engine orchestrates one conversation session.
//
// State machine per turn: Idle -> Streaming -> (Interrupted | Completed) ->
// Idle. At most one externally submitted turn is in flight at any instant;
// a second submission while streamActive is set is rejected with
// core.ErrConcurrentTurn, never queued. The round depth tracks whether a
// provider round trip is underway inside the turn; streamActive is released
// and the interruption flag reset only when the turn ends and the depth is
// back to zero.
//
// The transcript is exclusively owned by the engine; no other component
// appends to it.
type Engine struct {
	id       string
	provider provider.Provider
	tools    *tool.Registry

	cfg           Config
	logger        logging.Logger
	metrics       Metrics
	transcriptLog TranscriptLog
	systemPrompt  string
	greeting      string

	events    chan core.Event
	closeOnce sync.Once

	mu                          sync.Mutex
	transcript                  []core.Message
	setupDone                   bool
	streamActive                bool
	streamDepth                 int
	userInterrupted             bool
	awaitingPostInterruptPrompt bool
	pendingInterrupt            *core.Message
	shouldEndAfterTurn          bool
	turnHandoffDone             bool
	turnLanguageDone            bool
}

// New creates a session engine bound to one provider adapter and the shared
// tool catalog.
func New(id string, p provider.Provider, tools *tool.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.MaxToolRounds <= 0 {
		opts.Config.MaxToolRounds = DefaultConfig.MaxToolRounds
	}
	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}
	if opts.Config.FallbackText == "" {
		opts.Config.FallbackText = DefaultConfig.FallbackText
	}

	return &Engine{
		id:            id,
		provider:      p,
		tools:         tools,
		cfg:           opts.Config,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		transcriptLog: opts.TranscriptLog,
		systemPrompt:  opts.SystemPrompt,
		greeting:      opts.Greeting,
		events:        make(chan core.Event, opts.Config.EventBufferSize),
	}
}

// ID returns the conversation identifier.
func (e *Engine) ID() string { return e.id }

// Events returns the sink stream. Exactly one subscriber per session must
// consume it; the channel is closed by Close.
func (e *Engine) Events() <-chan core.Event { return e.events }

// Setup seeds the transcript with the system preamble, the call-context
// message and the optional greeting. Idempotent only at session creation; a
// second call is a logged no-op.
func (e *Engine) Setup(callCtx core.CallContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setupDone {
		e.logger.Warn("engine.setup.repeated", "session_id", e.id)
		return
	}
	e.setupDone = true

	if e.systemPrompt != "" {
		e.transcript = append(e.transcript, core.SystemMessage(e.systemPrompt))
	}
	e.transcript = append(e.transcript, core.SystemMessage(callContextText(callCtx)))
	if e.greeting != "" {
		e.transcript = append(e.transcript, core.AssistantMessage(e.greeting))
	}

	e.logger.Info("engine.setup",
		"session_id", e.id,
		"provider", e.provider.Name(),
		"caller", callCtx.CallerIdentity,
	)
}

func callContextText(callCtx core.CallContext) string {
	text := fmt.Sprintf("Call context: the caller's identity is %q.", callCtx.CallerIdentity)
	for k, v := range callCtx.CustomParameters {
		text += fmt.Sprintf(" %s=%q.", k, v)
	}
	return text
}

// Transcript returns a defensive copy of the conversation history.
func (e *Engine) Transcript() []core.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Message, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// NotifyInterruption signals that the user spoke over the response. It may
// arrive at any time; outside an active stream it is ignored unless the
// session is still between an interrupted turn and the follow-up prompt, in
// which case a late-arriving pending message (the transport may only learn
// what the caller heard after the turn wound down) replaces the queued one.
// The pending message is prepended to the next submitted turn.
func (e *Engine) NotifyInterruption(pending *core.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.streamActive {
		if e.awaitingPostInterruptPrompt && pending != nil {
			e.pendingInterrupt = pending
			e.logger.Debug("engine.interrupt.note_updated", "session_id", e.id)
			return
		}
		e.logger.Debug("engine.interrupt.ignored", "session_id", e.id)
		return
	}
	e.userInterrupted = true
	e.awaitingPostInterruptPrompt = true
	if pending != nil {
		e.pendingInterrupt = pending
	}
	e.logger.Info("engine.interrupt", "session_id", e.id)
}

// SubmitTurn processes one external user turn to completion: provider round
// trips, tool execution and event emission. It returns
// core.ErrConcurrentTurn without touching the transcript when another turn
// is already in flight.
func (e *Engine) SubmitTurn(ctx context.Context, text string) error {
	e.mu.Lock()
	if !e.setupDone {
		e.mu.Unlock()
		return fmt.Errorf("session %s: setup not called", e.id)
	}
	if e.streamActive {
		e.mu.Unlock()
		e.logger.Warn("engine.turn.rejected", "session_id", e.id)
		return core.ErrConcurrentTurn
	}
	e.streamActive = true
	e.turnHandoffDone = false
	e.turnLanguageDone = false
	mark := len(e.transcript)
	if e.pendingInterrupt != nil {
		e.transcript = append(e.transcript, *e.pendingInterrupt)
		e.pendingInterrupt = nil
	}
	e.awaitingPostInterruptPrompt = false
	e.transcript = append(e.transcript, core.UserMessage(text))
	e.mu.Unlock()

	start := time.Now()
	err := e.runTurn(ctx)

	e.mu.Lock()
	turnMessages := make([]core.Message, len(e.transcript)-mark)
	copy(turnMessages, e.transcript[mark:])
	// Depth is back to zero here; release the stream and clear the
	// interruption flag per the state machine contract.
	e.streamActive = false
	e.userInterrupted = false
	e.mu.Unlock()

	if e.transcriptLog != nil && len(turnMessages) > 0 {
		if logErr := e.transcriptLog.AppendMessages(e.id, turnMessages); logErr != nil {
			e.logger.Warn("engine.transcript_log.failed", "session_id", e.id, "error", logErr.Error())
		}
	}
	if e.metrics != nil {
		e.metrics.TurnCompleted(ctx, e.provider.Name(), time.Since(start))
	}
	return err
}

// Close releases the event stream. Callers must ensure no turn is in flight.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.events) })
}

func (e *Engine) emit(ev core.Event) {
	e.events <- ev
}

func (e *Engine) interrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userInterrupted
}

func (e *Engine) takeEndAfterTurn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := e.shouldEndAfterTurn
	e.shouldEndAfterTurn = false
	return end
}

func (e *Engine) appendMessage(m core.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcript = append(e.transcript, m)
}

// appendToolResult appends a tool result after verifying the call id was
// issued by the current round's assistant message. A miss is a protocol
// violation and fatal to the session.
func (e *Engine) appendToolResult(callID, result string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.transcript) - 1; i >= 0; i-- {
		m := e.transcript[i]
		if m.Role == core.RoleTool {
			continue
		}
		if m.Role == core.RoleAssistant && m.HasToolCalls() {
			for _, tc := range m.ToolCalls {
				if tc.ID == callID {
					e.transcript = append(e.transcript, core.ToolResultMessage(callID, result))
					return nil
				}
			}
		}
		break
	}
	return fmt.Errorf("session %s: tool result %s: %w", e.id, callID, core.ErrTranscriptOrder)
}
