package core

// Event is the outbound contract between the orchestration engine and the
// transport layer. It is a closed tagged union with one variant per event
// kind; exactly one transport subscriber per session consumes the stream.
type Event interface {
	// EventType returns the stable event type string used for serialization.
	EventType() string
}

// PartialEvent carries one streamed text delta. Zero or more per turn,
// streaming mode only.
type PartialEvent struct {
	Text string `json:"text"`
}

func (PartialEvent) EventType() string { return "response.partial" }

// FinalEvent carries the complete assistant answer. Exactly one per turn
// unless the turn was interrupted or ended the conversation.
type FinalEvent struct {
	Text string `json:"text"`
}

func (FinalEvent) EventType() string { return "response.final" }

// InterruptedEvent flushes the text accumulated before a user interruption.
// At most one per turn, mutually exclusive with FinalEvent.
type InterruptedEvent struct {
	Partial string `json:"partial"`
}

func (InterruptedEvent) EventType() string { return "response.interrupted" }

// ToolErrorEvent is a diagnostic emitted when a tool call fails. It does not
// replace the textual tool result placed in the transcript.
type ToolErrorEvent struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

func (ToolErrorEvent) EventType() string { return "tool.error" }

// TurnFailedEvent signals a turn-level backend failure. No FinalEvent follows;
// the session remains usable for the next turn.
type TurnFailedEvent struct {
	Error string `json:"error"`
}

func (TurnFailedEvent) EventType() string { return "turn.failed" }

// HandoffRequestedEvent signals that a tool requested escalation to a human
// agent. The transport acts on it independently of the ongoing response.
type HandoffRequestedEvent struct {
	Reason  string            `json:"reason"`
	Context map[string]string `json:"context,omitempty"`
}

func (HandoffRequestedEvent) EventType() string { return "handoff.requested" }

// LanguageSwitchEvent signals that a tool requested a conversation language
// change (for voice transports: TTS/STT locale).
type LanguageSwitchEvent struct {
	TargetLanguage string `json:"target_language"`
}

func (LanguageSwitchEvent) EventType() string { return "language.switch" }

// EndConversationEvent signals that the conversation should terminate after
// the current turn. Typically terminal for the session.
type EndConversationEvent struct{}

func (EndConversationEvent) EventType() string { return "conversation.end" }
