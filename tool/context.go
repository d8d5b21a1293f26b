package tool

import (
	"sync"

	"github.com/hupe1980/convrelay/logging"
)

// HandoffRequest captures a tool's request to escalate the conversation to a
// human agent.
type HandoffRequest struct {
	Reason  string
	Context map[string]string
}

// Actions is the accumulated side channel of one tool call. The engine reads
// it after the call returns and translates it into sink events; the result
// string stays a plain backend-consumable value.
type Actions struct {
	Handoff        *HandoffRequest
	TargetLanguage string
	EndAfterTurn   bool
}

// Context is passed to every tool call. It identifies the session and the
// originating tool call and collects requested actions. A fresh Context is
// created per call; it is safe for use from the call's own goroutine only,
// except the action setters which are mutex-guarded.
type Context struct {
	sessionID string
	callID    string
	logger    logging.Logger

	mu      sync.Mutex
	actions Actions
}

// NewContext creates a call-scoped context. A nil logger is replaced with the
// no-op logger.
func NewContext(sessionID, callID string, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{sessionID: sessionID, callID: callID, logger: logger}
}

// SessionID returns the owning conversation identifier.
func (c *Context) SessionID() string { return c.sessionID }

// CallID returns the backend-issued tool call identifier.
func (c *Context) CallID() string { return c.callID }

// Logger returns the session logger.
func (c *Context) Logger() logging.Logger { return c.logger }

// RequestHandoff records an escalation request. The transport acts on the
// resulting event independently of the ongoing response.
func (c *Context) RequestHandoff(reason string, context map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions.Handoff = &HandoffRequest{Reason: reason, Context: context}
}

// RequestLanguageSwitch records a conversation language change request.
func (c *Context) RequestLanguageSwitch(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions.TargetLanguage = target
}

// EndAfterTurn marks the conversation to terminate once the current turn
// completes.
func (c *Context) EndAfterTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions.EndAfterTurn = true
}

// Actions returns a snapshot of the accumulated side channel.
func (c *Context) Actions() Actions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions
}
