// Package transport exposes relay sessions over a WebSocket frame protocol.
//
// The client drives the connection with JSON text frames: a "setup" frame
// opens the session, "prompt" frames submit user turns, "interrupt" frames
// signal barge-in and "end" closes the conversation. The server answers with
// "text" token frames (the last token of a response carries last=true) plus
// "language" and "end" control frames.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/logging"
	"github.com/hupe1980/convrelay/session"
)

// Inbound frame types.
const (
	frameSetup     = "setup"
	framePrompt    = "prompt"
	frameInterrupt = "interrupt"
	frameEnd       = "end"
	frameError     = "error"
)

type inboundFrame struct {
	Type string `json:"type"`

	// setup
	CallSID          string            `json:"callSid,omitempty"`
	From             string            `json:"from,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`

	// interrupt
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

type textFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

type languageFrame struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage"`
	TranscriptionLanguage string `json:"transcriptionLanguage"`
}

type endFrame struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

// Handler upgrades HTTP requests to relay WebSocket connections. Sessions is
// required; zero-value fields fall back to permissive defaults.
type Handler struct {
	Sessions *session.Registry
	Logger   logging.Logger

	// Greeting is spoken to the caller right after setup.
	Greeting string

	// CheckOrigin overrides the upgrader origin policy. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

func (h *Handler) logger() logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.NoOpLogger{}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checkOrigin := h.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := h.logger()

	var setup inboundFrame
	if err := conn.ReadJSON(&setup); err != nil {
		log.Warn("transport.setup.read_failed", "error", err.Error())
		return
	}
	if setup.Type != frameSetup {
		log.Warn("transport.setup.missing", "got", setup.Type)
		_ = conn.WriteJSON(endFrame{Type: frameEnd})
		return
	}

	conversationID := setup.CallSID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	eng, created, err := h.Sessions.GetOrCreate(conversationID, core.CallContext{
		CallerIdentity:   setup.From,
		CustomParameters: setup.CustomParameters,
	})
	if err != nil {
		log.Error("transport.session.create_failed", "conversation_id", conversationID, "error", err.Error())
		_ = conn.WriteJSON(endFrame{Type: frameEnd})
		return
	}
	log.Info("transport.connected",
		"conversation_id", conversationID,
		"caller", setup.From,
		"created", created,
	)

	if created && h.Greeting != "" {
		// The greeting is part of the transcript already; it only needs to
		// reach the caller.
		if err := conn.WriteJSON(textFrame{Type: "text", Token: h.Greeting, Last: true}); err != nil {
			return
		}
	}

	// One writer per connection from here on: the event pump owns all
	// outbound frames.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.pumpEvents(conn, eng.Events())
	}()

	h.readLoop(conn, conversationID, eng.SubmitTurn, eng.NotifyInterruption)

	// Let any in-flight turn drain before the session is torn down.
	h.Sessions.Remove(conversationID)
	<-writerDone
}

func (h *Handler) readLoop(
	conn *websocket.Conn,
	conversationID string,
	submit func(ctx context.Context, text string) error,
	interrupt func(pending *core.Message),
) {
	log := h.logger()

	// Turns submitted from this loop run under a per-connection context;
	// when the client goes away the cancel aborts any in-flight provider
	// round. Cancel runs before the Wait.
	ctx, cancel := context.WithCancel(context.Background())
	var turns sync.WaitGroup
	defer turns.Wait()
	defer cancel()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("transport.read_failed", "conversation_id", conversationID, "error", err.Error())
			}
			return
		}

		switch frame.Type {
		case framePrompt:
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				if err := submit(ctx, text); err != nil {
					log.Warn("transport.turn.failed",
						"conversation_id", conversationID,
						"error", err.Error(),
					)
				}
			}(frame.VoicePrompt)
		case frameInterrupt:
			var pending *core.Message
			if frame.UtteranceUntilInterrupt != "" {
				note := core.SystemMessage(fmt.Sprintf(
					"You were interrupted mid-response. The caller heard only: %q",
					frame.UtteranceUntilInterrupt,
				))
				pending = &note
			}
			interrupt(pending)
		case frameError:
			log.Warn("transport.client_error",
				"conversation_id", conversationID,
				"description", frame.Description,
			)
		case frameEnd:
			log.Info("transport.end", "conversation_id", conversationID)
			return
		default:
			log.Debug("transport.frame.unknown", "conversation_id", conversationID, "frame_type", frame.Type)
		}
	}
}

// pumpEvents translates engine events into outbound frames. Partial tokens
// stream as they arrive; the closing token of a response is marked last. A
// handoff end frame is held until the closing event of its turn so the spoken
// confirmation reaches the caller first. The pump must keep draining until
// the event stream closes even when the connection is gone: an in-flight
// turn still emits into the bounded sink, and the read loop's teardown waits
// on that turn.
func (h *Handler) pumpEvents(conn *websocket.Conn, events <-chan core.Event) {
	log := h.logger()
	sentPartial := false
	done := false
	var handoff *endFrame

	write := func(v any) {
		if done {
			return
		}
		if err := conn.WriteJSON(v); err != nil {
			log.Debug("transport.write_failed", "error", err.Error())
			done = true
		}
	}

	// closeTurn flushes a held handoff frame once its turn has wound down.
	closeTurn := func() {
		sentPartial = false
		if handoff != nil {
			write(*handoff)
			handoff = nil
			done = true
		}
	}

	for ev := range events {
		if done {
			continue
		}
		switch e := ev.(type) {
		case core.PartialEvent:
			sentPartial = true
			write(textFrame{Type: "text", Token: e.Text})
		case core.FinalEvent:
			token := e.Text
			if sentPartial {
				// Tokens already streamed; just close the response.
				token = ""
			}
			write(textFrame{Type: "text", Token: token, Last: true})
			closeTurn()
		case core.InterruptedEvent:
			// Playback already stopped on the client; nothing to send.
			log.Debug("transport.interrupted", "partial", e.Partial)
			closeTurn()
		case core.ToolErrorEvent:
			log.Warn("transport.tool_error", "tool", e.Tool, "error", e.Error)
		case core.TurnFailedEvent:
			sentPartial = false
			write(textFrame{
				Type:  "text",
				Token: "I'm sorry, something went wrong on my end. Could you say that again?",
				Last:  true,
			})
			closeTurn()
		case core.LanguageSwitchEvent:
			write(languageFrame{
				Type:                  "language",
				TTSLanguage:           e.TargetLanguage,
				TranscriptionLanguage: e.TargetLanguage,
			})
		case core.HandoffRequestedEvent:
			data, err := json.Marshal(map[string]any{
				"reason":  e.Reason,
				"context": e.Context,
			})
			if err != nil {
				data = []byte("{}")
			}
			handoff = &endFrame{Type: frameEnd, HandoffData: string(data)}
		case core.EndConversationEvent:
			write(endFrame{Type: frameEnd})
			done = true
		}
	}
}
