package testutil

import (
	"sync"

	"github.com/hupe1980/convrelay/core"
)

// EventRecorder drains a session event stream in the background so turns
// never block on an unread sink.
type EventRecorder struct {
	mu     sync.Mutex
	events []core.Event
	done   chan struct{}
}

// RecordEvents starts draining ch until it closes.
func RecordEvents(ch <-chan core.Event) *EventRecorder {
	r := &EventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

// Wait blocks until the stream closes and returns all recorded events.
func (r *EventRecorder) Wait() []core.Event {
	<-r.done
	return r.Snapshot()
}

// Snapshot returns a copy of the events recorded so far.
func (r *EventRecorder) Snapshot() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by their type tag.
func (r *EventRecorder) OfType(eventType string) []core.Event {
	var out []core.Event
	for _, ev := range r.Snapshot() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}
