// Package session holds one orchestration engine per active conversation:
// creation on first turn, teardown on end-of-conversation or transport
// eviction. Registry lifetime equals process lifetime.
package session

import (
	"fmt"
	"sync"

	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/engine"
	"github.com/hupe1980/convrelay/logging"
)

// Factory builds a fresh engine (provider adapter included) for a new
// conversation. Setup is invoked by the registry, exactly once.
type Factory func(conversationID string) (*engine.Engine, error)

// Registry maps conversation identifiers to live session engines. Safe for
// concurrent insertion and removal across conversations; sessions do not
// share mutable state.
type Registry struct {
	factory Factory
	logger  logging.Logger

	mu       sync.RWMutex
	sessions map[string]*engine.Engine
}

// NewRegistry constructs an empty registry around the given factory.
func NewRegistry(factory Factory, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*engine.Engine),
	}
}

// GetOrCreate returns the engine for a conversation, creating and setting it
// up on first access. The boolean reports whether the session was created by
// this call.
func (r *Registry) GetOrCreate(conversationID string, callCtx core.CallContext) (*engine.Engine, bool, error) {
	r.mu.RLock()
	eng, ok := r.sessions[conversationID]
	r.mu.RUnlock()
	if ok {
		return eng, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.sessions[conversationID]; ok {
		return eng, false, nil
	}

	eng, err := r.factory(conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", conversationID, err)
	}
	eng.Setup(callCtx)
	r.sessions[conversationID] = eng

	r.logger.Info("session.created", "session_id", conversationID)
	return eng, true, nil
}

// Get returns an existing session without creating one.
func (r *Registry) Get(conversationID string) (*engine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.sessions[conversationID]
	return eng, ok
}

// Remove drops a session and closes its event stream. Callers must ensure
// any in-flight turn has finished; the engine is unusable afterwards.
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	eng, ok := r.sessions[conversationID]
	delete(r.sessions, conversationID)
	r.mu.Unlock()

	if ok {
		eng.Close()
		r.logger.Info("session.removed", "session_id", conversationID)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
