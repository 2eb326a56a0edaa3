package ws

import (
	"sync"
)

// Registry tracks active sessions so that messages originating outside a
// session, such as relayed ones, can be fanned out to every local client.
// Sessions never read each other's state through it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds the session.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister removes the session.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Get looks up a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Broadcast encodes message once and queues it on every active session except
// skipID. It does not wait for any socket; a recipient whose send queue is
// full is closed. It returns the number of sessions the frame was queued on.
func (r *Registry) Broadcast(message string, skipID string) (int, error) {
	frame, err := EncodeText(message)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	recipients := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != skipID {
			recipients = append(recipients, s)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range recipients {
		if err := s.Enqueue(frame); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Hooks returns OnActive/OnClose callbacks that keep the registry in sync
// with session lifecycles, chaining to the callbacks already in opts.
func (r *Registry) Hooks(opts SessionOptions) SessionOptions {
	baseActive := opts.OnActive
	opts.OnActive = func(s *Session) {
		r.Register(s)
		if baseActive != nil {
			baseActive(s)
		}
	}

	baseClose := opts.OnClose
	opts.OnClose = func(s *Session, err error) {
		r.Unregister(s)
		if baseClose != nil {
			baseClose(s, err)
		}
	}
	return opts
}

// CloseAll closes every registered session with err.
func (r *Registry) CloseAll(err error) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close(err)
	}
}
