// Package auth tracks the authenticated session and fans out sign-in /
// sign-out transitions to the components that key their lifecycle off it.
package auth

import "sync"

// Session identifies the signed-in user.
type Session struct {
	UserID      string
	Email       string
	DisplayName string
}

// Provider exposes the current session and session-change notifications.
// A nil session on the change feed means signed out.
type Provider interface {
	Current() *Session
	Changes(buf int) (<-chan *Session, func())
}

// State is an in-process Provider driven by explicit SignIn/SignOut calls
// from whatever authenticates the user (token exchange, account screens).
type State struct {
	mu      sync.Mutex
	current *Session
	subs    map[int]chan *Session
	next    int
}

// NewState creates a signed-out State.
func NewState() *State {
	return &State{subs: make(map[int]chan *Session)}
}

// Current returns the active session, or nil when signed out.
func (s *State) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SignIn activates a session and notifies subscribers.
func (s *State) SignIn(sess Session) {
	s.mu.Lock()
	s.current = &sess
	s.notifyLocked(&sess)
	s.mu.Unlock()
}

// SignOut ends the session and notifies subscribers.
func (s *State) SignOut() {
	s.mu.Lock()
	s.current = nil
	s.notifyLocked(nil)
	s.mu.Unlock()
}

// Changes subscribes to session transitions.
func (s *State) Changes(buf int) (<-chan *Session, func()) {
	ch := make(chan *Session, buf)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *State) notifyLocked(sess *Session) {
	for _, ch := range s.subs {
		select {
		case ch <- sess:
		default:
		}
	}
}
