// Package mock provides test doubles for the speech package interfaces.
//
// Capability hands out Session values and records every one it created, so a
// test can drive the most recent session with EmitPartial, EmitFinal or
// EmitError and inspect how the caller started, stopped and destroyed it.
//
// Example:
//
//	c := &mock.Capability{Available: true}
//	sup.Start(ctx)
//	c.Last().EmitFinal("please help me")
package mock

import (
	"sync"

	"github.com/MrWong99/guardian/pkg/capability/speech"
)

// Capability is a mock implementation of speech.Capability.
type Capability struct {
	mu sync.Mutex

	// Available is returned by IsAvailable.
	Available bool

	// CreateErr, if non-nil, is returned by CreateSession.
	CreateErr error

	// StartErr, if non-nil, is set on every created session and returned by
	// its Start method.
	StartErr error

	sessions []*Session
}

// IsAvailable returns Available.
func (c *Capability) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Available
}

// CreateSession records and returns a new Session, or CreateErr.
func (c *Capability) CreateSession() (speech.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	s := &Session{StartErr: c.StartErr}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// SetAvailable changes the value returned by IsAvailable. Thread-safe.
func (c *Capability) SetAvailable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = v
}

// Sessions returns a copy of all sessions created so far.
func (c *Capability) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// SessionCount returns how many sessions were created.
func (c *Capability) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Last returns the most recently created session, or nil.
func (c *Capability) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

var _ speech.Capability = (*Capability)(nil)

// Session is a mock implementation of speech.Session. Emit* methods deliver
// events to the listener registered via Start unless the session has been
// destroyed.
type Session struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	listener  speech.Listener
	stale     speech.Listener
	started   int
	stopped   int
	destroyed int
}

// Start records the listener and returns StartErr.
func (s *Session) Start(l speech.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.listener = l
	s.stale = l
	return nil
}

// Stop records the call.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

// Destroy records the call and detaches the listener.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed++
	s.listener = nil
}

// Started reports how many times Start was called.
func (s *Session) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Destroyed reports whether Destroy was called at least once.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed > 0
}

// Listening reports whether the session has a live listener.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// EmitPartial delivers a partial result. Returns false if no listener is
// attached.
func (s *Session) EmitPartial(alts ...string) bool {
	l := s.current()
	if l == nil {
		return false
	}
	l.OnPartial(alts)
	return true
}

// EmitFinal delivers a final result. Returns false if no listener is attached.
func (s *Session) EmitFinal(alts ...string) bool {
	l := s.current()
	if l == nil {
		return false
	}
	l.OnFinal(alts)
	return true
}

// EmitError delivers an error. Returns false if no listener is attached.
func (s *Session) EmitError(code speech.ErrorCode) bool {
	l := s.current()
	if l == nil {
		return false
	}
	l.OnError(code)
	return true
}

// StaleListener returns the listener even after Destroy, for tests that
// exercise late callbacks from a dead session.
func (s *Session) StaleListener() speech.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func (s *Session) current() speech.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

var _ speech.Session = (*Session)(nil)
