// Package mock provides a test double for messaging.Sender.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/guardian/pkg/capability/messaging"
)

// SendCall records a single invocation of Sender.Send.
type SendCall struct {
	Phone string
	Text  string
}

// Sender is a mock implementation of messaging.Sender.
type Sender struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Send call.
	Err error

	// ErrFor maps phone numbers to per-recipient errors.
	ErrFor map[string]error

	// Panic, when set for a number, makes Send panic for that recipient.
	Panic map[string]bool

	calls []SendCall
}

// Send records the call and returns the configured error.
func (s *Sender) Send(_ context.Context, phone, text string) error {
	s.mu.Lock()
	s.calls = append(s.calls, SendCall{Phone: phone, Text: text})
	err := s.Err
	if e, ok := s.ErrFor[phone]; ok {
		err = e
	}
	boom := s.Panic[phone]
	s.mu.Unlock()
	if boom {
		panic("mock sender: panic for " + phone)
	}
	return err
}

// Calls returns a copy of all recorded calls.
func (s *Sender) Calls() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

var _ messaging.Sender = (*Sender)(nil)
