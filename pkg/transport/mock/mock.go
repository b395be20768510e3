// Package mock provides in-memory implementations of [transport.Transport] and
// [transport.Session] for unit tests.
//
// Inbound traffic is injected with [Session.Push]; [Session.Hangup] simulates
// the remote side closing the connection. Outbound frames are recorded and
// can be inspected with [Session.Sent].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*Session)(nil)
)

// Transport is a mock [transport.Transport].
type Transport struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Block makes Open wait until its context is cancelled.
	Block bool

	// NextSession is returned by Open. When nil a fresh session is created.
	NextSession *Session

	// OpenCalls records every config passed to Open.
	OpenCalls []transport.Config

	sessions []*Session
}

// Open returns NextSession or a new session.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	t.mu.Lock()
	t.OpenCalls = append(t.OpenCalls, cfg)
	openErr, block := t.OpenErr, t.Block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if openErr != nil {
		return nil, openErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.NextSession
	t.NextSession = nil
	if s == nil {
		s = NewSession()
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// Sessions returns every session handed out by Open.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// Session is a mock [transport.Session].
type Session struct {
	events chan transport.Event

	mu         sync.Mutex
	sent       []transport.Frame
	sendErr    error
	err        error
	closed     bool
	hungUp     bool
	closeCalls int
	sentCh     chan transport.Frame
}

// NewSession returns an open session with a generously buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan transport.Event, 256),
		sentCh: make(chan transport.Frame, 1024),
	}
}

// SetSendErr makes subsequent Send calls fail with err.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send records f.
func (s *Session) Send(_ context.Context, f transport.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	select {
	case s.sentCh <- f:
	default:
	}
	return nil
}

// Sent returns every frame sent so far, in order.
func (s *Session) Sent() []transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Frame(nil), s.sent...)
}

// SentCh delivers a copy of each sent frame, for tests that wait on sends.
func (s *Session) SentCh() <-chan transport.Frame { return s.sentCh }

// Push injects inbound events in order. It returns false if the session has
// already ended.
func (s *Session) Push(evs ...transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungUp {
		return false
	}
	for _, ev := range evs {
		s.events <- ev
	}
	return true
}

// Hangup simulates the remote side closing the session with err (nil for a
// clean close).
func (s *Session) Hangup(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungUp {
		return
	}
	s.hungUp = true
	s.err = err
	close(s.events)
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan transport.Event { return s.events }

// Err returns the error passed to Hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close marks the session closed and ends the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.closed = true
	s.mu.Unlock()
	s.Hangup(nil)
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
