// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	sink := mock.NewSink(audio.Format{SampleRate: 24000, Channels: 1})
//	sink.SetNow(2 * time.Second)
//	v, _ := sink.Schedule(buf)
//	sink.Advance(buf.Duration()) // finishes v naturally
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. Blocks are injected with [Source.Emit].
type Source struct {
	mu sync.Mutex

	// SourceFormat is returned by Format.
	SourceFormat audio.Format

	// StartErr is returned by Start when non-nil.
	StartErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	onBlock func([]float32)
	running bool
}

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Format returns SourceFormat.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceFormat
}

// Start records the callback unless StartErr is set.
func (s *Source) Start(_ context.Context, onBlock func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onBlock = onBlock
	s.running = true
	return nil
}

// Stop marks the source stopped; later Emit calls are ignored.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.running = false
	return nil
}

// Running reports whether Start succeeded and Stop has not been called since.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit delivers block to the registered callback synchronously, as a device
// callback would. It returns false if the source is not running.
func (s *Source) Emit(block []float32) bool {
	s.mu.Lock()
	cb, running := s.onBlock, s.running
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(block)
	return true
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] with a manually driven virtual clock.
type Sink struct {
	mu sync.Mutex

	format audio.Format
	now    time.Duration
	voices []*Voice
	closed bool

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// NewSink returns a Sink reporting format with its clock at zero.
func NewSink(format audio.Format) *Sink {
	return &Sink{format: format}
}

// Format returns the configured output format.
func (s *Sink) Format() audio.Format { return s.format }

// Now returns the current virtual time.
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow jumps the virtual clock to d without finishing any voice.
func (s *Sink) SetNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = d
}

// Advance moves the clock forward by d and finishes every voice whose buffer
// ends at or before the new time.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	now := s.now
	voices := append([]*Voice(nil), s.voices...)
	s.mu.Unlock()

	for _, v := range voices {
		if v.Buffer.End() <= now {
			v.finish(false)
		}
	}
}

// Schedule records buf and returns its voice.
func (s *Sink) Schedule(buf *audio.Buffer) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleErr != nil {
		return nil, s.ScheduleErr
	}
	v := &Voice{Buffer: buf, done: make(chan struct{})}
	s.voices = append(s.voices, v)
	return v, nil
}

// Voices returns every voice scheduled so far, in scheduling order.
func (s *Sink) Voices() []*Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Voice(nil), s.voices...)
}

// Close stops every voice.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.closed = true
	voices := append([]*Voice(nil), s.voices...)
	s.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Voice is the mock [audio.Voice] handed out by [Sink.Schedule].
type Voice struct {
	// Buffer is the scheduled buffer.
	Buffer *audio.Buffer

	once    sync.Once
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Stop ends the voice early. Idempotent; a finished voice stays finished.
func (v *Voice) Stop() { v.finish(true) }

// Done is closed when the voice finishes or is stopped.
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stopped reports whether the voice was cut short by Stop.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish(stopped bool) {
	v.once.Do(func() {
		v.mu.Lock()
		v.stopped = stopped
		v.mu.Unlock()
		close(v.done)
	})
}
