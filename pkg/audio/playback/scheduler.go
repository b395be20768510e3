// Package playback schedules decoded model speech on an output device's
// virtual clock so that consecutive chunks play back-to-back with no gap and
// no overlap, and discards everything queued when the remote side barges in.
//
// The scheduler keeps a single cursor: the earliest virtual time at which the
// next buffer may start. Each chunk starts at max(cursor, now) and advances
// the cursor by its duration. An interruption stops every active voice and
// snaps the cursor back to now.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrDecodeFailure wraps any failure to turn an inbound chunk into a
	// playable buffer. The chunk is dropped; scheduling is unaffected.
	ErrDecodeFailure = errors.New("playback: decode failure")

	// ErrInterrupted is returned by Enqueue when an interruption was processed
	// while the chunk was being decoded. The chunk is dropped.
	ErrInterrupted = errors.New("playback: chunk superseded by interruption")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("playback: scheduler closed")
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithChannels sets the channel count of inbound PCM chunks. Default 1.
func WithChannels(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.inChannels = n
		}
	}
}

// Scheduler is the gapless playback queue for one session.
//
// The cursor and the active set are guarded by one mutex, so an interruption
// and a concurrent chunk can never interleave half-way. Enqueue preserves the
// order of calls made from a single goroutine.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink       audio.Sink
	inChannels int
	conformer  audio.Conformer

	mu     sync.Mutex
	cursor time.Duration
	active map[audio.Voice]*audio.Buffer
	epoch  uint64 // incremented by every Interrupt
	closed bool

	decoded func() // test hook, runs between decode and scheduling
}

// New creates a Scheduler that plays through sink.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:       sink,
		inChannels: 1,
		active:     make(map[audio.Voice]*audio.Buffer),
	}
	for _, o := range opts {
		o(s)
	}
	s.conformer.Target = sink.Format()
	s.cursor = sink.Now()
	return s
}

// Reset aligns the cursor with the sink's clock. Call it when the session
// opens.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.sink.Now()
}

// Enqueue decodes one inbound PCM16 chunk recorded at rate and schedules it
// directly after everything already queued. It returns the scheduled buffer.
//
// Errors wrapping [ErrDecodeFailure] mean the chunk was malformed and dropped;
// the cursor is untouched and later chunks are scheduled normally.
func (s *Scheduler) Enqueue(chunk []byte, rate int) (*audio.Buffer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	epoch := s.epoch
	s.mu.Unlock()

	buf, err := s.decode(chunk, rate)
	if err != nil {
		slog.Warn("playback: dropping undecodable chunk", "bytes", len(chunk), "err", err)
		return nil, err
	}
	if s.decoded != nil {
		s.decoded()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.epoch != epoch {
		return nil, ErrInterrupted
	}
	s.pruneLocked()

	now := s.sink.Now()
	if s.cursor < now {
		s.cursor = now
	}
	buf.Start = s.cursor

	v, err := s.sink.Schedule(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule: %w", ErrDecodeFailure, err)
	}
	s.active[v] = buf
	s.cursor += buf.Duration()
	return buf, nil
}

// Interrupt stops every active voice, clears the active set, and resets the
// cursor to the sink's current time. It returns how many voices were active.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	n := s.stopAllLocked()
	s.cursor = s.sink.Now()
	return n
}

// Active returns the number of scheduled buffers that have not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.active)
}

// Cursor returns the earliest virtual time at which the next chunk may start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops all playback. Later Enqueue calls return [ErrClosed]. Close does
// not close the sink; the sink belongs to whoever created it. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.epoch++
	s.stopAllLocked()
	return nil
}

// decode turns chunk into a buffer in the sink's format. It runs without the
// lock held.
func (s *Scheduler) decode(chunk []byte, rate int) (*audio.Buffer, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrDecodeFailure)
	}
	if len(chunk)%(2*s.inChannels) != 0 {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, audio.ErrMalformedFrame)
	}
	target := s.conformer.Target
	pcm := s.conformer.Conform(chunk, audio.Format{SampleRate: rate, Channels: s.inChannels})
	data, err := audio.DecodeFrame(pcm, target.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	return &audio.Buffer{Data: data, SampleRate: target.SampleRate}, nil
}

// stopAllLocked stops and forgets every active voice. Must be called with
// s.mu held.
func (s *Scheduler) stopAllLocked() int {
	n := 0
	for v := range s.active {
		select {
		case <-v.Done():
		default:
			n++
		}
		v.Stop()
		delete(s.active, v)
	}
	return n
}

// pruneLocked drops voices that finished naturally. Must be called with s.mu
// held.
func (s *Scheduler) pruneLocked() {
	for v := range s.active {
		select {
		case <-v.Done():
			delete(s.active, v)
		default:
		}
	}
}
