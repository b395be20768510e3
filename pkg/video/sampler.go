// Package video samples a camera feed into low-resolution JPEG stills and
// multiplexes them into the session's outbound channel.
//
// The [Sampler] is best-effort: a tick is skipped silently when the camera is
// disabled, the session is not connected, or the [Source] is not ready. It
// never blocks waiting for a frame.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/clock"
	"github.com/MrWong99/parley/pkg/transport"
)

const (
	DefaultInterval = time.Second
	DefaultScale    = 4
	DefaultQuality  = 70
)

// Sender delivers one frame to the remote side.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
}

// Option configures a [Sampler].
type Option func(*Sampler)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithScale sets the downscale factor applied to both dimensions.
func WithScale(factor int) Option {
	return func(s *Sampler) {
		if factor > 0 {
			s.scale = factor
		}
	}
}

// WithQuality sets the JPEG quality (1–100).
func WithQuality(q int) Option {
	return func(s *Sampler) {
		if q >= 1 && q <= 100 {
			s.quality = q
		}
	}
}

// WithClock sets the ticker source. The default is [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(s *Sampler) { s.clk = c }
}

// WithConnected sets the predicate consulted on every tick. Ticks are skipped
// while it returns false. The default always returns true.
func WithConnected(fn func() bool) Option {
	return func(s *Sampler) { s.connected = fn }
}

// WithErrorHandler registers fn for encode and send failures.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sampler) { s.onError = fn }
}

// WithStillHandler registers fn, called after every successfully sent still.
func WithStillHandler(fn func(Still)) Option {
	return func(s *Sampler) { s.onStill = fn }
}

// Sampler periodically sends a downscaled still of the current camera frame.
type Sampler struct {
	source    Source
	sender    Sender
	clk       clock.Clock
	interval  time.Duration
	scale     int
	quality   int
	connected func() bool
	onError   func(error)
	onStill   func(Still)

	enabled atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped, enabled Sampler.
func New(source Source, sender Sender, opts ...Option) *Sampler {
	s := &Sampler{
		source:    source,
		sender:    sender,
		clk:       clock.Real{},
		interval:  DefaultInterval,
		scale:     DefaultScale,
		quality:   DefaultQuality,
		connected: func() bool { return true },
	}
	for _, o := range opts {
		o(s)
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled turns the camera on or off. A disabled sampler keeps ticking but
// sends nothing.
func (s *Sampler) SetEnabled(on bool) { s.enabled.Store(on) }

// Enabled reports whether the camera is on.
func (s *Sampler) Enabled() bool { return s.enabled.Load() }

// Start launches the tick goroutine. It returns immediately; calling Start on
// a running sampler is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clk.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts ticking and waits for an in-progress tick to finish. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Tick performs one sampling step and reports whether a still was sent.
func (s *Sampler) Tick(ctx context.Context) bool {
	if !s.enabled.Load() || !s.connected() {
		return false
	}
	img, err := s.source.Frame()
	if err != nil {
		if !errors.Is(err, ErrNotReady) {
			slog.Debug("video: source frame unavailable", "err", err)
		}
		return false
	}

	still, err := EncodeStill(img, s.scale, s.quality)
	if err != nil {
		s.fail(err)
		return false
	}
	err = s.sender.Send(ctx, transport.Frame{MediaType: transport.MediaTypeJPEG, Data: still.Data})
	if err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("video: send still: %w", err))
		}
		return false
	}
	if s.onStill != nil {
		s.onStill(still)
	}
	return true
}

func (s *Sampler) fail(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	slog.Warn("video: sampling failed", "err", err)
}
