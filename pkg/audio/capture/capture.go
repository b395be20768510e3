// Package capture turns microphone blocks into outbound PCM frames.
//
// A [Loop] registers a callback on an [audio.Source]. Every block is metered,
// encoded to PCM16 and placed on a bounded FIFO queue. A single sender
// goroutine drains the queue into a [Sender], so frames leave in capture
// order and the device callback never waits on the network. When the queue
// is full the newest frame is dropped.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// DefaultQueueSize is the number of encoded frames buffered between the
// device callback and the sender goroutine.
const DefaultQueueSize = 32

// ErrNotIdle is returned by Start when the loop has already been started.
var ErrNotIdle = errors.New("capture: loop already started")

// State is the lifecycle state of a [Loop].
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sender delivers one frame to the remote side. transport.Session satisfies
// it.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
}

// Stats is a snapshot of the loop's counters.
type Stats struct {
	Blocks  uint64 // blocks delivered by the device
	Sent    uint64
	Dropped uint64 // queue full
	Failed  uint64 // Send returned an error
}

// Option configures a [Loop].
type Option func(*Loop)

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithMeter sets the volume meter. The default is an
// [audio.NewVolumeMeter] with default gain and interval.
func WithMeter(m *audio.VolumeMeter) Option {
	return func(l *Loop) { l.meter = m }
}

// WithVolumeHandler registers fn to receive every recomputed volume level.
// fn runs on the device goroutine and must return quickly.
func WithVolumeHandler(fn func(level int)) Option {
	return func(l *Loop) { l.onVolume = fn }
}

// WithErrorHandler registers fn to receive send failures. fn runs on the
// sender goroutine.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Loop) { l.onError = fn }
}

// WithFrameHandlers registers callbacks fired for every sent and every
// dropped frame. Either may be nil.
func WithFrameHandlers(onSent, onDropped func()) Option {
	return func(l *Loop) {
		l.onSent = onSent
		l.onDropped = onDropped
	}
}

type outbound struct {
	seq   uint64
	frame transport.Frame
}

// Loop is the capture state machine Idle → Capturing → Stopped. A stopped
// loop cannot be restarted.
type Loop struct {
	source    audio.Source
	sender    Sender
	meter     *audio.VolumeMeter
	queueSize int
	rate      int
	mediaType string

	onVolume  func(int)
	onError   func(error)
	onSent    func()
	onDropped func()

	state atomic.Int32
	muted atomic.Bool
	seq   atomic.Uint64

	blocks, sent, dropped, failed atomic.Uint64

	mu      sync.Mutex
	started bool
	queue   chan outbound
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopErr error
}

// New creates an idle Loop reading from source and sending through sender.
func New(source audio.Source, sender Sender, opts ...Option) *Loop {
	l := &Loop{
		source:    source,
		sender:    sender,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(l)
	}
	if l.meter == nil {
		l.meter = audio.NewVolumeMeter(0, 0, nil)
	}
	l.rate = source.Format().SampleRate
	if l.rate <= 0 {
		l.rate = audio.DefaultInputSampleRate
	}
	l.mediaType = audio.MediaTypePCM(l.rate)
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// SetMuted toggles muting. Muted blocks are still metered but not sent.
func (l *Loop) SetMuted(muted bool) { l.muted.Store(muted) }

// Muted reports whether the loop is muted.
func (l *Loop) Muted() bool { return l.muted.Load() }

// Volume returns the latest volume level in [0, 100].
func (l *Loop) Volume() int { return l.meter.Level() }

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Blocks:  l.blocks.Load(),
		Sent:    l.sent.Load(),
		Dropped: l.dropped.Load(),
		Failed:  l.failed.Load(),
	}
}

// Start moves the loop to Capturing: it launches the sender goroutine and
// starts the device. ctx bounds both the device start and the lifetime of
// the sender. If the device fails to start the loop ends up Stopped.
//
// Start and Stop exclude each other, so a Stop racing Start always stops a
// device that Start brought up.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateCapturing)) {
		return ErrNotIdle
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.queue = make(chan outbound, l.queueSize)
	l.cancel = cancel
	queue := l.queue

	l.wg.Add(1)
	go l.sendLoop(runCtx, queue)

	if err := l.source.Start(ctx, func(block []float32) { l.onBlock(queue, block) }); err != nil {
		l.state.Store(int32(StateStopped))
		cancel()
		l.wg.Wait()
		return fmt.Errorf("capture: start source: %w", err)
	}
	l.started = true
	return nil
}

// Stop moves the loop to Stopped, stops the device and waits for the sender
// goroutine. Frames still queued are abandoned. Idempotent; later calls
// return the first call's result.
func (l *Loop) Stop() error {
	prev := State(l.state.Swap(int32(StateStopped)))

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev != StateCapturing || !l.started {
		return l.stopErr
	}
	l.started = false

	if l.cancel != nil {
		l.cancel()
	}
	if err := l.source.Stop(); err != nil {
		l.stopErr = fmt.Errorf("capture: stop source: %w", err)
	}
	l.wg.Wait()
	return l.stopErr
}

// onBlock runs on the device goroutine. It never blocks.
func (l *Loop) onBlock(queue chan<- outbound, block []float32) {
	if l.State() != StateCapturing {
		return
	}
	l.blocks.Add(1)

	if level, updated := l.meter.Sample(block); updated && l.onVolume != nil {
		l.onVolume(level)
	}
	if l.muted.Load() {
		return
	}

	f := audio.Frame{Samples: block, SampleRate: l.rate, Seq: l.seq.Add(1)}
	out := outbound{
		seq:   f.Seq,
		frame: transport.Frame{MediaType: l.mediaType, Data: audio.EncodeFrame(f.Samples)},
	}
	select {
	case queue <- out:
	default:
		l.dropped.Add(1)
		if l.onDropped != nil {
			l.onDropped()
		}
		slog.Debug("capture: outbound queue full, dropping frame", "seq", out.seq)
	}
}

func (l *Loop) sendLoop(ctx context.Context, queue <-chan outbound) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-queue:
			err := l.sender.Send(ctx, out.frame)
			if err == nil {
				l.sent.Add(1)
				if l.onSent != nil {
					l.onSent()
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.failed.Add(1)
			if l.onError != nil {
				l.onError(fmt.Errorf("capture: send frame %d: %w", out.seq, err))
			}
		}
	}
}
