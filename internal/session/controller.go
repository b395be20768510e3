// Package session drives one live conversation: it acquires the devices,
// opens the transport, and wires the capture loop, the playback scheduler and
// the video sampler together for as long as the connection lives.
//
// A [Controller] is single-use. Teardown is unconditional and idempotent, so
// it is safe from any partially initialised state, and the close listeners
// fire exactly once whether the session ends in Closed or Failed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/clock"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/video"
)

// Option configures a [Controller].
type Option func(*Controller)

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// WithTransportConfig sets the config passed to [transport.Transport.Open].
func WithTransportConfig(cfg transport.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithTransportName sets the transport label used on metrics and logs.
func WithTransportName(name string) Option {
	return func(c *Controller) { c.name = name }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock sets the clock used for the volume throttle and the video tick.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// WithInboundChannels sets the channel count of inbound PCM chunks.
func WithInboundChannels(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.channels = n
		}
	}
}

// WithCaptureOptions appends options for the capture loop.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Controller) { c.captureOpts = append(c.captureOpts, opts...) }
}

// WithVideoOptions appends options for the video sampler.
func WithVideoOptions(opts ...video.Option) Option {
	return func(c *Controller) { c.videoOpts = append(c.videoOpts, opts...) }
}

// WithMuted sets the initial microphone mute state.
func WithMuted(muted bool) Option {
	return func(c *Controller) { c.muted.Store(muted) }
}

// WithCameraEnabled sets the initial camera state. The default is enabled.
func WithCameraEnabled(on bool) Option {
	return func(c *Controller) { c.camera.Store(on) }
}

// maxBatch bounds how many already-queued inbound events are handled as one
// batch.
const maxBatch = 64

// pipeline is the per-connection plumbing owned by the inbound loop.
type pipeline struct {
	sched *playback.Scheduler
	sink  audio.Sink
}

// Controller is the session lifecycle state machine. All exported methods are
// safe for concurrent use. Listeners run on internal goroutines and must not
// call Close.
type Controller struct {
	id          string
	transport   transport.Transport
	devices     Devices
	cfg         transport.Config
	name        string
	metrics     *observe.Metrics
	clk         clock.Clock
	channels    int
	captureOpts []capture.Option
	videoOpts   []video.Option

	// smu orders state changes with their notifications. It is never held
	// together with mu.
	smu    sync.Mutex
	state  atomic.Int32
	muted  atomic.Bool
	camera atomic.Bool

	lmu            sync.Mutex
	stateListeners []func(State)
	eventListeners []func(Event)
	closeListeners []func(error)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	torn    bool
	live    bool
	media   *Media
	sess    transport.Session
	sched   *playback.Scheduler
	loop    *capture.Loop
	sampler *video.Sampler

	// inbound joins the inbound loop; Add only happens before teardown.
	inbound sync.WaitGroup

	finishOnce  sync.Once
	done        chan struct{}
	cause       error
	teardownErr error
}

// New creates an idle controller that will open tr and draw its devices from
// devices.
func New(tr transport.Transport, devices Devices, opts ...Option) *Controller {
	c := &Controller{
		id:        uuid.NewString(),
		transport: tr,
		devices:   devices,
		clk:       clock.Real{},
		channels:  1,
		done:      make(chan struct{}),
	}
	c.camera.Store(true)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.name == "" {
		c.name = "unknown"
	}
	return c
}

// ID returns the session ID.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Done is closed once the controller reaches Closed or Failed and every close
// listener has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the terminal cause: nil for a clean close, the transport's
// error for a remote hangup, or an error wrapping [ErrDeviceAccessDenied] or
// [ErrTransportOpenFailed] for a failed start. It returns nil before Done.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// ─── Listener surface ────────────────────────────────────────────────────────

// OnStateChange registers fn for every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// OnEvent registers fn for upward events. fn may run on the audio device
// goroutine and must return quickly.
func (c *Controller) OnEvent(fn func(Event)) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.eventListeners = append(c.eventListeners, fn)
}

// OnClose registers fn, called exactly once with the terminal cause.
func (c *Controller) OnClose(fn func(error)) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.closeListeners = append(c.closeListeners, fn)
}

// Volume returns the latest microphone level in [0, 100], or 0 when not
// capturing.
func (c *Controller) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop == nil {
		return 0
	}
	return c.loop.Volume()
}

// SetMuted mutes or unmutes the microphone. Muted audio is still metered.
func (c *Controller) SetMuted(muted bool) {
	c.muted.Store(muted)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		c.loop.SetMuted(muted)
	}
}

// Muted reports the microphone mute state.
func (c *Controller) Muted() bool { return c.muted.Load() }

// SetCameraEnabled turns the video stills on or off.
func (c *Controller) SetCameraEnabled(on bool) {
	c.camera.Store(on)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampler != nil {
		c.sampler.SetEnabled(on)
	}
}

// CameraEnabled reports the camera state.
func (c *Controller) CameraEnabled() bool { return c.camera.Load() }

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start acquires the devices, opens the transport and, once the transport is
// open, begins capture, playback and video sampling. It returns after the
// session is Connected or has Failed.
//
// ctx bounds the connecting phase only; Close also aborts it.
func (c *Controller) Start(ctx context.Context) error {
	if !c.transition(StateIdle, StateConnecting) {
		return fmt.Errorf("%w (state %s)", ErrNotIdle, c.State())
	}

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("session.id", c.id),
			attribute.String("transport", c.name),
		),
	)
	defer span.End()

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	life := c.ctx
	c.mu.Unlock()

	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	defer context.AfterFunc(life, cancelOpen)()

	began := c.clk.Now()

	media, err := c.devices.Acquire(openCtx)
	if err != nil {
		return c.fail(span, fmt.Errorf("%w: %w", ErrDeviceAccessDenied, err))
	}
	if !c.adopt(media) {
		return ErrClosed
	}

	sess, err := c.transport.Open(openCtx, c.cfg)
	if err != nil {
		return c.fail(span, fmt.Errorf("%w: %w", ErrTransportOpenFailed, err))
	}

	p, sampler, err := c.connect(life, sess, media)
	if errors.Is(err, ErrClosed) {
		return err
	}
	if err != nil {
		return c.fail(span, err)
	}
	// A remote hangup may already have begun teardown.
	if !c.transition(StateConnecting, StateConnected) {
		return ErrClosed
	}

	openFor := c.clk.Now().Sub(began)
	c.metrics.SessionOpenDuration.Record(ctx, openFor.Seconds())
	observe.Logger(ctx).Info("session connected",
		"session_id", c.id,
		"transport", c.name,
		"open_ms", openFor.Milliseconds(),
		"output_rate", p.sink.Format().SampleRate,
		"camera", sampler != nil,
	)
	return nil
}

// Close ends the session: Closing, full teardown, then Closed. It waits for
// the inbound loop to exit and returns any teardown failures. Idempotent; a
// controller that already reached a terminal state is left as is.
func (c *Controller) Close() error {
	c.finish(StateClosed, nil)
	c.inbound.Wait()
	return c.teardownErr
}

// adopt records the acquired media unless teardown already ran, in which case
// the devices are released on the spot.
func (c *Controller) adopt(m Media) bool {
	c.mu.Lock()
	if !c.torn {
		c.media = &m
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	if err := c.devices.Release(); err != nil {
		slog.Warn("session: release devices after close", "session_id", c.id, "err", err)
	}
	return false
}

// connect builds and starts the per-connection components while teardown is
// held off, so a concurrent teardown always sees them running. The caller
// moves the state to Connected afterwards.
func (c *Controller) connect(ctx context.Context, sess transport.Session, m Media) (pipeline, *video.Sampler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torn {
		_ = sess.Close()
		return pipeline{}, nil, ErrClosed
	}
	// From here teardown owns sess and every component stored below.
	c.sess = sess

	sched := playback.New(m.Speaker, playback.WithChannels(c.channels))
	sched.Reset()
	p := pipeline{sched: sched, sink: m.Speaker}
	c.sched = sched

	loop := capture.New(m.Mic, sess, c.captureOptions(ctx)...)
	loop.SetMuted(c.muted.Load())
	c.loop = loop
	if err := loop.Start(ctx); err != nil {
		return pipeline{}, nil, fmt.Errorf("%w: %w", ErrDeviceAccessDenied, err)
	}

	var sampler *video.Sampler
	if m.Camera != nil {
		sampler = video.New(m.Camera, sess, c.videoOptions(ctx)...)
		sampler.SetEnabled(c.camera.Load())
		c.sampler = sampler
		sampler.Start(ctx)
	}

	c.live = true
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.inbound.Go(func() { c.runInbound(ctx, sess, p) })
	return p, sampler, nil
}

func (c *Controller) captureOptions(ctx context.Context) []capture.Option {
	opts := []capture.Option{capture.WithMeter(audio.NewVolumeMeter(0, 0, c.clk))}
	opts = append(opts, c.captureOpts...)
	return append(opts,
		capture.WithVolumeHandler(func(level int) {
			c.emit(Event{Kind: EventVolume, Volume: level})
		}),
		capture.WithErrorHandler(func(err error) {
			c.metrics.RecordTransportError(ctx, c.name)
			slog.Debug("session: outbound frame failed", "session_id", c.id, "err", err)
			c.emit(Event{Kind: EventTransportError, Err: err})
		}),
		capture.WithFrameHandlers(
			func() { c.metrics.FramesSent.Add(ctx, 1) },
			func() { c.metrics.FramesDropped.Add(ctx, 1) },
		),
	)
}

func (c *Controller) videoOptions(ctx context.Context) []video.Option {
	opts := []video.Option{video.WithClock(c.clk)}
	opts = append(opts, c.videoOpts...)
	return append(opts,
		video.WithConnected(func() bool { return c.State() == StateConnected }),
		video.WithStillHandler(func(video.Still) { c.metrics.StillsSent.Add(ctx, 1) }),
		video.WithErrorHandler(func(err error) {
			c.metrics.RecordTransportError(ctx, c.name)
			c.emit(Event{Kind: EventTransportError, Err: err})
		}),
	)
}

// fail moves the controller to Failed with cause unless it already reached a
// terminal state.
func (c *Controller) fail(span trace.Span, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if !c.finish(StateFailed, cause) {
		return fmt.Errorf("%w: %w", ErrClosed, cause)
	}
	slog.Warn("session failed", "session_id", c.id, "transport", c.name, "err", cause)
	return cause
}

// finish performs the single terminal transition. It reports whether this
// call made it.
func (c *Controller) finish(final State, cause error) bool {
	won := false
	c.finishOnce.Do(func() {
		won = true
		if final == StateClosed {
			c.setState(StateClosing)
		}

		live, err := c.teardown()
		c.teardownErr = err
		if err != nil {
			slog.Warn("session: teardown", "session_id", c.id, "err", err)
		}

		ctx := context.Background()
		if live {
			c.metrics.ActiveSessions.Add(ctx, -1)
		}
		c.metrics.RecordSessionOutcome(ctx, final.String())

		c.cause = cause
		c.setState(final)

		c.lmu.Lock()
		listeners := slices.Clone(c.closeListeners)
		c.lmu.Unlock()
		for _, fn := range listeners {
			fn(cause)
		}
		close(c.done)
		slog.Info("session ended", "session_id", c.id, "state", final, "err", cause)
	})
	return won
}

// teardown releases everything the controller holds. It never waits for the
// inbound loop, which may be the caller. It reports whether the session had
// been counted as active.
func (c *Controller) teardown() (bool, error) {
	c.mu.Lock()
	c.torn = true
	cancel := c.cancel
	loop, sampler, sched, sess, media := c.loop, c.sampler, c.sched, c.sess, c.media
	c.loop, c.sampler, c.sched, c.sess, c.media = nil, nil, nil, nil, nil
	live := c.live
	c.live = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if sampler != nil {
		sampler.Stop()
	}
	if loop != nil {
		if err := loop.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if sched != nil {
		_ = sched.Close()
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close transport: %w", err))
		}
	}
	if media != nil {
		if err := c.devices.Release(); err != nil {
			errs = append(errs, fmt.Errorf("session: release devices: %w", err))
		}
	}
	return live, errors.Join(errs...)
}

// transition moves from → to and notifies listeners. It fails if the state
// is no longer from.
func (c *Controller) transition(from, to State) bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.notifyState(to)
	return true
}

func (c *Controller) setState(s State) {
	c.smu.Lock()
	defer c.smu.Unlock()
	c.state.Store(int32(s))
	c.notifyState(s)
}

func (c *Controller) notifyState(s State) {
	c.lmu.Lock()
	listeners := slices.Clone(c.stateListeners)
	c.lmu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Controller) emit(ev Event) {
	c.lmu.Lock()
	listeners := slices.Clone(c.eventListeners)
	c.lmu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
