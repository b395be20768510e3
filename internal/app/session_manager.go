package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/uibridge"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/clock"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/video"
)

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Transport is the registered name of the transport in use.
	Transport string

	// Model is the remote model identifier.
	Model string

	// StartedAt is when Start was called.
	StartedAt time.Time
}

// Recorder receives one record per finished session.
type Recorder interface {
	Append(rec history.Record) error
}

// DevicesFactory builds the media devices for one session from the config
// in effect when the session starts.
type DevicesFactory func(cfg *config.Config) (session.Devices, error)

// SessionManager manages the lifecycle of live sessions.
// Only one session can be live at a time. A session that reached a terminal
// state frees the slot on its own; Stop is only needed to end a live one.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	ctrl    *session.Controller
	info    SessionInfo
	lastErr error

	// Desired toggles survive across sessions.
	muted  bool
	camera bool

	cfg       *config.Config
	transport transport.Transport
	trName    string
	devices   DevicesFactory
	hub       *uibridge.Hub
	history   Recorder
	metrics   *observe.Metrics
	clk       clock.Clock
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config        *config.Config
	Transport     transport.Transport
	TransportName string
	Devices       DevicesFactory

	// Hub receives every session's notifications. Optional.
	Hub *uibridge.Hub

	// History records finished sessions. Optional.
	History Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock defaults to [clock.Real].
	Clock clock.Clock
}

var _ uibridge.Controls = (*SessionManager)(nil)

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		transport: cfg.Transport,
		trName:    cfg.TransportName,
		devices:   cfg.Devices,
		hub:       cfg.Hub,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		clk:       cfg.Clock,
		muted:     cfg.Config.Audio.Muted,
		camera:    cfg.Config.Video.Enabled,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.clk == nil {
		sm.clk = clock.Real{}
	}
	return sm
}

// Start creates a controller from the current config and runs it until it
// is connected or fails. Returns [uibridge.ErrAlreadyActive] while another
// session is live.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.ctrl != nil && !sm.ctrl.State().Terminal() {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", uibridge.ErrAlreadyActive, id)
	}

	cfg := sm.cfg
	devices, err := sm.devices(cfg)
	if err != nil {
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("app: build devices: %w: %w", session.ErrDeviceAccessDenied, err)
	}

	ctrl := session.New(sm.transport, devices, sm.controllerOptions(cfg)...)
	if sm.hub != nil {
		sm.hub.Attach(ctrl)
	}
	ctrl.OnClose(func(err error) { sm.closed(ctrl, err) })

	info := SessionInfo{
		SessionID: ctrl.ID(),
		Transport: sm.trName,
		Model:     cfg.Transport.Model,
		StartedAt: sm.clk.Now().UTC(),
	}
	sm.ctrl, sm.info, sm.lastErr = ctrl, info, nil
	sm.mu.Unlock()

	// Start runs unlocked so Stop can abort a slow connect.
	if err := ctrl.Start(ctx); err != nil {
		return info, err
	}
	slog.Info("session started", "session_id", info.SessionID, "transport", info.Transport, "model", info.Model)
	return info, nil
}

func (sm *SessionManager) controllerOptions(cfg *config.Config) []session.Option {
	return []session.Option{
		session.WithTransportName(sm.trName),
		session.WithTransportConfig(transport.Config{
			Model:           cfg.Transport.Model,
			Voice:           cfg.Transport.Voice,
			Instructions:    cfg.Transport.Instructions,
			InputSampleRate: cfg.Audio.InputSampleRate,
		}),
		session.WithMetrics(sm.metrics),
		session.WithClock(sm.clk),
		session.WithMuted(sm.muted),
		session.WithCameraEnabled(sm.camera),
		session.WithCaptureOptions(
			capture.WithQueueSize(cfg.Audio.SendQueue),
			capture.WithMeter(audio.NewVolumeMeter(cfg.Audio.VolumeGain, cfg.Audio.VolumeInterval, sm.clk)),
		),
		session.WithVideoOptions(
			video.WithInterval(cfg.Video.Interval),
			video.WithScale(cfg.Video.Scale),
			video.WithQuality(cfg.Video.JPEGQuality),
		),
	}
}

// closed runs as the controller's close listener.
func (sm *SessionManager) closed(ctrl *session.Controller, err error) {
	sm.mu.Lock()
	if sm.ctrl != ctrl {
		sm.mu.Unlock()
		return
	}
	sm.lastErr = err
	info, rec := sm.info, sm.history
	sm.mu.Unlock()

	if err != nil {
		slog.Warn("session ended", "session_id", ctrl.ID(), "state", ctrl.State(), "err", err)
	} else {
		slog.Info("session stopped", "session_id", ctrl.ID())
	}
	if rec == nil {
		return
	}
	r := history.Record{
		SessionID: info.SessionID,
		Transport: info.Transport,
		Model:     info.Model,
		StartedAt: info.StartedAt,
		EndedAt:   sm.clk.Now().UTC(),
		State:     ctrl.State().String(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if err := rec.Append(r); err != nil {
		slog.Warn("session history append failed", "session_id", info.SessionID, "err", err)
	}
}

// Stop ends the live session and waits for its teardown. Returns
// [uibridge.ErrNotActive] if no session is live. A non-nil error from a
// live session reports a teardown failure; the session is closed anyway.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil || ctrl.State().Terminal() {
		return uibridge.ErrNotActive
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("app: stop session %s: %w", ctrl.ID(), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop session %s: %w", ctrl.ID(), ctx.Err())
	}
}

// IsActive reports whether a session is live.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl != nil && !sm.ctrl.State().Terminal()
}

// Info returns metadata about the current or most recent session.
// Returns the zero value if no session was ever started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// LastError returns the cause the most recent session ended with.
func (sm *SessionManager) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

// SetMuted records the desired mute state and applies it to the live
// session, if any.
func (sm *SessionManager) SetMuted(muted bool) error {
	sm.mu.Lock()
	sm.muted = muted
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl != nil {
		ctrl.SetMuted(muted)
	}
	return nil
}

// SetCameraEnabled toggles still sampling on the live session. Returns
// [uibridge.ErrNotActive] if no session is live.
func (sm *SessionManager) SetCameraEnabled(enabled bool) error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	if ctrl == nil || ctrl.State().Terminal() {
		sm.mu.Unlock()
		return uibridge.ErrNotActive
	}
	sm.camera = enabled
	sm.mu.Unlock()
	ctrl.SetCameraEnabled(enabled)
	return nil
}

// SetConfig replaces the config used by the next Start.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Config returns the config the next Start will use.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// Apply pushes the live-applicable parts of a config diff to the manager.
func (sm *SessionManager) Apply(d config.ConfigDiff) {
	if d.MutedChanged {
		_ = sm.SetMuted(d.Muted)
	}
	if d.VideoEnabledChanged {
		sm.mu.Lock()
		sm.camera = d.VideoEnabled
		ctrl := sm.ctrl
		sm.mu.Unlock()
		if ctrl != nil {
			ctrl.SetCameraEnabled(d.VideoEnabled)
		}
	}
}

// ─── uibridge.Controls ───────────────────────────────────────────────────────

// StartSession implements [uibridge.Controls].
func (sm *SessionManager) StartSession(ctx context.Context) (uibridge.Status, error) {
	if _, err := sm.Start(ctx); err != nil {
		return uibridge.Status{}, err
	}
	return sm.Status(), nil
}

// StopSession implements [uibridge.Controls].
func (sm *SessionManager) StopSession(ctx context.Context) error {
	return sm.Stop(ctx)
}

// Status implements [uibridge.Controls].
func (sm *SessionManager) Status() uibridge.Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st := uibridge.Status{
		State:         session.StateIdle.String(),
		Muted:         sm.muted,
		CameraEnabled: sm.camera,
	}
	if sm.ctrl == nil {
		return st
	}
	state := sm.ctrl.State()
	st.SessionID = sm.info.SessionID
	st.State = state.String()
	st.Active = !state.Terminal()
	if st.Active {
		st.Volume = sm.ctrl.Volume()
		st.CameraEnabled = sm.ctrl.CameraEnabled()
	}
	return st
}
