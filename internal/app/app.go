// Package app wires all Parley subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the transport, session
// manager, UI bridge and HTTP surface, Run serves until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTransport, WithDevices, etc.). When an option is not provided, New
// builds real implementations from the config and registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/uibridge"
	"github.com/MrWong99/parley/pkg/clock"
	"github.com/MrWong99/parley/pkg/transport"
)

// readHeaderTimeout bounds slow clients on the HTTP surface.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the Parley daemon.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	transport transport.Transport
	failover  *resilience.Failover
	history   history.Store
	frames    uibridge.FrameSink
	devices   DevicesFactory
	metrics   *observe.Metrics
	clk       clock.Clock
	level     *slog.LevelVar
	hub       *uibridge.Hub
	sessions  *SessionManager
	health    *health.Handler
	handler   http.Handler

	// mu guards server and watcher, which Serve sets.
	mu      sync.Mutex
	server  *http.Server
	watcher *config.Watcher

	configPath    string
	watchInterval time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a transport instead of creating one from the registry.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithDevices sets the device factory used for every session.
func WithDevices(f DevicesFactory) Option {
	return func(a *App) { a.devices = f }
}

// WithMetrics injects the instrument set. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the time source for sessions and the config watcher.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithHistory injects the session history store, overriding
// cfg.Server.HistoryPath.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithFrameUpload serves POST /camera/frame into sink.
func WithFrameUpload(sink uibridge.FrameSink) Option {
	return func(a *App) { a.frames = sink }
}

// WithLevelVar lets hot reload adjust the level of the logger built in main.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch polls path for changes while Run is active. A zero
// interval selects [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// ErrNoDevices is returned by New when no device factory was given.
var ErrNoDevices = errors.New("app: no device factory configured")

// New creates an App by wiring all subsystems together. The registry comes
// from main.go with the built-in transports registered.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.devices == nil {
		return nil, ErrNoDevices
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clk == nil {
		a.clk = clock.Real{}
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Transport ─────────────────────────────────────────────────────
	if a.transport == nil {
		if err := a.initTransport(); err != nil {
			return nil, fmt.Errorf("app: init transport: %w", err)
		}
	}

	// ── 2. UI bridge, history + session manager ──────────────────────────
	a.hub = uibridge.NewHub()
	smc := SessionManagerConfig{
		Config:        cfg,
		Transport:     a.transport,
		TransportName: cfg.Transport.Name,
		Devices:       a.devices,
		Hub:           a.hub,
		Metrics:       a.metrics,
		Clock:         a.clk,
	}
	if a.history == nil && cfg.Server.HistoryPath != "" {
		a.history = history.NewFileStore(cfg.Server.HistoryPath)
	}
	if a.history != nil {
		smc.History = a.history
	}
	a.sessions = NewSessionManager(smc)

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Func("config", "no config loaded", func() bool { return a.sessions.Config() != nil }),
		health.Func("transport", "transport change needs a restart", func() bool {
			return a.sessions.Config().Transport.Name == cfg.Transport.Name
		}),
		health.Func("breakers", "every transport circuit is open", func() bool {
			return a.failover == nil || a.failover.Healthy()
		}),
		health.Last("session", a.sessions.LastError),
	)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	mux.HandleFunc("GET /session/history", a.handleHistory)
	uibridge.Register(mux, a.hub, a.sessions)
	if a.frames != nil {
		uibridge.RegisterFrameUpload(mux, a.frames)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// initTransport builds the configured transport. With fallbacks configured,
// every transport sits behind its own circuit breaker inside a
// [resilience.Failover].
func (a *App) initTransport() error {
	tc := a.cfg.Transport
	primary, err := a.reg.CreateTransport(tc)
	if err != nil {
		return err
	}
	if len(tc.Fallbacks) == 0 {
		a.transport = primary
		return nil
	}

	f := resilience.NewFailover(tc.Name, primary, resilience.BreakerConfig{
		MaxFailures:  tc.BreakerFailures,
		ResetTimeout: tc.BreakerReset,
		Clock:        a.clk,
	})
	for _, name := range tc.Fallbacks {
		fc := tc
		fc.Name = name
		t, err := a.reg.CreateTransport(fc)
		if err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		f.Add(name, t)
	}
	slog.Info("transport failover enabled", "primary", tc.Name, "fallbacks", tc.Fallbacks)
	a.failover, a.transport = f, f
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Hub returns the UI broadcast hub.
func (a *App) Hub() *uibridge.Hub { return a.hub }

// Handler returns the instrumented HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// handleHistory serves the most recent finished sessions, newest first.
// ?limit=N caps the list; the default is 20.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.history == nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session history disabled"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := a.history.Recent(limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	_ = json.NewEncoder(w).Encode(recs)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and, if configured, watches the
// config file. It blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	var watcher *config.Watcher
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange,
			config.WithInterval(a.watchInterval),
			config.WithWatchClock(a.clk),
		)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: start config watcher: %w", err)
		}
		watcher = w
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.server, a.watcher = srv, watcher
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "transport", a.cfg.Transport.Name)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// onConfigChange applies the live-applicable parts of a reloaded config and
// hands the rest to the next session.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	a.sessions.Apply(d)
	a.sessions.SetConfig(new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Info("config change applies to the next session", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the watcher, ends the live session and drains the HTTP
// server. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.mu.Lock()
		srv, watcher := a.server, a.watcher
		a.mu.Unlock()

		if watcher != nil {
			watcher.Stop()
		}

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, uibridge.ErrNotActive) {
			errs = append(errs, err)
		}

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// AddCloser registers fn to run at the end of Shutdown.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}
