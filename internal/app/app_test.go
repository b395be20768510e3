package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	clockmock "github.com/MrWong99/parley/pkg/clock/mock"
	"github.com/MrWong99/parley/pkg/transport"
	transportmock "github.com/MrWong99/parley/pkg/transport/mock"
	"github.com/MrWong99/parley/pkg/video"
)

func newTestApp(t *testing.T, opts ...app.Option) (*app.App, *transportmock.Transport) {
	t.Helper()
	tr := &transportmock.Transport{}
	devs := &deviceSet{}
	base := []app.Option{app.WithTransport(tr), app.WithDevices(devs.factory)}
	a, err := app.New(testConfig(), config.NewRegistry(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, tr
}

func request(t *testing.T, h http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestNew_RequiresDevices(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), config.NewRegistry(), app.WithTransport(&transportmock.Transport{}))
	if !errors.Is(err, app.ErrNoDevices) {
		t.Fatalf("New() = %v, want ErrNoDevices", err)
	}
}

func TestNew_TransportFromRegistry(t *testing.T) {
	t.Parallel()

	devs := &deviceSet{}
	reg := config.NewRegistry()
	if _, err := app.New(testConfig(), reg, app.WithDevices(devs.factory)); !errors.Is(err, config.ErrTransportNotRegistered) {
		t.Fatalf("New() with empty registry = %v, want ErrTransportNotRegistered", err)
	}

	var built int
	reg.RegisterTransport("mock", func(config.TransportConfig) (transport.Transport, error) {
		built++
		return &transportmock.Transport{}, nil
	})
	a, err := app.New(testConfig(), reg, app.WithDevices(devs.factory))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())
	if built != 1 {
		t.Errorf("factory called %d times, want 1", built)
	}
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()

	a, tr := newTestApp(t)
	h := a.Handler()

	if code, body := request(t, h, http.MethodGet, "/healthz"); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
	if code, body := request(t, h, http.MethodGet, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d %v", code, body)
	}

	code, body := request(t, h, http.MethodPost, "/session/start")
	if code != http.StatusOK || body["active"] != true {
		t.Fatalf("start = %d %v", code, body)
	}
	if code, _ := request(t, h, http.MethodPost, "/session/start"); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}
	if !a.Sessions().IsActive() {
		t.Error("session manager not active after POST /session/start")
	}

	tr.Sessions()[0].Hangup(errors.New("remote gone"))
	eventually(t, "session to end", func() bool { return !a.Sessions().IsActive() })
	code, body = request(t, h, http.MethodGet, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz after failed session = %d %v, want 503", code, body)
	}
}

func TestApp_MetricsRoute(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d, want 200", rec.Code)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	var resp *http.Response
	eventually(t, "server to answer", func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	})
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

const appYAML = `
transport:
  name: mock
  model: test-model
server:
  log_level: info
`

const appUpdatedYAML = `
transport:
  name: mock
  model: test-model
server:
  log_level: debug
audio:
  muted: true
`

func TestApp_HotReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(appYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	clk := clockmock.New(time.Unix(0, 0))
	level := new(slog.LevelVar)
	a, _ := newTestApp(t,
		app.WithClock(clk),
		app.WithLevelVar(level),
		app.WithConfigWatch(path, time.Second),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Serve(ctx, ln) }()
	eventually(t, "watcher ticker", func() bool { return clk.Tickers() > 0 })

	if err := os.WriteFile(path, []byte(appUpdatedYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	mtime := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	eventually(t, "reload", func() bool {
		clk.Advance(time.Second)
		return level.Level() == slog.LevelDebug
	})
	if !a.Sessions().Status().Muted {
		t.Error("mute not applied from reloaded config")
	}
}

func TestNew_FailoverTransport(t *testing.T) {
	t.Parallel()

	primary := &transportmock.Transport{OpenErr: errors.New("quota exceeded")}
	backup := &transportmock.Transport{}
	reg := config.NewRegistry()
	reg.RegisterTransport("mock", func(config.TransportConfig) (transport.Transport, error) { return primary, nil })
	reg.RegisterTransport("backup", func(tc config.TransportConfig) (transport.Transport, error) {
		if tc.Model != "test-model" {
			t.Errorf("fallback built with model %q", tc.Model)
		}
		return backup, nil
	})

	cfg := testConfig()
	cfg.Transport.Fallbacks = []string{"backup"}
	devs := &deviceSet{}
	a, err := app.New(cfg, reg, app.WithDevices(devs.factory))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if len(primary.OpenCalls) != 1 || len(backup.OpenCalls) != 1 {
		t.Errorf("open calls primary=%d backup=%d, want 1 and 1", len(primary.OpenCalls), len(backup.OpenCalls))
	}
	if code, body := request(t, a.Handler(), http.MethodGet, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d %v", code, body)
	}
}

func TestApp_SessionHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.HistoryPath = filepath.Join(t.TempDir(), "sessions.jsonl")
	tr := &transportmock.Transport{}
	devs := &deviceSet{}
	a, err := app.New(cfg, config.NewRegistry(), app.WithTransport(tr), app.WithDevices(devs.factory))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	info, err := a.Sessions().Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := a.Sessions().Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/history?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d %s", rec.Code, rec.Body)
	}
	var recs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0]["session_id"] != info.SessionID || recs[0]["state"] != "closed" {
		t.Errorf("history = %v", recs)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/history?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestApp_SessionHistoryDisabled(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("history = %d, want 404", rec.Code)
	}
}

type memHistory struct {
	mu   sync.Mutex
	recs []history.Record
}

func (m *memHistory) Append(r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memHistory) Recent(int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record(nil), m.recs...), nil
}

func TestApp_InjectedHistory(t *testing.T) {
	t.Parallel()

	store := &memHistory{}
	a, tr := newTestApp(t, app.WithHistory(store))
	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	tr.Sessions()[0].Hangup(errors.New("remote gone"))
	eventually(t, "history record", func() bool {
		recs, _ := store.Recent(0)
		return len(recs) == 1
	})
	recs, _ := store.Recent(0)
	if recs[0].State != "closed" || recs[0].Error == "" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestApp_FrameUploadRoute(t *testing.T) {
	t.Parallel()

	plain, _ := newTestApp(t)
	rec := httptest.NewRecorder()
	plain.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/camera/frame", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("upload without source = %d, want 404", rec.Code)
	}

	a, _ := newTestApp(t, app.WithFrameUpload(&video.LatestFrame{}))
	if code, _ := request(t, a.Handler(), http.MethodPost, "/camera/frame"); code != http.StatusBadRequest {
		t.Errorf("empty upload = %d, want 400", code)
	}
}
