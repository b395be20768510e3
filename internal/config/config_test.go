package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/transport"
	transportmock "github.com/MrWong99/parley/pkg/transport/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

transport:
  name: gemini-live
  api_key: test-key
  model: gemini-live-test
  voice: Puck
  instructions: You are a friendly tutor.

audio:
  input_sample_rate: 16000
  block_size: 1024
  output_sample_rate: 24000
  output_channels: 2
  volume_gain: 250
  volume_interval: 50ms
  muted: true
  input_device: USB Mic

video:
  enabled: true
  interval: 2s
  scale: 2
  jpeg_quality: 80
  source: static
  source_path: /tmp/still.png
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_AllFields(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	tr := cfg.Transport
	if tr.Name != "gemini-live" || tr.APIKey != "test-key" || tr.Model != "gemini-live-test" || tr.Voice != "Puck" {
		t.Errorf("transport = %+v", tr)
	}
	a := cfg.Audio
	if a.BlockSize != 1024 || a.OutputChannels != 2 || a.VolumeGain != 250 || !a.Muted || a.InputDevice != "USB Mic" {
		t.Errorf("audio = %+v", a)
	}
	if a.VolumeInterval != 50*time.Millisecond {
		t.Errorf("volume_interval = %v, want 50ms", a.VolumeInterval)
	}
	v := cfg.Video
	if !v.Enabled || v.Interval != 2*time.Second || v.Scale != 2 || v.JPEGQuality != 80 || v.Source != config.VideoSourceStatic {
		t.Errorf("video = %+v", v)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	checks := []struct {
		name     string
		got, def any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"transport.name", cfg.Transport.Name, config.DefaultTransport},
		{"input_sample_rate", cfg.Audio.InputSampleRate, config.DefaultInputSampleRate},
		{"block_size", cfg.Audio.BlockSize, config.DefaultBlockSize},
		{"output_sample_rate", cfg.Audio.OutputSampleRate, config.DefaultOutputSampleRate},
		{"output_channels", cfg.Audio.OutputChannels, config.DefaultOutputChannels},
		{"volume_gain", cfg.Audio.VolumeGain, float64(config.DefaultVolumeGain)},
		{"volume_interval", cfg.Audio.VolumeInterval, config.DefaultVolumeInterval},
		{"send_queue", cfg.Audio.SendQueue, config.DefaultSendQueue},
		{"video.interval", cfg.Video.Interval, config.DefaultVideoInterval},
		{"video.scale", cfg.Video.Scale, config.DefaultVideoScale},
		{"video.jpeg_quality", cfg.Video.JPEGQuality, config.DefaultJPEGQuality},
		{"video.source", cfg.Video.Source, config.VideoSourceNone},
	}
	for _, c := range checks {
		if c.got != c.def {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.def)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  sample_rate: 16000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load err = %v, want ErrNotExist", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, sampleYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Voice != "Puck" {
		t.Errorf("voice = %q", cfg.Transport.Voice)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate example: %v", err)
	}
	if cfg.Audio.VolumeInterval != 100*time.Millisecond || cfg.Video.Interval != time.Second {
		t.Errorf("durations = %v / %v", cfg.Audio.VolumeInterval, cfg.Video.Interval)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"channels", "audio:\n  output_channels: 6\n", "audio.output_channels"},
		{"negative rate", "audio:\n  input_sample_rate: -1\n", "audio.input_sample_rate"},
		{"quality", "video:\n  jpeg_quality: 150\n", "video.jpeg_quality"},
		{"video source", "video:\n  source: webcam\n", "video.source"},
		{"static path", "video:\n  source: static\n", "video.source_path"},
		{"self fallback", "transport:\n  name: gemini-live\n  fallbacks: [gemini-live]\n", "transport.fallbacks[0]"},
		{"breaker reset", "transport:\n  breaker_reset: -1s\n", "transport.breaker_reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
video:
  jpeg_quality: 101
`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "video.jpeg_quality"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownTransportOnlyWarns(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "transport:\n  name: my-custom\n")
	if cfg.Transport.Name != "my-custom" {
		t.Errorf("name = %q", cfg.Transport.Name)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateTransport(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var got config.TransportConfig
	mock := &transportmock.Transport{}
	reg.RegisterTransport("mock", func(cfg config.TransportConfig) (transport.Transport, error) {
		got = cfg
		return mock, nil
	})
	reg.RegisterTransport("broken", func(config.TransportConfig) (transport.Transport, error) {
		return nil, errors.New("no key")
	})

	tr, err := reg.CreateTransport(config.TransportConfig{Name: "mock", Model: "m"})
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if tr != mock || got.Model != "m" {
		t.Errorf("factory not used as expected: %v %+v", tr, got)
	}
	if _, err := tr.Open(context.Background(), transport.Config{}); err != nil {
		t.Errorf("Open: %v", err)
	}

	if _, err := reg.CreateTransport(config.TransportConfig{Name: "nope"}); !errors.Is(err, config.ErrTransportNotRegistered) {
		t.Errorf("err = %v, want ErrTransportNotRegistered", err)
	}
	if _, err := reg.CreateTransport(config.TransportConfig{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("factory error not propagated: %v", err)
	}

	if !reg.HasTransport("mock") || reg.HasTransport("nope") {
		t.Error("HasTransport mismatch")
	}
	if names := reg.TransportNames(); !slices.Equal(names, []string{"broken", "mock"}) {
		t.Errorf("names = %v", names)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}
