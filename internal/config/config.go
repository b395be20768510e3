// Package config provides the configuration schema, loader, transport
// registry and hot-reload watcher for the Parley live-session daemon.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VideoSource selects where camera frames come from.
type VideoSource string

const (
	// VideoSourceNone disables stills entirely.
	VideoSourceNone VideoSource = "none"

	// VideoSourceStatic sends a fixed image loaded from video.source_path.
	VideoSourceStatic VideoSource = "static"

	// VideoSourceUpload takes frames posted by the UI to /camera/frame.
	VideoSourceUpload VideoSource = "upload"
)

// IsValid reports whether v is a recognised video source.
func (v VideoSource) IsValid() bool {
	switch v {
	case VideoSourceNone, VideoSourceStatic, VideoSourceUpload:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Video     VideoConfig     `yaml:"video"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control and metrics server
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// HistoryPath is a JSON-lines file recording every finished session.
	// Empty disables the history.
	HistoryPath string `yaml:"history_path"`

	// HistoryDB is a SQLite database file. It takes precedence over
	// HistoryPath.
	HistoryDB string `yaml:"history_db"`

	// HistoryDSN is a PostgreSQL connection string. It takes precedence over
	// both HistoryDB and HistoryPath.
	HistoryDSN string `yaml:"history_dsn"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig selects and configures the realtime model connection.
// Name is looked up in the [Registry].
type TransportConfig struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the model API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the transport's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// Voice selects a prebuilt output voice. Empty uses the model default.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent during setup.
	Instructions string `yaml:"instructions"`

	// Fallbacks names further registered transports tried in order when
	// connecting through Name fails. They share this block's credentials.
	Fallbacks []string `yaml:"fallbacks"`

	// BreakerFailures is the number of consecutive connect failures that
	// take a transport out of rotation. Default: 3.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset is how long a failing transport stays out of rotation.
	// Default: 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig configures the microphone and speaker pipeline.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	BlockSize        int `yaml:"block_size"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// VolumeGain scales RMS into the 0–100 visualiser range.
	VolumeGain float64 `yaml:"volume_gain"`

	// VolumeInterval is the minimum time between volume updates.
	VolumeInterval time.Duration `yaml:"volume_interval"`

	// Muted starts the microphone muted. Hot-reloadable.
	Muted bool `yaml:"muted"`

	// InputDevice and OutputDevice select devices by name. Empty uses the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// SendQueue is the capacity of the outbound frame queue.
	SendQueue int `yaml:"send_queue"`
}

// VideoConfig configures the still-frame sampler.
type VideoConfig struct {
	// Enabled turns stills on. Hot-reloadable.
	Enabled bool `yaml:"enabled"`

	Interval    time.Duration `yaml:"interval"`
	Scale       int           `yaml:"scale"`
	JPEGQuality int           `yaml:"jpeg_quality"`

	Source     VideoSource `yaml:"source"`
	SourcePath string      `yaml:"source_path"`
}
