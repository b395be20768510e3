package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultTransport        = "gemini-live"
	DefaultModel            = "gemini-2.0-flash-live-001"
	DefaultInputSampleRate  = 16000
	DefaultBlockSize        = 2048
	DefaultOutputSampleRate = 24000
	DefaultOutputChannels   = 1
	DefaultVolumeGain       = 300
	DefaultVolumeInterval   = 100 * time.Millisecond
	DefaultSendQueue        = 32
	DefaultVideoInterval    = time.Second
	DefaultVideoScale       = 4
	DefaultJPEGQuality      = 70
)

// ValidTransportNames lists the built-in transport names. [Validate] warns
// about names not on this list; a third-party transport may still be
// registered under any name.
var ValidTransportNames = []string{"gemini-live", "genai-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Transport.Name, DefaultTransport)
	setDefault(&cfg.Transport.Model, DefaultModel)

	a := &cfg.Audio
	setDefault(&a.InputSampleRate, DefaultInputSampleRate)
	setDefault(&a.BlockSize, DefaultBlockSize)
	setDefault(&a.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&a.OutputChannels, DefaultOutputChannels)
	setDefault(&a.VolumeGain, DefaultVolumeGain)
	setDefault(&a.VolumeInterval, DefaultVolumeInterval)
	setDefault(&a.SendQueue, DefaultSendQueue)

	v := &cfg.Video
	setDefault(&v.Interval, DefaultVideoInterval)
	setDefault(&v.Scale, DefaultVideoScale)
	setDefault(&v.JPEGQuality, DefaultJPEGQuality)
	setDefault(&v.Source, VideoSourceNone)
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(ValidTransportNames, cfg.Transport.Name) {
		slog.Warn("unknown transport name; may be a typo or third-party transport",
			"name", cfg.Transport.Name,
			"known", ValidTransportNames,
		)
	}
	for i, fb := range cfg.Transport.Fallbacks {
		if fb == "" || fb == cfg.Transport.Name {
			errs = append(errs, fmt.Errorf("transport.fallbacks[%d] %q must name a different transport", i, fb))
		}
	}
	if cfg.Transport.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker_failures %d must be positive", cfg.Transport.BreakerFailures))
	}
	if cfg.Transport.BreakerReset < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker_reset %s must be positive", cfg.Transport.BreakerReset))
	}
	if cfg.Transport.APIKey == "" {
		slog.Warn("transport.api_key is empty; sessions will fail to open until it is set")
	}

	// Audio
	a := cfg.Audio
	if a.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", a.InputSampleRate))
	}
	if a.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", a.OutputSampleRate))
	}
	if a.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.OutputChannels < 0 || a.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", a.OutputChannels))
	}
	if a.VolumeGain < 0 {
		errs = append(errs, fmt.Errorf("audio.volume_gain %.2f must be positive", a.VolumeGain))
	}
	if a.VolumeInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.volume_interval %s must be positive", a.VolumeInterval))
	}
	if a.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", a.SendQueue))
	}

	// Video
	v := cfg.Video
	if v.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s must be positive", v.Interval))
	}
	if v.Scale < 0 {
		errs = append(errs, fmt.Errorf("video.scale %d must be positive", v.Scale))
	}
	if v.JPEGQuality < 0 || v.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %d is out of range [1, 100]", v.JPEGQuality))
	}
	if v.Source != "" && !v.Source.IsValid() {
		errs = append(errs, fmt.Errorf("video.source %q is invalid; valid values: none, static, upload", v.Source))
	}
	if v.Source == VideoSourceStatic && v.SourcePath == "" {
		errs = append(errs, errors.New("video.source_path is required when video.source is static"))
	}
	if v.Enabled && (v.Source == "" || v.Source == VideoSourceNone) {
		slog.Warn("video.enabled is set but video.source is none; no stills will be sent")
	}

	return errors.Join(errs...)
}
