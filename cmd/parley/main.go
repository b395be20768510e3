// Command parley runs a live voice and video session against a realtime
// model and serves the control UI bridge, health probes and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	paudio "github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/transport/gemini"
	"github.com/MrWong99/parley/pkg/transport/genailive"
	"github.com/MrWong99/parley/pkg/video"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	autoStart := flag.Bool("start", false, "start a session immediately instead of waiting for POST /session/start")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio ─────────────────────────────────────────────────────────────────
	if err := paudio.Initialize(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := paudio.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	printStartupSummary(cfg, reg)

	// Uploaded frames are only served when the config starts with the
	// upload source; switching to it later needs a restart.
	var frames *video.LatestFrame
	if cfg.Video.Source == config.VideoSourceUpload {
		frames = &video.LatestFrame{MinFrames: 2}
	}

	opts := []app.Option{
		app.WithDevices(deviceFactory(frames)),
		app.WithLevelVar(level),
	}
	if frames != nil {
		opts = append(opts, app.WithFrameUpload(frames))
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}

	// ── Session history ───────────────────────────────────────────────────────
	store, closeStore, err := openHistory(ctx, cfg.Server)
	if err != nil {
		slog.Error("failed to open session history", "err", err)
		return 1
	}
	if store != nil {
		opts = append(opts, app.WithHistory(store))
	}

	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		_ = closeStore()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.AddCloser(closeStore)

	if *autoStart {
		go func() {
			if _, err := application.Sessions().Start(ctx); err != nil {
				slog.Error("session start failed", "err", err)
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires the transports that ship with Parley into
// reg. Both speak the Gemini Live protocol; "genai-live" goes through the
// official SDK while "gemini-live" drives the websocket directly.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(entry config.TransportConfig) (transport.Transport, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai-live", func(entry config.TransportConfig) (transport.Transport, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})
}

// ── Session history ───────────────────────────────────────────────────────────

// openHistory opens the database-backed history store if one is configured.
// A nil store leaves the choice to app.New, which falls back to
// server.history_path.
func openHistory(ctx context.Context, cfg config.ServerConfig) (history.Store, func() error, error) {
	noop := func() error { return nil }
	switch {
	case cfg.HistoryDSN != "":
		pg, err := history.NewPGStore(ctx, cfg.HistoryDSN)
		if err != nil {
			return nil, noop, err
		}
		return pg, func() error { pg.Close(); return nil }, nil
	case cfg.HistoryDB != "":
		db, err := history.NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	}
	return nil, noop, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Transport.Name+" / "+cfg.Transport.Model)
	if !reg.HasTransport(cfg.Transport.Name) {
		printRow("", "(not registered)")
	}
	printRow("Voice", cfg.Transport.Voice)
	printRow("Mic rate", fmt.Sprintf("%d Hz", cfg.Audio.InputSampleRate))
	printRow("Speaker rate", fmt.Sprintf("%d Hz x%d", cfg.Audio.OutputSampleRate, cfg.Audio.OutputChannels))
	if cfg.Video.Enabled {
		printRow("Video", fmt.Sprintf("%s every %s", cfg.Video.Source, cfg.Video.Interval))
	} else {
		printRow("Video", "(disabled)")
	}
	switch {
	case cfg.Server.HistoryDSN != "":
		printRow("History", "postgres")
	case cfg.Server.HistoryDB != "":
		printRow("History", "sqlite "+cfg.Server.HistoryDB)
	case cfg.Server.HistoryPath != "":
		printRow("History", cfg.Server.HistoryPath)
	default:
		printRow("History", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
