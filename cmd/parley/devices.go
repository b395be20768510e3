package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/session"
	paudio "github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/video"
)

// hardwareDevices opens the PortAudio microphone and speaker and, when
// configured, the still-image camera for one session.
type hardwareDevices struct {
	audio  config.AudioConfig
	video  config.VideoConfig
	frames *video.LatestFrame

	mu   sync.Mutex
	mic  *paudio.Source
	sink *paudio.Sink
}

var _ session.Devices = (*hardwareDevices)(nil)

// deviceFactory returns the per-session device factory. frames backs the
// "upload" video source and may be nil otherwise.
func deviceFactory(frames *video.LatestFrame) func(*config.Config) (session.Devices, error) {
	return func(cfg *config.Config) (session.Devices, error) {
		return &hardwareDevices{audio: cfg.Audio, video: cfg.Video, frames: frames}, nil
	}
}

// Acquire opens the output stream and prepares the input. The input stream
// itself opens when capture starts.
func (d *hardwareDevices) Acquire(ctx context.Context) (session.Media, error) {
	if err := ctx.Err(); err != nil {
		return session.Media{}, err
	}

	var camera video.Source
	switch d.video.Source {
	case config.VideoSourceStatic:
		src, err := video.LoadStaticSource(d.video.SourcePath)
		if err != nil {
			return session.Media{}, fmt.Errorf("open camera: %w", err)
		}
		camera = src
	case config.VideoSourceUpload:
		if d.frames != nil {
			// Frames from a previous session are stale.
			d.frames.Reset()
			camera = d.frames
		}
	}

	sink, err := paudio.OpenSink(d.audio.OutputSampleRate, d.audio.OutputChannels, d.audio.BlockSize, d.audio.OutputDevice)
	if err != nil {
		return session.Media{}, fmt.Errorf("open speaker: %w", err)
	}
	mic := paudio.NewSource(d.audio.InputSampleRate, d.audio.BlockSize, d.audio.InputDevice)

	d.mu.Lock()
	d.mic, d.sink = mic, sink
	d.mu.Unlock()

	return session.Media{Mic: mic, Speaker: sink, Camera: camera}, nil
}

// Release stops the input stream and closes the output stream.
func (d *hardwareDevices) Release() error {
	d.mu.Lock()
	mic, sink := d.mic, d.sink
	d.mic, d.sink = nil, nil
	d.mu.Unlock()

	var errs []error
	if mic != nil {
		if err := mic.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speaker: %w", err))
		}
	}
	return errors.Join(errs...)
}
