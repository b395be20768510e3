// Package portaudio implements [audio.Source] and [audio.Sink] on top of
// PortAudio.
//
// [Initialize] must be called once before opening any device and [Terminate]
// once after the last device is closed.
//
// The sink keeps its own virtual clock: the number of frames handed to the
// output callback. Buffers are scheduled against that clock and mixed into
// the output stream sample-accurately, so back-to-back buffers play without
// gaps regardless of when the caller scheduled them.
package portaudio

import (
	"context"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Initialize initialises the PortAudio library.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// findDevice returns the first device whose name contains name
// (case-insensitive) and that has channels in the requested direction. An
// empty name selects the host default.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for _, d := range devices {
		if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

// ctxErr returns ctx's error if it is already done.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
