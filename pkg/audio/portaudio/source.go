package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Source captures mono float32 blocks from an input device.
type Source struct {
	rate   int
	block  int
	device string

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewSource returns a Source capturing block-frame mono blocks at rate from
// the named device (empty for the default). The device is opened by Start.
func NewSource(rate, block int, device string) *Source {
	if rate <= 0 {
		rate = audio.DefaultInputSampleRate
	}
	if block <= 0 {
		block = audio.DefaultBlockSize
	}
	return &Source{rate: rate, block: block, device: device}
}

// Format reports mono at the configured rate.
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.rate, Channels: 1}
}

// Start opens the input stream and calls onBlock from PortAudio's callback
// thread for every block. The block slice is reused between calls.
func (s *Source) Start(ctx context.Context, onBlock func(block []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("portaudio: source already started")
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	dev, err := findDevice(s.device, true)
	if err != nil {
		return fmt.Errorf("portaudio: input device: %w", err)
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(s.rate)
	params.FramesPerBuffer = s.block

	stream, err := portaudio.OpenStream(params, func(in []float32) { onBlock(in) })
	if err != nil {
		return fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}
	s.stream = stream
	slog.Debug("portaudio: capture started", "device", dev.Name, "rate", s.rate, "block", s.block)
	return nil
}

// Stop stops and closes the input stream. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop input stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close input stream: %w", err)
	}
	return nil
}
