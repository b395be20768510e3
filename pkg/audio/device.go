// Package audio defines the audio data types, device capabilities, and the
// PCM16 frame codec used by the Parley live-session pipeline.
//
// The two device abstractions are:
//
//   - [Source]: a microphone that delivers fixed-size float blocks at a fixed
//     rate through a callback.
//   - [Sink]: a speaker with its own virtual clock that plays decoded
//     [Buffer] values at a scheduled start time.
//
// Concrete implementations live in sub-packages (audio/portaudio for real
// hardware, audio/mock for tests). Capabilities are injected explicitly; no
// component looks devices up from ambient globals.
package audio

import (
	"context"
	"time"
)

// Source is an audio input device producing fixed-size blocks.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Format reports the sample rate and channel count of delivered blocks.
	Format() Format

	// Start begins capture and invokes onBlock for every block, sequentially,
	// from the device goroutine. onBlock must not block and must not retain
	// the slice after it returns. ctx bounds the start attempt only.
	Start(ctx context.Context, onBlock func(block []float32)) error

	// Stop halts capture. It is safe to call Stop more than once.
	Stop() error
}

// Voice is the handle of a single scheduled [Buffer] on a [Sink].
type Voice interface {
	// Stop silences the buffer immediately. Stopping a finished voice is a
	// no-op.
	Stop()

	// Done is closed once the buffer has finished playing or was stopped.
	Done() <-chan struct{}
}

// Sink is an audio output device with its own virtual clock.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Format reports the output sample rate and channel count.
	Format() Format

	// Now returns the current position of the device's virtual clock.
	Now() time.Duration

	// Schedule queues buf to start at buf.Start on the virtual clock. A start
	// time in the past plays immediately.
	Schedule(buf *Buffer) (Voice, error)

	// Close stops all voices and releases the device. Idempotent.
	Close() error
}
