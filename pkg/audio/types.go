package audio

import "time"

const (
	// DefaultInputSampleRate is the capture rate expected by the remote model.
	DefaultInputSampleRate = 16000

	// DefaultOutputSampleRate is the rate of synthesised speech from the model.
	DefaultOutputSampleRate = 24000

	// DefaultBlockSize is the number of mono samples per captured block.
	DefaultBlockSize = 2048
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is one captured block of microphone audio on its way to the transport.
// Frames are transient: produced by the capture loop and consumed once by the
// outbound send.
type Frame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the default input side).
	SampleRate int

	// Seq increases monotonically per capture session. It exists for
	// diagnostics only; delivery order is the send order.
	Seq uint64
}

// Buffer is a decoded block of model speech owned by the playback scheduler
// from decode until it finishes playing or is stopped.
type Buffer struct {
	// Data holds one sample slice per channel, all of equal length.
	Data [][]float32

	// SampleRate in Hz.
	SampleRate int

	// Start is the virtual-clock position at which playback begins. It is
	// assigned exactly once by the scheduler.
	Start time.Duration
}

// Channels returns the number of channels in b.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of sample frames (samples per channel) in b.
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of b: frames / sample rate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// End returns Start + Duration.
func (b *Buffer) End() time.Duration { return b.Start + b.Duration() }
