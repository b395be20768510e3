package portaudio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Sink  = (*Sink)(nil)
	_ audio.Voice = (*voice)(nil)
)

// ErrSinkClosed is returned by Schedule after Close.
var ErrSinkClosed = errors.New("portaudio: sink closed")

// Sink plays scheduled buffers on an output device.
type Sink struct {
	format audio.Format

	played atomic.Int64 // frames handed to the device so far

	mu     sync.Mutex
	voices []*voice
	closed bool
	stream *portaudio.Stream
}

// OpenSink opens and starts an output stream at rate with channels, pulling
// block frames per callback from the named device (empty for the default).
func OpenSink(rate, channels, block int, device string) (*Sink, error) {
	s := newSink(audio.Format{SampleRate: rate, Channels: channels})

	dev, err := findDevice(device, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = s.format.Channels
	params.SampleRate = float64(s.format.SampleRate)
	params.FramesPerBuffer = block

	stream, err := portaudio.OpenStream(params, s.fill)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func newSink(format audio.Format) *Sink {
	if format.SampleRate <= 0 {
		format.SampleRate = audio.DefaultOutputSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Sink{format: format}
}

// Format returns the output format.
func (s *Sink) Format() audio.Format { return s.format }

// Now returns the virtual time: frames played so far converted to a duration.
func (s *Sink) Now() time.Duration {
	return s.framesToDuration(s.played.Load())
}

// Schedule queues buf to start at buf.Start on the virtual clock. A start in
// the past plays immediately from the beginning of the buffer.
func (s *Sink) Schedule(buf *audio.Buffer) (audio.Voice, error) {
	if buf.SampleRate != s.format.SampleRate {
		return nil, fmt.Errorf("portaudio: buffer rate %d does not match sink rate %d",
			buf.SampleRate, s.format.SampleRate)
	}
	v := &voice{
		buf:   buf,
		start: s.durationToFrames(buf.Start),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkClosed
	}
	if now := s.played.Load(); v.start < now {
		v.start = now
	}
	s.voices = append(s.voices, v)
	return v, nil
}

// Close stops the output stream and every voice. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := s.voices
	s.voices = nil
	stream := s.stream
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if stream == nil {
		return nil
	}
	return errors.Join(stream.Stop(), stream.Close())
}

// fill is the output callback. out is interleaved; every voice overlapping
// the current window is summed into it.
func (s *Sink) fill(out []float32) {
	clear(out)
	ch := s.format.Channels
	frames := int64(len(out) / ch)

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.played.Load()
	to := from + frames
	kept := s.voices[:0]
	for _, v := range s.voices {
		if v.stopped.Load() {
			continue
		}
		end := v.start + int64(v.buf.Frames())
		if v.start < to && end > from {
			v.mixInto(out, ch, from, to)
		}
		if end <= to {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	clear(s.voices[len(kept):])
	s.voices = kept
	s.played.Add(frames)
}

func (s *Sink) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate)
}

func (s *Sink) durationToFrames(d time.Duration) int64 {
	return int64(d) * int64(s.format.SampleRate) / int64(time.Second)
}

// voice is one scheduled buffer.
type voice struct {
	buf   *audio.Buffer
	start int64 // frame index on the sink clock

	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (v *voice) Stop() {
	v.stopped.Store(true)
	v.finish()
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() { v.once.Do(func() { close(v.done) }) }

// mixInto adds the part of the buffer that falls in [from, to) to out.
// Mono buffers are duplicated across all output channels.
func (v *voice) mixInto(out []float32, ch int, from, to int64) {
	lo := max(v.start, from)
	hi := min(v.start+int64(v.buf.Frames()), to)
	for t := lo; t < hi; t++ {
		src := int(t - v.start)
		dst := int(t-from) * ch
		for c := range ch {
			data := v.buf.Data[min(c, len(v.buf.Data)-1)]
			out[dst+c] += data[src]
		}
	}
}
