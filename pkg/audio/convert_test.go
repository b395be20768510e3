package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// level returns frames*channels little-endian PCM16 samples all equal to v.
func level(v int16, frames, channels int) []byte {
	out := make([]byte, frames*channels*2)
	for i := 0; i < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func pcmSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

var (
	modelOut  = audio.Format{SampleRate: 24000, Channels: 1}
	modelIn   = audio.Format{SampleRate: 16000, Channels: 1}
	deskSink  = audio.Format{SampleRate: 48000, Channels: 2}
	stereo24k = audio.Format{SampleRate: 24000, Channels: 2}
)

func TestConformer_KeepsChunkDuration(t *testing.T) {
	t.Parallel()

	const chunk = 20 * time.Millisecond
	tests := []struct {
		name       string
		src        audio.Format
		target     audio.Format
		wantFrames int
	}{
		{"model speech on 48k stereo device", modelOut, deskSink, 960},
		{"16k input to 24k sink", modelIn, modelOut, 480},
		{"24k speech on 16k device", modelOut, modelIn, 320},
		{"stereo speech on mono sink", stereo24k, modelOut, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			inFrames := int(int64(chunk) * int64(tt.src.SampleRate) / int64(time.Second))
			c := audio.Conformer{Target: tt.target}
			out := c.Conform(level(1200, inFrames, tt.src.Channels), tt.src)

			data, err := audio.DecodeFrame(out, tt.target.Channels)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			buf := &audio.Buffer{Data: data, SampleRate: tt.target.SampleRate}
			if buf.Frames() != tt.wantFrames {
				t.Errorf("frames = %d, want %d", buf.Frames(), tt.wantFrames)
			}
			if buf.Duration() != chunk {
				t.Errorf("duration = %v, want %v", buf.Duration(), chunk)
			}
			for i, s := range pcmSamples(out) {
				if s != 1200 {
					t.Fatalf("sample %d = %d, want 1200 (constant input stays constant)", i, s)
				}
			}
		})
	}
}

func TestConformer_MatchingFormatReturnsInput(t *testing.T) {
	t.Parallel()

	c := audio.Conformer{Target: modelOut}
	pcm := level(7, 240, 1)
	out := c.Conform(pcm, modelOut)
	if len(out) != len(pcm) || &out[0] != &pcm[0] {
		t.Error("matching format should return the input slice untouched")
	}
}

func TestConformer_UpmixDuplicatesChannels(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 0, 8)
	for _, v := range []int16{-3000, 500, 3000, -500} {
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
	}
	c := audio.Conformer{Target: deskSink}
	got := pcmSamples(c.Conform(pcm, modelOut))
	if len(got) != 16 {
		t.Fatalf("got %d samples, want 16 (8 stereo frames)", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != got[i+1] {
			t.Errorf("frame %d: L=%d R=%d, want equal", i/2, got[i], got[i+1])
		}
	}
	if got[0] != -3000 {
		t.Errorf("first sample = %d, want -3000", got[0])
	}
}

func TestConformer_DownmixAverages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		l, r int16
		want int16
	}{
		{"opposite", 100, 300, 200},
		{"negative", -100, -300, -200},
		{"full scale", 32767, 32767, 32767},
		{"cancel", -32768, 32767, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pcm := binary.LittleEndian.AppendUint16(nil, uint16(tt.l))
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(tt.r))
			c := audio.Conformer{Target: modelOut}
			got := pcmSamples(c.Conform(pcm, stereo24k))
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("got %v, want [%d]", got, tt.want)
			}
		})
	}
}

func TestConformer_InvalidSourceRatePassesThrough(t *testing.T) {
	t.Parallel()

	c := audio.Conformer{Target: modelOut}
	pcm := level(1, 10, 1)
	if out := c.Conform(pcm, audio.Format{SampleRate: 0, Channels: 1}); len(out) != len(pcm) {
		t.Errorf("got %d bytes, want %d", len(out), len(pcm))
	}
}
