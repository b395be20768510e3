package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Conformer converts raw PCM16 chunks from the format the remote side sends
// into the format the output device plays. It logs once on the first
// mismatch. Create one per inbound stream.
type Conformer struct {
	Target Format

	warnedMismatch sync.Once
}

// Conform converts pcm from src to the target format. Matching formats are
// returned unchanged without allocation. Resampling happens before channel
// conversion so a stereo target never resamples twice the data.
func (c *Conformer) Conform(pcm []byte, src Format) []byte {
	if src.SampleRate == c.Target.SampleRate && src.Channels == c.Target.Channels {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("inbound audio format differs from output device: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 2 {
			pcm = ResampleStereo16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		}
	}

	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates every mono int16 sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		copy(out[i*2:], pcm[i:i+2])
		copy(out[i*2+2:], pcm[i:i+2])
	}
	return out
}

// StereoToMono averages each L+R frame into a single sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM16 from srcRate to dstRate
// using linear interpolation. Equal or invalid rates return pcm unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sampleAt returns the n-th little-endian int16 sample of pcm.
func sampleAt(pcm []byte, n int) int16 {
	return int16(pcm[n*2]) | int16(pcm[n*2+1])<<8
}

func putSample(pcm []byte, n int, v int16) {
	pcm[n*2] = byte(v)
	pcm[n*2+1] = byte(v >> 8)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
