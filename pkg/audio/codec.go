package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedFrame is returned by [DecodeFrame] when the byte length is not a
// whole number of interleaved 16-bit sample frames.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// pcmScale maps [-1, 1) floats onto the int16 range.
const pcmScale = 32768

// EncodeFrame converts float samples to little-endian PCM16. Each sample is
// scaled by 32768 and truncated toward zero.
//
// Input outside [-1, 1) is not clipped: the scaled value wraps modulo 2^16
// (1.0 encodes as -32768). Callers keep samples in range.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * pcmScale))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeFrame reinterprets data as interleaved little-endian PCM16 with the
// given channel count and returns one float slice per channel, each sample
// divided by 32768.
func DecodeFrame(data []byte, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrMalformedFrame, channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedFrame, len(data), 2*channels)
	}
	frames := len(data) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			out[c][i] = float32(v) / pcmScale
		}
	}
	return out, nil
}

// EncodeText maps frame bytes to the transport-safe text form (standard
// base64). The mapping round-trips every byte value exactly.
func EncodeText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeText reverses [EncodeText].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode text: %w", err)
	}
	return b, nil
}

// MediaTypePCM returns the media type tag for raw PCM16 at rate,
// e.g. "audio/pcm;rate=16000".
func MediaTypePCM(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the rate parameter from a PCM media type. It returns
// fallback when the type carries no parsable rate.
func ParsePCMRate(mediaType string, fallback int) int {
	for param := range strings.SplitSeq(mediaType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
