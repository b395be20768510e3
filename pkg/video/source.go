package video

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // decoder registration for LoadStaticSource
	_ "image/png"  // decoder registration for LoadStaticSource
	"os"
	"sync"
)

// ErrNotReady is returned by a [Source] that has no usable frame yet.
var ErrNotReady = errors.New("video: source not ready")

// Source yields the current camera frame on demand.
type Source interface {
	// Frame returns the latest frame or ErrNotReady. It must not block.
	Frame() (image.Image, error)
}

// StaticSource always returns the same image. It stands in for a camera when
// running headless.
type StaticSource struct {
	img image.Image
}

// NewStaticSource wraps img.
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{img: img}
}

// LoadStaticSource decodes a PNG or JPEG file into a StaticSource.
func LoadStaticSource(path string) (*StaticSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("video: open %q: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("video: decode %q: %w", path, err)
	}
	return NewStaticSource(img), nil
}

// Frame returns the wrapped image, or ErrNotReady if it is nil.
func (s *StaticSource) Frame() (image.Image, error) {
	if s.img == nil {
		return nil, ErrNotReady
	}
	return s.img, nil
}

// LatestFrame is a Source fed by a camera driver through Put. It reports
// ErrNotReady until MinFrames frames have arrived, so the first still is not
// taken from a camera that is still warming up.
type LatestFrame struct {
	MinFrames int

	mu     sync.Mutex
	latest image.Image
	count  int
}

// Put records img as the newest frame.
func (l *LatestFrame) Put(img image.Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = img
	l.count++
}

// Reset forgets all frames, e.g. when the camera is switched off.
func (l *LatestFrame) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = nil
	l.count = 0
}

// Frame returns the newest frame once enough have been buffered.
func (l *LatestFrame) Frame() (image.Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil || l.count < max(l.MinFrames, 1) {
		return nil, ErrNotReady
	}
	return l.latest, nil
}
