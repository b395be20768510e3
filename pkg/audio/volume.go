package audio

import (
	"math"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/clock"
)

const (
	// DefaultVolumeGain scales RMS into the 0–100 visualiser range.
	DefaultVolumeGain = 300

	// DefaultVolumeInterval is the minimum time between volume updates.
	DefaultVolumeInterval = 100 * time.Millisecond
)

// VolumeMeter turns raw capture blocks into a throttled 0–100 loudness value
// for UI feedback. It is safe for concurrent use.
type VolumeMeter struct {
	gain     float64
	interval time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	level   int
	last    time.Time
	updated bool
}

// NewVolumeMeter returns a meter with the given gain and throttle interval.
// Non-positive values select [DefaultVolumeGain] and [DefaultVolumeInterval];
// a nil clock selects [clock.Real].
func NewVolumeMeter(gain float64, interval time.Duration, clk clock.Clock) *VolumeMeter {
	if gain <= 0 {
		gain = DefaultVolumeGain
	}
	if interval <= 0 {
		interval = DefaultVolumeInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &VolumeMeter{gain: gain, interval: interval, clk: clk}
}

// Sample recomputes the level from block if at least the throttle interval has
// elapsed since the previous update. It returns the current level and whether
// it was recomputed.
func (m *VolumeMeter) Sample(block []float32) (int, bool) {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updated && now.Sub(m.last) < m.interval {
		return m.level, false
	}
	m.level = Loudness(block, m.gain)
	m.last = now
	m.updated = true
	return m.level, true
}

// Level returns the most recently computed value.
func (m *VolumeMeter) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Loudness returns RMS(block) × gain, truncated and clamped to [0, 100].
// An empty block yields 0.
func Loudness(block []float32, gain float64) int {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	v := math.Sqrt(sum/float64(len(block))) * gain
	if v > 100 {
		return 100
	}
	return int(v)
}
