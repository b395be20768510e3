// Package clock abstracts wall-clock time so that throttles and periodic
// samplers can be driven deterministically in tests.
//
// Production code uses [Real]; tests use the manual clock in clock/mock.
package clock

import "time"

// Ticker delivers ticks on C until Stop is called.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the time source consumed by the audio and video components.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// NewTicker returns a ticker firing every d. d must be > 0.
	NewTicker(d time.Duration) Ticker
}

// Real is the [Clock] backed by the time package.
type Real struct{}

// Compile-time interface assertion.
var _ Clock = Real{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// NewTicker wraps [time.NewTicker].
func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
