// Package mock provides an in-memory [session.Devices] for unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/session"
)

// Compile-time interface assertion.
var _ session.Devices = (*Devices)(nil)

// Devices is a mock [session.Devices]. Set the exported fields before the
// controller starts.
type Devices struct {
	mu sync.Mutex

	// Media is returned by Acquire.
	Media session.Media

	// AcquireErr is returned by Acquire when non-nil.
	AcquireErr error

	// Block makes Acquire wait until its context is cancelled.
	Block bool

	// ReleaseErr is returned by Release.
	ReleaseErr error

	acquireCalls int
	releaseCalls int
	acquiring    chan struct{}
}

// Acquire returns Media or AcquireErr.
func (d *Devices) Acquire(ctx context.Context) (session.Media, error) {
	d.mu.Lock()
	d.acquireCalls++
	block, err, media := d.Block, d.AcquireErr, d.Media
	if d.acquiring != nil {
		close(d.acquiring)
		d.acquiring = nil
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return session.Media{}, ctx.Err()
	}
	if err != nil {
		return session.Media{}, err
	}
	return media, nil
}

// Release records the call and returns ReleaseErr.
func (d *Devices) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseCalls++
	return d.ReleaseErr
}

// Acquiring returns a channel closed by the next Acquire call.
func (d *Devices) Acquiring() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquiring == nil {
		d.acquiring = make(chan struct{})
	}
	return d.acquiring
}

// AcquireCalls returns how many times Acquire was called.
func (d *Devices) AcquireCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquireCalls
}

// ReleaseCalls returns how many times Release was called.
func (d *Devices) ReleaseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseCalls
}
