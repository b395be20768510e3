package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/pkg/transport"
)

// ErrAllFailed is returned by [Failover.Open] when every transport failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all transports failed")

var _ transport.Transport = (*Failover)(nil)

type entry struct {
	name    string
	tr      transport.Transport
	breaker *Breaker
}

// Failover opens sessions on the first of several transports whose breaker
// admits the attempt and whose Open succeeds. Entries are tried in the order
// they were added.
type Failover struct {
	cfg     BreakerConfig
	entries []entry
}

// NewFailover creates a [Failover] with primary as its first entry. cfg is
// the template for each entry's breaker; Name is replaced per entry.
func NewFailover(primaryName string, primary transport.Transport, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback transport. Add must not be called concurrently with
// Open.
func (f *Failover) Add(name string, tr transport.Transport) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, entry{name: name, tr: tr, breaker: NewBreaker(cfg)})
}

// Open tries each transport in turn. A cancelled ctx stops the walk.
func (f *Failover) Open(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	var errs []error
	for _, e := range f.entries {
		var sess transport.Session
		err := e.breaker.Do(func() error {
			var err error
			sess, err = e.tr.Open(ctx, cfg)
			return err
		})
		if err == nil {
			if len(errs) > 0 {
				slog.Info("transport failover", "transport", e.name, "skipped", len(errs))
			}
			return sess, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("resilience: open %s: %w", e.name, err)
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping transport, circuit open", "transport", e.name)
		} else {
			slog.Warn("transport open failed, trying next", "transport", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// States returns each transport's breaker state keyed by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Healthy reports whether at least one breaker would admit an attempt.
func (f *Failover) Healthy() bool {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
