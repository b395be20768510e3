package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/transport"
)

// runInbound routes transport events until the event stream closes or ctx is
// cancelled. A closed stream is the remote side ending the session.
func (c *Controller) runInbound(ctx context.Context, sess transport.Session, p pipeline) {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			audio.Drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				c.finish(StateClosed, sess.Err())
				return
			}
			batch, open := collect(ev, events)
			for _, ev := range prioritize(batch) {
				c.handle(ctx, p, ev)
			}
			if !open {
				c.finish(StateClosed, sess.Err())
				return
			}
		}
	}
}

// collect returns first plus every event already waiting on events, up to
// maxBatch. open is false if the stream closed while draining.
func collect(first transport.Event, events <-chan transport.Event) (batch []transport.Event, open bool) {
	batch = append(batch, first)
	for len(batch) < maxBatch {
		select {
		case ev, ok := <-events:
			if !ok {
				return batch, false
			}
			batch = append(batch, ev)
		default:
			return batch, true
		}
	}
	return batch, true
}

// prioritize gives an interruption priority over audio that arrived together
// with it: when batch contains an interrupt, every audio chunk in the batch
// is discarded and a single interrupt leads the result. Other events keep
// their relative order.
//
// Position inside the batch is not considered, so audio queued after the
// interrupt is dropped as well. When the inbound loop lags behind the
// transport, that can be the opening of the model's next turn.
func prioritize(batch []transport.Event) []transport.Event {
	interrupted := false
	for _, ev := range batch {
		if ev.Kind == transport.EventInterrupt {
			interrupted = true
			break
		}
	}
	if !interrupted {
		return batch
	}

	out := make([]transport.Event, 0, len(batch))
	out = append(out, transport.Event{Kind: transport.EventInterrupt})
	for _, ev := range batch {
		switch ev.Kind {
		case transport.EventAudio, transport.EventInterrupt:
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (c *Controller) handle(ctx context.Context, p pipeline, ev transport.Event) {
	switch ev.Kind {
	case transport.EventAudio:
		rate := audio.ParsePCMRate(ev.MediaType, audio.DefaultOutputSampleRate)
		now := p.sink.Now()
		buf, err := p.sched.Enqueue(ev.Audio, rate)
		switch {
		case err == nil:
			c.metrics.ChunksScheduled.Add(ctx, 1)
			c.metrics.SchedulingLead.Record(ctx, max(buf.Start-now, 0).Seconds())
		case errors.Is(err, playback.ErrDecodeFailure):
			c.metrics.DecodeFailures.Add(ctx, 1)
		default:
			slog.Debug("session: chunk not scheduled", "session_id", c.id, "err", err)
		}

	case transport.EventInterrupt:
		n := p.sched.Interrupt()
		c.metrics.RecordInterruption(ctx, n)
		slog.Debug("session: interrupted", "session_id", c.id, "stopped", n)
		c.emit(Event{Kind: EventInterrupted, Stopped: n})

	case transport.EventText:
		c.emit(Event{Kind: EventModelText, Text: ev.Text})

	case transport.EventError:
		c.metrics.RecordTransportError(ctx, c.name)
		slog.Warn("session: transport error", "session_id", c.id, "transport", c.name, "err", ev.Err)
		c.emit(Event{Kind: EventTransportError, Err: ev.Err})
	}
}
