// Package uibridge is the upward interface of a Parley session: it fans
// controller state, volume and barge-in notifications out to UI clients over
// a websocket, and exposes the HTTP control routes that start and steer a
// session.
package uibridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/session"
)

// subscriberBuffer is the per-client backlog. A client that falls further
// behind misses events rather than stalling the session.
const subscriberBuffer = 64

// Hub broadcasts JSON events to every subscribed client. It is safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	now     func() time.Time
}

// NewHub returns a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{}), now: time.Now}
}

// Subscribe registers a new client channel.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers msg to every client without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Attach forwards ctrl's listener callbacks to the hub.
func (h *Hub) Attach(ctrl *session.Controller) {
	id := ctrl.ID()
	ctrl.OnStateChange(func(s session.State) {
		h.broadcastEvent(StateEvent{Event: newEvent("state", h.now()), SessionID: id, State: s.String()})
	})
	ctrl.OnEvent(func(ev session.Event) { h.forward(ev) })
	ctrl.OnClose(func(err error) {
		ce := ClosedEvent{Event: newEvent("closed", h.now()), SessionID: id, State: ctrl.State().String()}
		if err != nil {
			ce.Error = err.Error()
		}
		h.broadcastEvent(ce)
	})
}

func (h *Hub) forward(ev session.Event) {
	switch ev.Kind {
	case session.EventVolume:
		h.broadcastEvent(VolumeEvent{Event: newEvent("volume", h.now()), Level: ev.Volume})
	case session.EventInterrupted:
		h.broadcastEvent(InterruptedEvent{Event: newEvent("interrupted", h.now()), Stopped: ev.Stopped})
	case session.EventTransportError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		h.broadcastEvent(TransportErrorEvent{Event: newEvent("transport_error", h.now()), Error: msg})
	case session.EventModelText:
		h.broadcastEvent(ModelTextEvent{Event: newEvent("model_text", h.now()), Text: ev.Text})
	}
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("uibridge: event marshal failed", "err", err)
		return
	}
	h.Broadcast(payload)
}
