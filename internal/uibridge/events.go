package uibridge

import "time"

// EventVersion is bumped whenever an event's JSON shape changes
// incompatibly.
const EventVersion = 1

// Event is the envelope shared by every message pushed to UI clients.
type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

type StateEvent struct {
	Event
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type VolumeEvent struct {
	Event
	Level int `json:"level"`
}

type InterruptedEvent struct {
	Event
	Stopped int `json:"stopped"`
}

type TransportErrorEvent struct {
	Event
	Error string `json:"error"`
}

type ModelTextEvent struct {
	Event
	Text string `json:"text"`
}

type ClosedEvent struct {
	Event
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
