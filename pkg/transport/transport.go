// Package transport defines the real-time connection the session pipeline
// talks through.
//
// A [Transport] opens a [Session]: a full-duplex, ordered channel to a remote
// conversational model. Outbound media (PCM audio blocks, JPEG stills) goes
// through [Session.Send]; everything the remote side says comes back on
// [Session.Events]. The events channel closing is the "closed" notification.
//
// Implementations live in sub-packages (gemini, genai) and are selected by
// name through the config registry. A hand-written fake lives in
// transport/mock.
//
// All implementations must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps every mid-session failure reported by a transport.
	// Such errors are non-fatal; only the closing of the events channel ends a
	// session.
	ErrTransport = errors.New("transport: error")

	// ErrClosed is returned by Send after the session has been closed.
	ErrClosed = errors.New("transport: session closed")
)

// Media types used on the wire.
const (
	MediaTypeJPEG = "image/jpeg"
)

// Frame is one unit of outbound media.
type Frame struct {
	// MediaType is the MIME type of Data, e.g. "audio/pcm;rate=16000" or
	// "image/jpeg".
	MediaType string

	// Data is the raw encoded payload. Transports apply their own text
	// encoding if the wire format needs one.
	Data []byte
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudio carries one chunk of synthesised speech as PCM16.
	EventAudio EventKind = iota + 1

	// EventInterrupt signals barge-in: all queued speech must be discarded.
	EventInterrupt

	// EventText carries model text produced alongside the audio.
	EventText

	// EventError reports a non-fatal transport error.
	EventError
)

// String returns a lower-case name for k.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupt:
		return "interrupt"
	case EventText:
		return "text"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound notification from the remote side.
type Event struct {
	Kind EventKind

	// Audio and MediaType are set for EventAudio.
	Audio     []byte
	MediaType string

	// Text is set for EventText.
	Text string

	// Err is set for EventError and wraps [ErrTransport].
	Err error
}

// Config is the per-session configuration handed to [Transport.Open].
type Config struct {
	// Model is the remote model identifier. Empty selects the transport's
	// default.
	Model string

	// Voice is the prebuilt voice name for synthesised speech.
	Voice string

	// Instructions is the system instruction for the conversation.
	Instructions string

	// InputSampleRate is the rate of outbound PCM audio. Zero means 16000.
	InputSampleRate int
}

// Session is an open connection. The session is open when Open returns it.
type Session interface {
	// Send delivers one frame to the remote side in call order. A failing
	// send does not close the session.
	Send(ctx context.Context, f Frame) error

	// Events returns the inbound event stream. Audio events are delivered in
	// arrival order; an interrupt carried in the same wire message as audio
	// is delivered first and that audio is dropped. The channel is closed
	// when the session ends for any reason.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil for a clean close.
	// Only meaningful after the Events channel has closed.
	Err() error

	// Close terminates the session. Idempotent.
	Close() error
}

// Transport opens sessions against one remote service.
type Transport interface {
	// Open dials the remote side and completes any handshake. Errors returned
	// here mean no session exists and nothing needs closing.
	Open(ctx context.Context, cfg Config) (Session, error)
}

// ErrorEvent builds an EventError event wrapping both [ErrTransport] and err.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
}
