package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/video"
)

var (
	// ErrDeviceAccessDenied is the cause of a Failed session whose devices
	// could not be acquired or started.
	ErrDeviceAccessDenied = errors.New("session: device access denied")

	// ErrTransportOpenFailed is the cause of a Failed session whose transport
	// handshake did not complete.
	ErrTransportOpenFailed = errors.New("session: transport open failed")

	// ErrNotIdle is returned by Start on a controller that already started.
	ErrNotIdle = errors.New("session: controller already started")

	// ErrClosed is returned by Start when Close won the race against it.
	ErrClosed = errors.New("session: closed")
)

// State is a controller lifecycle state.
//
//	Idle → Connecting → Connected → Closing → Closed
//
// Failed is terminal and reachable from Connecting. A controller reaches
// exactly one terminal state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// EventKind identifies an upward [Event].
type EventKind int

const (
	// EventVolume carries a fresh microphone level in Volume.
	EventVolume EventKind = iota + 1

	// EventInterrupted reports a barge-in; Stopped holds how many scheduled
	// buffers were cut short.
	EventInterrupted

	// EventTransportError reports a non-fatal transport or send failure.
	EventTransportError

	// EventModelText carries text the model emitted alongside its audio.
	EventModelText
)

func (k EventKind) String() string {
	switch k {
	case EventVolume:
		return "volume"
	case EventInterrupted:
		return "interrupted"
	case EventTransportError:
		return "transport_error"
	case EventModelText:
		return "model_text"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification for the UI layer. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Volume  int
	Stopped int
	Text    string
	Err     error
}

// Media is the set of device handles granted to one session.
type Media struct {
	Mic     audio.Source
	Speaker audio.Sink

	// Camera may be nil, in which case no stills are sent.
	Camera video.Source
}

// Devices grants a session exclusive use of the microphone, speaker and
// camera. The controller calls Release exactly once for every successful
// Acquire.
type Devices interface {
	Acquire(ctx context.Context) (Media, error)
	Release() error
}
