// Package events implements the typed event dispatch called for in the
// engine's design notes: a closed tagged union of event kinds plus a
// handler table, replacing the class-name keyed dispatch of the source
// this engine's behavior is modeled on.
package events

import "fmt"

// Kind identifies a category of engine event. The set is closed; On or
// Dispatch with a Kind outside it is a programming error and panics.
type Kind int

const (
	StateChanged Kind = iota
	TransportError
	TurnChanged
	IncomingCall
	OutgoingCall
	AbortCall
	Hangup
	Error
	Message
	RemoteTrack
	RemoteStream
	ICEStateChange
	SignalingStateChange
	numKinds
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case TransportError:
		return "transport_error"
	case TurnChanged:
		return "turn_changed"
	case IncomingCall:
		return "incomingcall"
	case OutgoingCall:
		return "outgoingcall"
	case AbortCall:
		return "abortcall"
	case Hangup:
		return "hangup"
	case Error:
		return "error"
	case Message:
		return "message"
	case RemoteTrack:
		return "track"
	case RemoteStream:
		return "stream"
	case ICEStateChange:
		return "icestatechange"
	case SignalingStateChange:
		return "signalingstatechange"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Handler receives the event payload for a single Kind.
type Handler func(payload any)

// Dispatcher holds one handler slot per Kind and fans events out to it.
// It is not safe for concurrent registration and dispatch; callers should
// register handlers before starting the engine's loop.
type Dispatcher struct {
	handlers [numKinds]Handler
}

// NewDispatcher returns an empty dispatcher; unregistered kinds are
// silently dropped on Dispatch (not every consumer cares about every kind).
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// On registers h for kind, replacing any previous handler.
func (d *Dispatcher) On(kind Kind, h Handler) {
	if kind < 0 || kind >= numKinds {
		panic(fmt.Sprintf("events: On called with unknown kind %d", kind))
	}
	d.handlers[kind] = h
}

// Dispatch invokes the handler registered for kind, if any.
func (d *Dispatcher) Dispatch(kind Kind, payload any) {
	if kind < 0 || kind >= numKinds {
		panic(fmt.Sprintf("events: Dispatch called with unknown kind %d", kind))
	}
	if h := d.handlers[kind]; h != nil {
		h(payload)
	}
}

// StateChangedPayload accompanies StateChanged events.
type StateChangedPayload struct {
	Connected bool
	State     string
}

// TurnChangedPayload accompanies TurnChanged events. When Cancel is set,
// the session controller does not replace the call engine's ICE server
// list with these credentials.
type TurnChangedPayload struct {
	Username string
	Password string
	TTL      int
	URIs     []string
	Cancel   bool
}

// ErrorPayload accompanies Error and TransportError events.
type ErrorPayload struct {
	Code    string
	Message string
}

// CallPayload accompanies IncomingCall/OutgoingCall/AbortCall/Hangup events.
type CallPayload struct {
	User    string
	Group   string
	Reason  string
	Profile any
}

// MediaPayload accompanies RemoteTrack and RemoteStream events. Track and
// Stream are peer.Track/peer.Stream values; they are carried as `any` so
// this package stays below the peer abstraction in the import graph.
type MediaPayload struct {
	User   string
	Track  any
	Stream any
}

// ConnStatePayload accompanies ICEStateChange and SignalingStateChange
// events with the peer whose connection changed and the new state string.
type ConnStatePayload struct {
	User  string
	State string
}
