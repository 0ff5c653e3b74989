// Package transport declares the capability the DHT core consumes
// from the browserless WebRTC layer: an ordered, reliable,
// message-oriented byte stream per peer. The session negotiation
// (ICE/SDP/data-channel setup) that produces a Stream is entirely out
// of the core's scope — see spec §6.
package transport

// State is the lifecycle of a Stream.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is an ordered reliable channel to exactly one peer. A single
// JSON text frame is exchanged per Send call; frames arrive at the
// far end in the order they were sent.
type Stream interface {
	// Send hands a single UTF-8 JSON frame to the transport. It
	// returns an error only when the stream cannot accept writes
	// (e.g. already closed); the core treats any error the same way
	// it treats State() != Open (see linkrpc.RPC.Send).
	Send(frame []byte) error

	// State reports the current lifecycle stage.
	State() State

	// OnMessage registers the callback invoked for every inbound
	// frame. Only one callback is supported; registering again
	// replaces the previous one.
	OnMessage(func(frame []byte))

	// OnClose registers the callback invoked exactly once when the
	// stream transitions to Closed.
	OnClose(func())

	// OnError registers the callback invoked on transport-level
	// errors that do not necessarily close the stream.
	OnError(func(error))

	// Close closes the stream from this side.
	Close() error
}
