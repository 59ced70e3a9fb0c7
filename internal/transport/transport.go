// Package transport defines the duplex byte-stream abstraction the protocol
// session drives, and a WebSocket implementation of it (spec §6.3, §4.2).
package transport

import "context"

// EventKind tags the variant of an Event.
type EventKind int

const (
	// EventConnecting is emitted the moment Connect begins dialing.
	EventConnecting EventKind = iota
	// EventConnected is emitted once the duplex stream is ready to send/recv.
	EventConnected
	// EventDisconnected is emitted when the stream closes for any reason —
	// graceful Disconnect, a read/write error, or the peer closing first.
	// Err is nil for a graceful local Disconnect.
	EventDisconnected
	// EventFrame carries one inbound frame's payload (length-prefix already
	// stripped).
	EventFrame
)

// Event is the tagged union a Transport emits on its Events() channel.
type Event struct {
	Kind  EventKind
	Err   error
	Frame []byte
}

// Transport is a duplex byte-stream abstraction: connect, disconnect, send a
// single frame, and observe a stream of connection/frame events (spec
// §6.3). Implementations own exactly one underlying connection at a time;
// Connect must not be called again until a prior connection has fully
// emitted EventDisconnected.
type Transport interface {
	// Connect dials the remote endpoint. It blocks through the dial and
	// returns its error; success/failure is also reported via Events().
	Connect(ctx context.Context) error
	// Disconnect closes the current connection, if any. It is idempotent.
	Disconnect()
	// Send transmits one already-framed payload (length-prefixed protobuf
	// bytes, see internal/wire). Returns an error if no connection is open.
	Send(frame []byte) error
	// Events returns the channel of connection lifecycle and inbound-frame
	// events. The channel is closed only when the Transport itself is
	// permanently torn down (never during an ordinary reconnect cycle).
	Events() <-chan Event
}
