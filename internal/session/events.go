package session

import "github.com/inline-chat/inline-sub014/internal/wire"

// EventKind tags the variant of an Event emitted by the session (spec §4.2).
type EventKind int

const (
	EventTransportConnecting EventKind = iota
	EventTransportConnected
	EventTransportDisconnected
	EventProtocolOpen
	EventAuthFailed
	EventAck
	EventRpcResult
	EventRpcError
	EventUpdates
	EventPong
)

// Event is the tagged union the session publishes to its subscribers
// (the connection manager, and — through it — the transaction/sync
// engines).
type Event struct {
	Kind EventKind

	// EventTransportDisconnected
	Err error

	// EventAck, EventRpcResult, EventRpcError
	MsgID uint64

	// EventRpcResult
	Result []byte

	// EventRpcError
	Code    wire.RpcErrorCode
	Message string

	// EventUpdates
	Updates []wire.Update

	// EventPong
	Nonce uint64
}
