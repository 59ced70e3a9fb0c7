package txengine

import (
	"fmt"

	"github.com/inline-chat/inline-sub014/internal/wire"
)

// ErrorKind classifies why a transaction failed (spec §4.3 Error taxonomy).
type ErrorKind int

const (
	// ErrorRPC wraps a typed wire.RpcError returned by the server.
	ErrorRPC ErrorKind = iota
	// ErrorExecution means the apply hook itself returned an error.
	ErrorExecution
	// ErrorInvalid means the server's result could not be interpreted —
	// reserved for callers whose apply hook distinguishes malformed results
	// from ordinary execution failures.
	ErrorInvalid
	// ErrorCancelled means the transaction was dropped before it was ever
	// dispatched to the server.
	ErrorCancelled
)

// Error is the classified failure delivered to a transaction's caller.
type Error struct {
	Kind ErrorKind
	// Code is set only when Kind == ErrorRPC.
	Code wire.RpcErrorCode
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorRPC:
		return fmt.Sprintf("txengine: rpc error %s: %v", e.Code, e.Err)
	case ErrorExecution:
		return fmt.Sprintf("txengine: apply failed: %v", e.Err)
	case ErrorInvalid:
		return fmt.Sprintf("txengine: invalid result: %v", e.Err)
	case ErrorCancelled:
		return "txengine: cancelled"
	default:
		return fmt.Sprintf("txengine: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
