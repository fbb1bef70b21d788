// Package transport implements the client side of the wire: a multiplexed
// framed TCP transport and an HTTP JSON-RPC 2.0 transport.
//
// A Transport moves one RPCMessage to the server and brings one back. It
// knows nothing about the tunnel; Envelopes ride inside Params and Result as
// ordinary wire values.
package transport

import (
	"context"
	"errors"
	"fmt"

	"tunnel-rpc/message"
)

// Transport is a client connection to one server.
type Transport interface {
	// RoundTrip sends req and waits for its response. A non-nil error means
	// no response arrived; a response may still carry a fault in Error.
	RoundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
	Close() error
}

// ErrClosed is returned for calls on a closed or broken transport.
var ErrClosed = errors.New("transport: closed")

// Error is a transport failure seen by a caller: either no response arrived
// (Err set) or the server answered with a fault (Fault set).
type Error struct {
	Method string
	Fault  string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("transport: %s: fault: %s", e.Method, e.Fault)
}

func (e *Error) Unwrap() error { return e.Err }
