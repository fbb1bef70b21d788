// Package message defines the records exchanged between client and server.
//
// RPCMessage is the transport-level record for every call. It gets serialized
// by the codec layer and wrapped in a protocol frame for transmission over TCP,
// or mapped onto a JSON-RPC request/response over HTTP.
//
// Envelope is the typed-value tunnel riding inside RPCMessage.Params (request)
// and RPCMessage.Result (response).
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod and Params are set, Error is empty.
//   - On response: Result carries the reply, Error is non-empty on a transport fault.
type RPCMessage struct {
	ServiceMethod string `json:"method"`          // e.g. "add" or "system.listMethods"
	Params        []any  `json:"params,omitempty"` // flat positional parameter list
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"` // transport fault, never an application failure
}

// Fault builds a response carrying a transport fault for req.
func Fault(req *RPCMessage, msg string) *RPCMessage {
	return &RPCMessage{ServiceMethod: req.ServiceMethod, Error: msg}
}
