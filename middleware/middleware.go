// Package middleware provides the onion chain wrapped around the server's
// default handler, plus the stock middlewares: logging, timeout, retry, rate
// limiting and metrics.
//
// The same types are used on the client side, where the innermost handler is
// the transport round trip instead of the method table.
package middleware

import (
	"context"

	"tunnel-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Fault messages produced by the stock middlewares.
const (
	FaultTimeout     = "request timed out"
	FaultRateLimited = "rate limit exceeded"
)

// Chain combines middlewares into one. Chain(A, B, C)(h) is A(B(C(h))):
// A runs first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// outcome labels a response for logs and metrics: "fault" for a transport
// fault, the Envelope status code when the result carries one, "ok" otherwise.
func outcome(resp *message.RPCMessage) string {
	if resp == nil || resp.Error != "" {
		return "fault"
	}
	if env, ok := message.ParseEnvelope(resp.Result); ok && env.IsResponse() {
		switch env.Code() {
		case message.StatusOK:
			return "200"
		case message.StatusApplicationError:
			return "400"
		case message.StatusNotFound:
			return "404"
		}
	}
	return "ok"
}
