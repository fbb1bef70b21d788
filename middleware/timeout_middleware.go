package middleware

import (
	"context"
	"time"

	"tunnel-rpc/message"
)

// TimeOutMiddleware stops waiting for next after timeout and answers with a
// FaultTimeout fault. next keeps running in its goroutine until it returns;
// its ctx is cancelled so it can give up early if it checks.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				return message.Fault(req, FaultTimeout)
			}
		}
	}
}
