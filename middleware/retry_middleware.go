package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"tunnel-rpc/message"
)

// retryable lists fault fragments worth another attempt. Application failures
// travel inside the result Envelope and are never retried.
var retryable = []string{"timeout", "timed out", "connection refused", "connection reset", "broken pipe"}

func isRetryable(fault string) bool {
	for _, s := range retryable {
		if strings.Contains(fault, s) {
			return true
		}
	}
	return false
}

// RetryMiddleware retries transport faults that look transient, with
// exponential backoff starting at baseDelay. It is meant for the client chain.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			rpcMessage := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if rpcMessage.Error == "" || !isRetryable(rpcMessage.Error) {
					return rpcMessage
				}
				logger.Info("retrying call",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.String("error", rpcMessage.Error))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return rpcMessage
				case <-timer.C:
				}
				rpcMessage = next(ctx, req)
			}
			return rpcMessage
		}
	}
}
