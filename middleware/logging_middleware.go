package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tunnel-rpc/message"
)

// LoggingMiddleware logs every call with a fresh call id, its duration and
// outcome. Faults are logged at warn level. A nil logger disables output.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("call_id", uuid.NewString()),
				zap.String("method", req.ServiceMethod),
				zap.Int("params", len(req.Params)),
				zap.Duration("duration", time.Since(start)),
				zap.String("outcome", outcome(resp)),
			}
			if resp != nil && resp.Error != "" {
				logger.Warn("rpc fault", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("rpc call", fields...)
			return resp
		}
	}
}
