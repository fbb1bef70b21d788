// Package dispatch is the server side of the typed-value tunnel.
//
// Interceptor sits innermost in the server's middleware chain. For every
// non-introspection call it resolves the method, unpacks Envelope parameters
// into native positional and keyword arguments, invokes the handler, and
// answers with a response Envelope carrying a status code:
//
//	200  handler returned normally, result attached
//	400  handler returned an error or panicked, message attached
//	404  no such method
//
// Application failures therefore never surface as transport faults.
// system.* calls are passed through to the transport's own handling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/server"
	"tunnel-rpc/value"
)

// Resolver maps a method name to its handler. *server.Methods implements it.
type Resolver interface {
	Lookup(name string) (server.Handler, bool)
}

type options struct {
	logger *zap.Logger
}

// Option configures the interceptor.
type Option func(*options)

// WithLogger sets the logger for resolution and handler failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Install puts the interceptor innermost in srv's chain, resolving against
// srv's own method table.
func Install(srv *server.Server, opts ...Option) {
	srv.Intercept(Interceptor(srv.Methods(), opts...))
}

// NotFoundMessage is the error text of a 404 response.
func NotFoundMessage(method string) string {
	return fmt.Sprintf("Method %q is not supported!", method)
}

// Interceptor returns the dispatch middleware.
func Interceptor(resolver Resolver, opts ...Option) middleware.Middleware {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if message.IsIntrospection(req.ServiceMethod) {
				return next(ctx, req)
			}

			h, ok := resolver.Lookup(req.ServiceMethod)
			if !ok {
				msg := NotFoundMessage(req.ServiceMethod)
				log.Error(msg)
				return respond(req, message.NewResponse(message.StatusNotFound, nil, msg))
			}

			args, kwargs := Unpack(req.Params)
			log.Debug("calling handler",
				zap.String("method", req.ServiceMethod),
				zap.Any("args", args),
				zap.Any("kwargs", kwargs))

			result, err := invoke(ctx, h, args, kwargs)
			if err != nil {
				fields := []zap.Field{zap.String("method", req.ServiceMethod), zap.Error(err)}
				var pe *panicError
				if errors.As(err, &pe) {
					fields = append(fields, zap.ByteString("stack", pe.stack))
				}
				log.Error("handler failed", fields...)
				return respond(req, message.NewResponse(message.StatusApplicationError, nil, err.Error()))
			}
			return respond(req, message.NewResponse(message.StatusOK, result, ""))
		}
	}
}

func respond(req *message.RPCMessage, env *message.Envelope) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Result: env.Wire()}
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprint(e.value) }

// invoke runs h to completion and turns a panic into an error.
func invoke(ctx context.Context, h server.Handler, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, args, kwargs)
}

// Unpack turns a flat parameter list into native arguments, in encounter
// order:
//
//   - an Envelope parameter appends its decoded args and merges its decoded
//     kwargs (a later Envelope wins on a repeated key);
//   - any other parameter is decoded and appended.
//
// kwargs is never nil.
func Unpack(params []any) (args []any, kwargs map[string]any) {
	args = make([]any, 0, len(params))
	kwargs = make(map[string]any)
	for _, p := range params {
		env, ok := message.ParseEnvelope(p)
		if !ok {
			args = append(args, value.Decode(p))
			continue
		}
		args = append(args, env.Args()...)
		for k, v := range env.Kwargs() {
			kwargs[k] = v
		}
	}
	return args, kwargs
}
