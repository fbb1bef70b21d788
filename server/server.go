// Package server implements the transport server: method table, introspection,
// middleware chain, parallel request processing and graceful shutdown.
//
// Request processing pipeline on the framed TCP transport:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → defaultHandler → Codec.Encode → write response
//
// The middleware chain is the single override point. The tunnel interceptor
// is installed there as the innermost layer (see Intercept); everything the
// interceptor passes on reaches defaultHandler, which answers system.* calls
// and invokes handlers with the raw parameter list.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/protocol"
	"tunnel-rpc/registry"
)

// Server is the transport server.
type Server struct {
	methods     *Methods
	logger      *zap.Logger
	middlewares []middleware.Middleware // applied in the order added
	inner       middleware.Middleware   // innermost layer, e.g. the tunnel interceptor
	buildOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(inner(defaultHandler))))

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	announced []announcement

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool    // set before listeners close so Accept errors are expected
}

type announcement struct {
	reg         registry.Registry
	serviceName string
	addr        string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMethods shares an existing method table.
func WithMethods(m *Methods) Option {
	return func(s *Server) { s.methods = m }
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		methods:   NewMethods(),
		logger:    zap.NewNop(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Methods returns the server's method table.
func (svr *Server) Methods() *Methods { return svr.methods }

// Register adds a method to the server's method table.
func (svr *Server) Register(name, help string, h Handler) error {
	return svr.methods.Register(name, help, h)
}

// RegisterInstance registers every handler-shaped method of rcvr.
func (svr *Server) RegisterInstance(rcvr any) ([]string, error) {
	return svr.methods.RegisterInstance(rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, outermost first. Calls after the first request has been served have
// no effect.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Intercept installs mw as the innermost layer of the chain, directly around
// the default handler, regardless of how many middlewares are added with Use.
func (svr *Server) Intercept(mw middleware.Middleware) {
	svr.inner = mw
}

// Handler returns the assembled chain. The chain is built once, on first use.
func (svr *Server) Handler() middleware.HandlerFunc {
	svr.buildOnce.Do(func() {
		mws := append([]middleware.Middleware{}, svr.middlewares...)
		if svr.inner != nil {
			mws = append(mws, svr.inner)
		}
		svr.handler = middleware.Chain(mws...)(svr.defaultHandler)
	})
	return svr.handler
}

// ListenAndServe listens on network/address and serves until Shutdown.
func (svr *Server) ListenAndServe(network, address string) error {
	lis, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(lis)
}

// ListenAndServeTLS is ListenAndServe over TLS.
func (svr *Server) ListenAndServeTLS(network, address string, cfg *tls.Config) error {
	lis, err := tls.Listen(network, address, cfg)
	if err != nil {
		return err
	}
	return svr.Serve(lis)
}

// Serve accepts connections on lis, one goroutine per connection, until
// Shutdown. It returns nil after Shutdown and the Accept error otherwise.
func (svr *Server) Serve(lis net.Listener) error {
	svr.Handler()

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		lis.Close()
		return nil
	}
	svr.listeners[lis] = struct{}{}
	svr.mu.Unlock()

	svr.logger.Info("serving", zap.String("addr", lis.Addr().String()))
	for {
		conn, err := lis.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Announce registers this server under serviceName at addr (a dialable URL)
// with a TTL lease. Shutdown deregisters it before closing listeners.
func (svr *Server) Announce(ctx context.Context, reg registry.Registry, serviceName, addr string, ttl int64) error {
	if err := reg.Register(ctx, serviceName, registry.ServiceInstance{Addr: addr, Weight: 1}, ttl); err != nil {
		return fmt.Errorf("announce %s at %s: %w", serviceName, addr, err)
	}
	svr.mu.Lock()
	svr.announced = append(svr.announced, announcement{reg: reg, serviceName: serviceName, addr: addr})
	svr.mu.Unlock()
	return nil
}

// handleConn runs the read loop of one connection. Reads are sequential to
// keep frame boundaries; each request is handled in its own goroutine so a
// slow handler never blocks the calls behind it.
//
// writeMu is shared by all request goroutines on the connection so response
// frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	if !svr.trackConn(conn, true) {
		conn.Close()
		return
	}
	defer func() {
		svr.trackConn(conn, false)
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // connection closed or protocol error
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if svr.shutdown.Load() {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.logger.Warn("unexpected frame type", zap.Uint8("type", uint8(header.MsgType)))
			continue
		}
		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) trackConn(conn net.Conn, add bool) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		if svr.shutdown.Load() {
			return false
		}
		svr.conns[conn] = struct{}{}
		return true
	}
	delete(svr.conns, conn)
	return true
}

// handleRequest decodes one request, runs it through the chain and writes the
// response frame with the request's Seq.
//
// A body that fails to decode and a response that fails to encode both turn
// into a fault response, so the caller never waits on a reply that is not
// coming.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = message.Fault(req, "decode request: "+err.Error())
	} else {
		resp = svr.Handler()(context.Background(), req)
	}

	data, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode response failed",
			zap.String("method", req.ServiceMethod), zap.Error(err))
		data, err = c.Encode(message.Fault(req, "encode response: "+err.Error()))
		if err != nil {
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &replyHeader, data); err != nil {
		svr.logger.Warn("write response failed", zap.String("method", req.ServiceMethod), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister every announcement, so clients stop routing here.
//  2. Set the shutdown flag and close the listeners.
//  3. Wait for in-flight requests, at most timeout.
//  4. Close the remaining connections.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	announced := svr.announced
	svr.announced = nil
	svr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, a := range announced {
		if err := a.reg.Deregister(ctx, a.serviceName, a.addr); err != nil {
			svr.logger.Warn("deregister failed", zap.String("service", a.serviceName), zap.Error(err))
		}
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	for lis := range svr.listeners {
		lis.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}

// defaultHandler is the transport's own dispatch, the innermost handler of
// the chain. It answers the introspection methods and invokes registered
// handlers with the raw parameter list. Failures become transport faults.
func (svr *Server) defaultHandler(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
	if message.IsIntrospection(req.ServiceMethod) {
		return svr.introspect(req)
	}

	h, ok := svr.methods.Lookup(req.ServiceMethod)
	if !ok {
		return message.Fault(req, fmt.Sprintf("method %q is not supported", req.ServiceMethod))
	}

	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("handler panic",
				zap.String("method", req.ServiceMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = message.Fault(req, fmt.Sprint(r))
		}
	}()

	result, err := h(ctx, req.Params, nil)
	if err != nil {
		return message.Fault(req, err.Error())
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Result: result}
}
