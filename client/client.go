// Package client is the calling side of the typed-value tunnel.
//
// Call packs native arguments into a request Envelope (see BuildParams),
// sends it through the client middleware chain and a transport, and turns
// the response Envelope back into a native value or a *CallError. Failures
// where no answer came back surface as *transport.Error.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/transport"
	"tunnel-rpc/value"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPoolSize = 2
)

type options struct {
	codec     codec.CodecType
	tlsConfig *tls.Config
	logger    *zap.Logger
	timeout   time.Duration
	poolSize  int
	heartbeat time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithCodec sets the wire codec for tcp:// and tls:// URLs.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

// WithTLSConfig sets the TLS configuration for tls:// and https:// URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout bounds each call that arrives without a deadline. Zero disables
// the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPoolSize sets how many TCP connections are kept per server.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithHeartbeat sets the TCP heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func newOptions(opts []Option) options {
	o := options{
		codec:     codec.CodecTypeJSON,
		logger:    zap.NewNop(),
		timeout:   DefaultTimeout,
		poolSize:  DefaultPoolSize,
		heartbeat: transport.DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client calls remote methods through a transport.
type Client struct {
	tr   transport.Transport
	opts options

	mu          sync.RWMutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

// New wraps an existing transport. The client owns it from now on.
func New(tr transport.Transport, opts ...Option) *Client {
	c := &Client{tr: tr, opts: newOptions(opts)}
	c.handler = c.roundTrip
	return c
}

// Dial connects to rawURL: tcp://host:port, tls://host:port, or an http://
// or https:// JSON-RPC endpoint. TCP connections are dialed lazily on the
// first call.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	tr, err := dialTransport(ctx, rawURL, o)
	if err != nil {
		return nil, err
	}
	c := &Client{tr: tr, opts: o}
	c.handler = c.roundTrip
	return c, nil
}

func dialTransport(_ context.Context, rawURL string, o options) (transport.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return transport.NewHTTPTransport(rawURL, o.tlsConfig, o.timeout), nil
	case "tcp", "tls":
		if u.Host == "" {
			return nil, fmt.Errorf("client: missing host in %q", rawURL)
		}
		var tlsConfig *tls.Config
		if u.Scheme == "tls" {
			tlsConfig = o.tlsConfig
			if tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
		addr := u.Host
		return transport.NewPool(o.poolSize, func(ctx context.Context) (*transport.ClientTransport, error) {
			return transport.DialTCP(ctx, addr, o.codec, tlsConfig,
				transport.WithHeartbeat(o.heartbeat), transport.WithLogger(o.logger))
		}), nil
	}
	return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
}

// Use appends a middleware to the client chain. The first one added runs
// outermost.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
}

type callState struct {
	err error
}

type callStateKey struct{}

// roundTrip is the innermost client handler. Transport errors are reported
// to the chain as faults so retry and logging middlewares see them; the
// original error is kept in the call state.
func (c *Client) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	st, _ := ctx.Value(callStateKey{}).(*callState)
	if st != nil {
		st.err = nil
	}
	resp, err := c.tr.RoundTrip(ctx, req)
	if err != nil {
		if st != nil {
			st.err = err
		}
		return message.Fault(req, err.Error())
	}
	return resp
}

// Call invokes method with native arguments and returns its native result.
//
// A response Envelope reporting failure becomes a *CallError. No response at
// all, or a transport fault, becomes a *transport.Error.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	st := &callState{}
	ctx = context.WithValue(ctx, callStateKey{}, st)

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()

	resp := h(ctx, &message.RPCMessage{ServiceMethod: method, Params: BuildParams(method, args, kwargs)})
	if resp.Error != "" {
		if st.err != nil {
			return nil, &transport.Error{Method: method, Err: st.err}
		}
		return nil, &transport.Error{Method: method, Fault: resp.Error}
	}

	env, ok := message.ParseEnvelope(resp.Result)
	if !ok || !env.IsResponse() {
		return value.Decode(resp.Result), nil
	}
	if env.Failed() {
		return nil, &CallError{Method: method, Code: env.Code(), Message: env.Err()}
	}
	return env.Result(), nil
}

// ListMethods returns the server's method names, system methods included.
func (c *Client) ListMethods(ctx context.Context) ([]string, error) {
	res, err := c.Call(ctx, "system.listMethods", nil, nil)
	if err != nil {
		return nil, err
	}
	items, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("system.listMethods: unexpected result %T", res)
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// MethodHelp returns the help text registered for name.
func (c *Client) MethodHelp(ctx context.Context, name string) (string, error) {
	res, err := c.Call(ctx, "system.methodHelp", []any{name}, nil)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListMethods(ctx)
	return err
}

func (c *Client) Close() error {
	return c.tr.Close()
}
