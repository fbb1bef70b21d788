package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
	"tunnel-rpc/protocol"
)

// DefaultHeartbeat is the heartbeat interval of a ClientTransport.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport runs many concurrent calls over one TCP connection. Every
// request gets a sequence number; recvLoop reads responses in whatever order
// they come and hands each to the caller waiting on that number.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	logger  *zap.Logger
	seq     uint32     // guarded by sending
	closed  bool       // guarded by sending; no new pending entries once set
	sending sync.Mutex // serializes frame writes and pending registration
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	done    chan struct{}
	broken  atomic.Bool
}

// TCPOption configures a ClientTransport.
type TCPOption func(*tcpOptions)

type tcpOptions struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) TCPOption {
	return func(o *tcpOptions) { o.heartbeat = d }
}

// WithLogger sets the transport logger.
func WithLogger(logger *zap.Logger) TCPOption {
	return func(o *tcpOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// DialTCP connects to address and wraps the connection. A non-nil tlsConfig
// dials TLS.
func DialTCP(ctx context.Context, address string, ct codec.CodecType, tlsConfig *tls.Config, opts ...TCPOption) (*ClientTransport, error) {
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, ct, opts...), nil
}

// NewClientTransport wraps conn and starts recvLoop and heartbeatLoop.
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...TCPOption) *ClientTransport {
	o := tcpOptions{heartbeat: DefaultHeartbeat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  ct,
		logger: o.logger,
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send encodes and writes req. It returns the sequence number and a channel
// that receives exactly one response.
//
// The response channel is registered before the frame is written so recvLoop
// can never see a response without a waiter.
func (t *ClientTransport) Send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	respChan := make(chan *message.RPCMessage, 1) // buffered so recvLoop never blocks
	t.pending.Store(seq, respChan)
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// RoundTrip sends req and waits for the response or ctx.
func (t *ClientTransport) RoundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the only reader of the connection; frames must be read in
// sequence to keep their boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: "decode response: " + err.Error()}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

// shutdown marks the transport closed and releases every waiting caller.
func (t *ClientTransport) shutdown(err error) {
	t.sending.Lock()
	already := t.closed
	t.closed = true
	t.sending.Unlock()
	if already && err == nil {
		return
	}
	if !t.broken.Swap(true) {
		close(t.done)
		if err != nil {
			t.logger.Debug("connection closed", zap.String("remote", t.conn.RemoteAddr().String()), zap.Error(err))
		}
	}
	t.closeAllPending()
}

// closeAllPending closes every pending channel so no caller waits forever.
func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			close(value.(chan *message.RPCMessage))
		}
		return true
	})
}

// Closed reports whether the transport can no longer send.
func (t *ClientTransport) Closed() bool {
	return t.broken.Load()
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	t.shutdown(nil)
	return err
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop writes an empty heartbeat frame every interval so idle
// connections are not dropped by the server or middleboxes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
