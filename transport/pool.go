package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"tunnel-rpc/message"
)

// DialFunc opens a new multiplexed connection.
type DialFunc func(ctx context.Context) (*ClientTransport, error)

// Pool spreads calls over up to size ClientTransports to one address.
// Connections are dialed lazily and redialed once they break, so a server
// restart costs the calls in flight and nothing after.
type Pool struct {
	dial DialFunc
	next atomic.Uint32

	mu     sync.Mutex
	conns  []*ClientTransport
	closed bool
}

// NewPool creates a pool of size connections. size below 1 means 1.
func NewPool(size int, dial DialFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{dial: dial, conns: make([]*ClientTransport, size)}
}

// Get returns a live connection, dialing one into the next slot if needed.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	slot := int(p.next.Add(1)-1) % len(p.conns)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t := p.conns[slot]; t != nil && !t.Closed() {
		return t, nil
	}
	t, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.conns[slot] = t
	return t, nil
}

// RoundTrip sends req over the next connection in the pool.
func (p *Pool) RoundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	t, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return t.RoundTrip(ctx, req)
}

// Close closes every connection. Later calls fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var first error
	for i, t := range p.conns {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
		p.conns[i] = nil
	}
	return first
}
