package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tunnel-rpc/loadbalance"
	"tunnel-rpc/message"
	"tunnel-rpc/registry"
	"tunnel-rpc/transport"
)

// NewDiscoveryClient returns a client for every instance registered under
// serviceName. Each call asks bal for an instance, keyed by method name; the
// instance list is fetched once and then kept current through reg.Watch.
func NewDiscoveryClient(reg registry.Registry, bal loadbalance.Balancer, serviceName string, opts ...Option) *Client {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	d := &discovery{
		reg:     reg,
		bal:     bal,
		service: serviceName,
		opts:    o,
		conns:   make(map[string]transport.Transport),
		ctx:     ctx,
		cancel:  cancel,
	}
	c := &Client{tr: d, opts: o}
	c.handler = c.roundTrip
	return c
}

// discovery is a transport that fans calls out over the discovered
// instances, one pooled transport per instance address.
type discovery struct {
	reg     registry.Registry
	bal     loadbalance.Balancer
	service string
	opts    options

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	watching  bool
	stopWatch context.CancelFunc
	instances []registry.ServiceInstance
	conns     map[string]transport.Transport
}

func (d *discovery) RoundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	instances, err := d.current(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := d.bal.Pick(req.ServiceMethod, instances)
	if err != nil {
		return nil, err
	}
	tr, err := d.transport(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	return tr.RoundTrip(ctx, req)
}

// current returns the cached instance list, discovering it and starting the
// watch on first use.
func (d *discovery) current(ctx context.Context) ([]registry.ServiceInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	if d.watching {
		return d.instances, nil
	}

	// Watch before Discover so no change falls between the two.
	wctx, stop := context.WithCancel(d.ctx)
	updates := d.reg.Watch(wctx, d.service)
	instances, err := d.reg.Discover(ctx, d.service)
	if err != nil {
		stop()
		return nil, err
	}
	d.instances = instances
	d.watching = true
	d.stopWatch = stop
	go d.watch(updates)
	return instances, nil
}

func (d *discovery) watch(updates <-chan []registry.ServiceInstance) {
	for instances := range updates {
		d.opts.logger.Debug("instances changed",
			zap.String("service", d.service),
			zap.Int("count", len(instances)))

		live := make(map[string]bool, len(instances))
		for _, inst := range instances {
			live[inst.Addr] = true
		}

		d.mu.Lock()
		d.instances = instances
		for addr, tr := range d.conns {
			if !live[addr] {
				tr.Close()
				delete(d.conns, addr)
			}
		}
		d.mu.Unlock()
	}
}

func (d *discovery) transport(ctx context.Context, addr string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tr, ok := d.conns[addr]; ok {
		return tr, nil
	}
	tr, err := dialTransport(ctx, addr, d.opts)
	if err != nil {
		return nil, err
	}
	d.conns[addr] = tr
	return tr, nil
}

func (d *discovery) Close() error {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopWatch != nil {
		d.stopWatch()
	}
	var first error
	for addr, tr := range d.conns {
		if err := tr.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.conns, addr)
	}
	return first
}
