package loadbalance

import (
	"sync/atomic"

	"tunnel-rpc/registry"
)

// RoundRobinBalancer cycles through the instances in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	n := b.counter.Add(1) - 1
	return &instances[n%uint64(len(instances))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}
