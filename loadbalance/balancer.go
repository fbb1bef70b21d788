// Package loadbalance picks the server instance a discovery client sends a
// call to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity, by Weight
//   - ConsistentHash:  the same method always lands on the same instance
package loadbalance

import (
	"errors"

	"tunnel-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per call. key is the called method name;
// strategies that do not need it ignore it. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name: "round-robin",
// "weighted-random" or "consistent-hash". An empty name means round-robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
