// Package loadbalance provides strategies for picking which host serves a
// service lookup when several hosts advertise the same descriptor.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity per caller key
package loadbalance

import (
	"fmt"

	"mini-binder/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() when it resolves a service.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called concurrently, must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyedBalancer picks by key, so the same key keeps landing on the same instance.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
