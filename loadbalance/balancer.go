// Package loadbalance chooses which advertised lithium server a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  the same client key always lands on the same server,
//     so peers that relay to each other meet in one pool
package loadbalance

import (
	"fmt"

	"lithium/registry"
)

// Balancer picks one instance from a discovered list.
type Balancer interface {
	// Pick selects one instance. key identifies the dialing client and is
	// only used by key-affine strategies. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name, as accepted by New.
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
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
