package loadbalance

import (
	"fmt"
	"sync/atomic"

	"github.com/wanjg/jupiter/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in
// order, ignoring each provider's published Weight. Uses an atomic counter
// for lock-free, goroutine-safe operation.
//
// Best for: providers that publish with equal weight, where
// WeightedRandomBalancer's bias would have nothing to bias on.
type RoundRobinBalancer struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

// Pick selects the next instance in round-robin order.
// The atomic counter ensures even distribution without locks.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
