// Package loadbalance picks one provider out of a service's current
// instance list — the list a client.Client caches from its push stream, or
// a consumer discovers through the etcd-backed registry.Registry.
//
// Two strategies are implemented:
//   - RoundRobin:     equal-weight providers, spread load evenly in order.
//   - WeightedRandom: providers publish with a RegisterMeta.Weight (e.g. a
//     bigger box advertises a higher weight); picks are biased toward
//     heavier providers in proportion to that weight.
//
// There is deliberately no hash-keyed/cache-affinity strategy here: every
// consumer receives a service's *entire* provider list on every publish,
// there is no per-request routing key to hash in this protocol the way
// there would be in a method-call RPC.
package loadbalance

import "github.com/wanjg/jupiter/registry"

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
