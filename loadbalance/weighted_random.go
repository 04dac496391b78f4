package loadbalance

import (
	"fmt"
	"math/rand"

	"github.com/wanjg/jupiter/registry"
)

// WeightedRandomBalancer picks providers in proportion to the Weight each
// one published with (regdomain.RegisterMeta.Weight, carried through as
// registry.ServiceInstance.Weight) — a provider that advertised twice the
// weight of another gets picked roughly twice as often.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += v.Weight
	}
	if totalWeight <= 0 {
		// No provider published a positive weight: fall back to a uniform pick.
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for _, v := range instances {
		r -= v.Weight
		if r < 0 {
			return &v, nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
