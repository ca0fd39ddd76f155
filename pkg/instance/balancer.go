package instance

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

// Strategy selects a pool member.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"
)

// ParseStrategy validates a strategy name. Empty selects random.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyRandom:
		return StrategyRandom, nil
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// PoolMemberName returns the registry name of pool member i.
func PoolMemberName(i int) string {
	return "instance-" + strconv.Itoa(i)
}

// LoadBalancer picks among the equivalent members of a fixed-size pool.
type LoadBalancer struct {
	registry *Registry
	strategy Strategy
	observer Observer
	next     atomic.Uint64
}

// NewLoadBalancer creates a balancer that acquires members from registry.
func NewLoadBalancer(registry *Registry, strategy Strategy, observer Observer) *LoadBalancer {
	if strategy == "" {
		strategy = StrategyRandom
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &LoadBalancer{
		registry: registry,
		strategy: strategy,
		observer: observer,
	}
}

// Pick selects a member of a pool of poolSize and acquires it. The returned
// instance still has to be probed.
func (lb *LoadBalancer) Pick(poolSize int) (*Instance, error) {
	if poolSize <= 0 {
		return nil, ErrEmptyPool
	}

	var idx int
	switch lb.strategy {
	case StrategyRoundRobin:
		idx = int((lb.next.Add(1) - 1) % uint64(poolSize))
	default:
		idx = rand.IntN(poolSize)
	}

	name := PoolMemberName(idx)
	lb.observer.PoolPicked(poolSize, name)
	return lb.registry.Acquire(name), nil
}
