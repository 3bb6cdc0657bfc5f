package dispatch

import (
	"fmt"
	"sync/atomic"

	"github.com/mir00r/api-gateway/internal/domain"
)

// Policy selects one instance from a non-empty set of selectable instances.
// Implementations must be safe for concurrent use.
type Policy interface {
	Select(instances []*domain.ServiceInstance) *domain.ServiceInstance
	Name() string
}

// NewPolicy creates a policy instance for the given policy type. Each
// service gets its own policy so round-robin counters do not interleave
// across services.
func NewPolicy(policy domain.LoadBalancingPolicy) (Policy, error) {
	switch policy {
	case domain.RoundRobinPolicy, "":
		return &roundRobinPolicy{}, nil
	case domain.LeastInFlightPolicy:
		return &leastInFlightPolicy{}, nil
	default:
		return nil, fmt.Errorf("unsupported load balancing policy: %s", policy)
	}
}

// roundRobinPolicy cycles through instances with an atomic counter.
type roundRobinPolicy struct {
	index uint64
}

func (p *roundRobinPolicy) Select(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	next := atomic.AddUint64(&p.index, 1)
	return instances[(next-1)%uint64(len(instances))]
}

func (p *roundRobinPolicy) Name() string {
	return string(domain.RoundRobinPolicy)
}

// leastInFlightPolicy picks the instance with the fewest requests in
// flight. Ties keep the earliest-registered instance.
type leastInFlightPolicy struct{}

func (p *leastInFlightPolicy) Select(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	selected := instances[0]
	min := selected.InFlight()
	for _, instance := range instances[1:] {
		if n := instance.InFlight(); n < min {
			selected = instance
			min = n
		}
	}
	return selected
}

func (p *leastInFlightPolicy) Name() string {
	return string(domain.LeastInFlightPolicy)
}
