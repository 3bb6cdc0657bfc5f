// Package registry maintains the set of known backend service instances,
// keyed by logical service name. The registry is the single owner of
// instance membership and health state; the dispatcher and prober never
// mutate that state directly.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
)

const watchBufferSize = 128

// InMemoryRegistry implements domain.Registry with in-memory storage.
// Instances of a service are kept in registration order, which callers rely
// on for deterministic selection and route tie-breaking.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	services map[string][]*domain.ServiceInstance
	watchers []chan domain.InstanceEvent
	logger   *logger.Logger
}

// New creates a new in-memory registry
func New(log *logger.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		services: make(map[string][]*domain.ServiceInstance),
		logger:   log.RegistryLogger(),
	}
}

// Register adds an instance to the registry. Registering an existing
// (service, address) pair replaces its configuration in place, keeping its
// registration position.
func (r *InMemoryRegistry) Register(instance *domain.ServiceInstance) error {
	if instance == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	if instance.ServiceName == "" {
		return fmt.Errorf("instance service name cannot be empty")
	}
	if instance.Address == "" {
		return fmt.Errorf("instance address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[instance.ServiceName]
	for i, existing := range instances {
		if existing.Address == instance.Address {
			instances[i] = instance
			r.logger.WithFields(map[string]interface{}{
				"service":  instance.ServiceName,
				"instance": instance.Address,
			}).Info("Instance re-registered")
			return nil
		}
	}

	r.services[instance.ServiceName] = append(instances, instance)
	r.notify(domain.InstanceEvent{Type: domain.InstanceAdded, Instance: instance})

	r.logger.WithFields(map[string]interface{}{
		"service":  instance.ServiceName,
		"instance": instance.Address,
	}).Info("Instance registered")

	return nil
}

// Deregister removes an instance from the registry. Removing an unknown
// instance is a silent no-op.
func (r *InMemoryRegistry) Deregister(serviceName, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[serviceName]
	for i, instance := range instances {
		if instance.Address == address {
			r.services[serviceName] = append(instances[:i], instances[i+1:]...)
			if len(r.services[serviceName]) == 0 {
				delete(r.services, serviceName)
			}
			r.notify(domain.InstanceEvent{Type: domain.InstanceRemoved, Instance: instance})

			r.logger.WithFields(map[string]interface{}{
				"service":  serviceName,
				"instance": address,
			}).Info("Instance deregistered")
			return
		}
	}
}

// ListHealthy returns the healthy instances of a service in registration
// order. Unhealthy instances are never included.
func (r *InMemoryRegistry) ListHealthy(serviceName string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy []*domain.ServiceInstance
	for _, instance := range r.services[serviceName] {
		if instance.IsHealthy() {
			healthy = append(healthy, instance)
		}
	}
	return healthy
}

// List returns all instances of a service in registration order.
func (r *InMemoryRegistry) List(serviceName string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*domain.ServiceInstance, len(r.services[serviceName]))
	copy(instances, r.services[serviceName])
	return instances
}

// Services returns the names of all services with registered instances,
// sorted for stable output.
func (r *InMemoryRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateHealth marks an instance healthy or unhealthy. Unknown instances
// are ignored; the prober may race with a deregistration.
func (r *InMemoryRegistry) UpdateHealth(serviceName, address string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, instance := range r.services[serviceName] {
		if instance.Address == address {
			if instance.IsHealthy() != healthy {
				instance.SetHealthy(healthy)
				r.logger.WithFields(map[string]interface{}{
					"service":  serviceName,
					"instance": address,
					"healthy":  healthy,
				}).Info("Instance health updated")
			}
			return
		}
	}
}

// Watch returns a channel of membership events. Each registered watcher
// receives every subsequent Register/Deregister transition. Events are
// dropped (with a warning) if a watcher falls behind.
func (r *InMemoryRegistry) Watch() <-chan domain.InstanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan domain.InstanceEvent, watchBufferSize)
	r.watchers = append(r.watchers, ch)
	return ch
}

// notify fans an event out to watchers. Callers must hold r.mu.
func (r *InMemoryRegistry) notify(event domain.InstanceEvent) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			r.logger.WithFields(map[string]interface{}{
				"service":  event.Instance.ServiceName,
				"instance": event.Instance.Address,
				"event":    event.Type.String(),
			}).Warn("Registry watcher is lagging, event dropped")
		}
	}
}

// Count returns the total number of registered instances.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, instances := range r.services {
		count += len(instances)
	}
	return count
}

// GetStats returns registry statistics
func (r *InMemoryRegistry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	healthy := 0
	perService := make(map[string]interface{})
	for name, instances := range r.services {
		serviceHealthy := 0
		for _, instance := range instances {
			if instance.IsHealthy() {
				serviceHealthy++
			}
		}
		perService[name] = map[string]interface{}{
			"instances": len(instances),
			"healthy":   serviceHealthy,
		}
		total += len(instances)
		healthy += serviceHealthy
	}

	return map[string]interface{}{
		"total_instances":   total,
		"healthy_instances": healthy,
		"services":          perService,
	}
}
