package domain

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// LoadBalancingPolicy identifies how an instance is picked among the healthy
// instances of a service.
type LoadBalancingPolicy string

const (
	// RoundRobinPolicy distributes requests evenly across instances
	RoundRobinPolicy LoadBalancingPolicy = "round_robin"
	// LeastInFlightPolicy routes to the instance with the fewest requests in flight
	LeastInFlightPolicy LoadBalancingPolicy = "least_inflight"
)

// ServiceInstance represents one running process of a backend service,
// reachable at a network address. Runtime state is kept in atomics so that
// the dispatcher and the health prober can observe it concurrently; all
// structural mutation (add/remove/health transitions) goes through the Registry.
type ServiceInstance struct {
	ServiceName     string        `json:"service_name" yaml:"service_name"`
	Address         string        `json:"address" yaml:"address"`
	HealthCheckPath string        `json:"health_check_path" yaml:"health_check_path"`
	MaxInFlight     int           `json:"max_inflight" yaml:"max_inflight"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`

	healthy             int32
	inFlight            int64
	consecutiveFailures int64
	lastHealthCheck     int64 // unix nanoseconds
}

// NewServiceInstance creates a new ServiceInstance with default values.
// Instances start healthy; the prober demotes them after consecutive
// probe failures.
func NewServiceInstance(serviceName, address string) *ServiceInstance {
	return &ServiceInstance{
		ServiceName:     serviceName,
		Address:         address,
		HealthCheckPath: "/health",
		MaxInFlight:     100,
		Timeout:         30 * time.Second,
		healthy:         1,
	}
}

// IsHealthy returns true if the instance passed its most recent health evaluation.
func (si *ServiceInstance) IsHealthy() bool {
	return atomic.LoadInt32(&si.healthy) == 1
}

// SetHealthy flips the health flag. Callers outside the registry must go
// through Registry.UpdateHealth instead of calling this directly.
func (si *ServiceInstance) SetHealthy(healthy bool) {
	if healthy {
		atomic.StoreInt32(&si.healthy, 1)
	} else {
		atomic.StoreInt32(&si.healthy, 0)
	}
}

// IncrementInFlight atomically increments the in-flight request count.
func (si *ServiceInstance) IncrementInFlight() {
	atomic.AddInt64(&si.inFlight, 1)
}

// DecrementInFlight atomically decrements the in-flight request count.
func (si *ServiceInstance) DecrementInFlight() {
	atomic.AddInt64(&si.inFlight, -1)
}

// InFlight returns the current number of requests being served by this instance.
func (si *ServiceInstance) InFlight() int64 {
	return atomic.LoadInt64(&si.inFlight)
}

// Available returns true if the instance may receive a new request:
// it is healthy and below its concurrency limit.
func (si *ServiceInstance) Available() bool {
	if !si.IsHealthy() {
		return false
	}
	if si.MaxInFlight > 0 && si.InFlight() >= int64(si.MaxInFlight) {
		return false
	}
	return true
}

// IncrementFailures atomically increments the consecutive probe failure count
// and returns the new value.
func (si *ServiceInstance) IncrementFailures() int64 {
	return atomic.AddInt64(&si.consecutiveFailures, 1)
}

// ResetFailures resets the consecutive probe failure count to zero.
func (si *ServiceInstance) ResetFailures() {
	atomic.StoreInt64(&si.consecutiveFailures, 0)
}

// FailureCount returns the current consecutive probe failure count.
func (si *ServiceInstance) FailureCount() int64 {
	return atomic.LoadInt64(&si.consecutiveFailures)
}

// UpdateLastHealthCheck records the time of the most recent probe.
func (si *ServiceInstance) UpdateLastHealthCheck() {
	atomic.StoreInt64(&si.lastHealthCheck, time.Now().UnixNano())
}

// LastHealthCheck returns the timestamp of the most recent probe, or the
// zero time if the instance was never probed.
func (si *ServiceInstance) LastHealthCheck() time.Time {
	ns := atomic.LoadInt64(&si.lastHealthCheck)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Key returns the registry key for this instance.
func (si *ServiceInstance) Key() string {
	return si.ServiceName + "/" + si.Address
}

// RouteRule maps an inbound request shape to a target service. Rules are
// immutable after startup; the router matches the longest path prefix with
// an exact method, breaking ties by registration order.
type RouteRule struct {
	PathPrefix string              `json:"path_prefix" yaml:"path_prefix"`
	Method     string              `json:"method" yaml:"method"`
	Service    string              `json:"service" yaml:"service"`
	Policy     LoadBalancingPolicy `json:"policy" yaml:"policy"`
}

// RequestContext carries per-request gateway state. It is created when a
// request is admitted and destroyed when the response is written or the
// deadline expires. The deadline is fixed at admission so the retry budget
// only ever shrinks.
type RequestContext struct {
	RequestID      string
	Deadline       time.Time
	RetryCount     int
	TargetInstance *ServiceInstance
	Method         string
	Path           string
	RemoteAddr     string
	StartTime      time.Time
}

// NewRequestContext creates a RequestContext for an inbound request with a
// fresh request id and a deadline derived from the configured budget.
func NewRequestContext(r *http.Request, budget time.Duration) *RequestContext {
	now := time.Now()
	return &RequestContext{
		RequestID:  uuid.NewString(),
		Deadline:   now.Add(budget),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		StartTime:  now,
	}
}

// RemainingBudget returns how much of the request deadline is left.
func (rc *RequestContext) RemainingBudget() time.Duration {
	return time.Until(rc.Deadline)
}

type requestContextKey struct{}

// WithRequestContext stores a RequestContext in a context.Context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext from a context.Context,
// returning nil if none was attached.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// InstanceEventType identifies a registry membership change.
type InstanceEventType int

const (
	// InstanceAdded indicates an instance was registered
	InstanceAdded InstanceEventType = iota
	// InstanceRemoved indicates an instance was deregistered
	InstanceRemoved
)

// String returns the string representation of InstanceEventType.
func (t InstanceEventType) String() string {
	switch t {
	case InstanceAdded:
		return "added"
	case InstanceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// InstanceEvent is emitted by the Registry when membership changes, so the
// prober can start or stop probe loops without polling.
type InstanceEvent struct {
	Type     InstanceEventType
	Instance *ServiceInstance
}

// Registry maintains the set of currently known backend instances keyed by
// logical service name. It is the only cross-request shared mutable state in
// the gateway; all mutation goes through this interface.
type Registry interface {
	// Register adds an instance. Registering an existing (service, address)
	// pair replaces its configuration but keeps its registration position.
	Register(instance *ServiceInstance) error
	// Deregister removes an instance. Removing an unknown instance is a no-op.
	Deregister(serviceName, address string)
	// ListHealthy returns the healthy instances of a service in
	// registration order.
	ListHealthy(serviceName string) []*ServiceInstance
	// List returns all instances of a service in registration order.
	List(serviceName string) []*ServiceInstance
	// Services returns the names of all services with registered instances.
	Services() []string
	// UpdateHealth marks an instance healthy or unhealthy.
	UpdateHealth(serviceName, address string, healthy bool)
	// Watch returns a channel of membership events. Intended for a single
	// long-lived consumer such as the prober.
	Watch() <-chan InstanceEvent
}

// Metrics collects per-service request counters for the admin API and an
// external collector.
type Metrics interface {
	// IncrementRequests increments the request count for a service
	IncrementRequests(service string)
	// IncrementRetries increments the retry count for a service
	IncrementRetries(service string)
	// IncrementFailures increments the failure count for a service
	IncrementFailures(service string)
	// RecordLatency records end-to-end latency for a service
	RecordLatency(service string, duration time.Duration)
	// GetStats returns a snapshot of all counters
	GetStats() map[string]interface{}
	// GetServiceStats returns a snapshot for a single service
	GetServiceStats(service string) map[string]interface{}
}

// HealthCheckConfig defines configuration for the health prober.
type HealthCheckConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Protocol           string        `json:"protocol" yaml:"protocol"` // "http" or "grpc"
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
}

// RateLimitConfig defines configuration for per-client admission control.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// DispatchConfig defines retry and timeout behavior of the dispatcher.
type DispatchConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	PerTryTimeout time.Duration `json:"per_try_timeout" yaml:"per_try_timeout"`
	RequestBudget time.Duration `json:"request_budget" yaml:"request_budget"`
}
