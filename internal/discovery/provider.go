// Package discovery syncs the registry against an external service
// discovery source. The syncer polls a provider and reconciles the
// registry: new instances are registered, vanished ones deregistered.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
)

// Provider fetches the desired set of instances from an external source.
type Provider interface {
	Fetch(ctx context.Context) ([]*domain.ServiceInstance, error)
	Name() string
}

// HTTPProvider fetches instances from a JSON endpoint. The endpoint returns
// a list of {service_name, address, health_check_path, max_inflight}
// objects.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider polling the given endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type discoveredInstance struct {
	ServiceName     string `json:"service_name"`
	Address         string `json:"address"`
	HealthCheckPath string `json:"health_check_path"`
	MaxInFlight     int    `json:"max_inflight"`
}

// Fetch retrieves the current instance set from the discovery endpoint.
func (p *HTTPProvider) Fetch(ctx context.Context) ([]*domain.ServiceInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var discovered []discoveredInstance
	if err := json.NewDecoder(resp.Body).Decode(&discovered); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}

	instances := make([]*domain.ServiceInstance, 0, len(discovered))
	for _, d := range discovered {
		if d.ServiceName == "" || d.Address == "" {
			continue
		}
		instance := domain.NewServiceInstance(d.ServiceName, d.Address)
		if d.HealthCheckPath != "" {
			instance.HealthCheckPath = d.HealthCheckPath
		}
		if d.MaxInFlight > 0 {
			instance.MaxInFlight = d.MaxInFlight
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string {
	return "http"
}

// StaticProvider returns a fixed instance set. Used when discovery runs
// from configuration only.
type StaticProvider struct {
	instances []*domain.ServiceInstance
}

// NewStaticProvider creates a provider over a fixed instance list.
func NewStaticProvider(instances []*domain.ServiceInstance) *StaticProvider {
	return &StaticProvider{instances: instances}
}

// Fetch returns the fixed instance set.
func (p *StaticProvider) Fetch(ctx context.Context) ([]*domain.ServiceInstance, error) {
	return p.instances, nil
}

// Name returns the provider name.
func (p *StaticProvider) Name() string {
	return "static"
}
