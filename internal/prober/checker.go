package prober

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/api-gateway/internal/domain"
)

// Checker probes a single instance once. An error return counts as a
// failed probe.
type Checker interface {
	Check(ctx context.Context, instance *domain.ServiceInstance) error
}

// HTTPChecker probes instances with an HTTP GET against their health path.
// Any 2xx response is a pass.
type HTTPChecker struct {
	client *http.Client
}

// NewHTTPChecker creates an HTTP health checker
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// Check performs a single HTTP health probe
func (c *HTTPChecker) Check(ctx context.Context, instance *domain.ServiceInstance) error {
	healthURL := instance.Address + instance.HealthCheckPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "Gateway-HealthProber/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("health check failed with status %d", resp.StatusCode)
}

// GRPCChecker probes instances that expose the standard gRPC health service
// (grpc.health.v1.Health/Check). Connections are cached per address and
// reused across probes.
type GRPCChecker struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCChecker creates a gRPC health checker
func NewGRPCChecker() *GRPCChecker {
	return &GRPCChecker{
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Check performs a single gRPC health probe
func (c *GRPCChecker) Check(ctx context.Context, instance *domain.ServiceInstance) error {
	conn, err := c.conn(instance.Address)
	if err != nil {
		return fmt.Errorf("failed to connect for health check: %w", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check rpc failed: %w", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check reported status %s", resp.GetStatus())
	}
	return nil
}

// Close releases all cached connections.
func (c *GRPCChecker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}

func (c *GRPCChecker) conn(address string) (*grpc.ClientConn, error) {
	target := grpcTarget(address)

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conns[target] = conn
	return conn, nil
}

// grpcTarget strips an http(s) scheme off a registered address; gRPC dials
// host:port targets.
func grpcTarget(address string) string {
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	return address
}
