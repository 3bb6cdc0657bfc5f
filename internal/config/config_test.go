package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 3, cfg.HealthCheck.UnhealthyThreshold)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
health_check:
  enabled: true
  protocol: grpc
  interval: 5s
  timeout: 2s
  unhealthy_threshold: 2
dispatch:
  max_retries: 2
  per_try_timeout: 3s
  request_budget: 10s
services:
  - name: users
    instances:
      - address: http://localhost:9001
        max_inflight: 50
      - address: http://localhost:9002
routes:
  - path_prefix: /api/users
    method: GET
    service: users
    policy: least_inflight
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "grpc", cfg.HealthCheck.Protocol)
	assert.Equal(t, 2, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.RequestBudget)

	instances := cfg.Instances()
	require.Len(t, instances, 2)
	assert.Equal(t, "users", instances[0].ServiceName)
	assert.Equal(t, 50, instances[0].MaxInFlight)
	assert.Equal(t, 100, instances[1].MaxInFlight)

	rules := cfg.RouteRules()
	require.Len(t, rules, 1)
	assert.Equal(t, domain.LeastInFlightPolicy, rules[0].Policy)
}

func TestLoadFromMissingFileFails(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/gateway.yaml")
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrCodeConfigLoad, gwerrors.GetErrorCode(err))
}

func TestLoadFromInvalidYAMLFails(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrCodeConfigLoad, gwerrors.GetErrorCode(err))
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad probe protocol", func(c *Config) { c.HealthCheck.Protocol = "icmp" }},
		{"probe timeout exceeds interval", func(c *Config) {
			c.HealthCheck.Timeout = c.HealthCheck.Interval * 2
		}},
		{"zero unhealthy threshold", func(c *Config) { c.HealthCheck.UnhealthyThreshold = 0 }},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }},
		{"zero request budget", func(c *Config) { c.Dispatch.RequestBudget = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"discovery without endpoint", func(c *Config) { c.Discovery.Enabled = true }},
		{"rate limit without rate", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerSecond = 0
		}},
		{"route to unknown service", func(c *Config) {
			c.Routes = []RouteConfig{{PathPrefix: "/api", Method: "GET", Service: "ghost"}}
		}},
		{"duplicate service", func(c *Config) {
			c.Services = []ServiceConfig{
				{Name: "users", Instances: []InstanceConfig{{Address: "http://localhost:9001"}}},
				{Name: "users", Instances: []InstanceConfig{{Address: "http://localhost:9002"}}},
			}
		}},
		{"instance without address", func(c *Config) {
			c.Services = []ServiceConfig{{Name: "users", Instances: []InstanceConfig{{}}}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsRouteToDiscoveredService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Endpoint = "http://discovery.local/services"
	cfg.Routes = []RouteConfig{{PathPrefix: "/api", Method: "GET", Service: "discovered"}}

	assert.NoError(t, cfg.Validate())
}
