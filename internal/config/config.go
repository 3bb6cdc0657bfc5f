// Package config loads and validates gateway configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/internal/middleware"
	"github.com/mir00r/api-gateway/internal/server"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// InstanceConfig describes one backend instance in the static configuration.
type InstanceConfig struct {
	Address         string        `yaml:"address"`
	HealthCheckPath string        `yaml:"health_check_path"`
	MaxInFlight     int           `yaml:"max_inflight"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ServiceConfig describes one backend service and its instances.
type ServiceConfig struct {
	Name      string           `yaml:"name"`
	Instances []InstanceConfig `yaml:"instances"`
}

// RouteConfig describes one route rule.
type RouteConfig struct {
	PathPrefix string `yaml:"path_prefix"`
	Method     string `yaml:"method"`
	Service    string `yaml:"service"`
	Policy     string `yaml:"policy"`
}

// DiscoveryConfig configures the optional external discovery source.
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// Config is the root gateway configuration.
type Config struct {
	Server      server.Config            `yaml:"server"`
	HealthCheck domain.HealthCheckConfig `yaml:"health_check"`
	RateLimit   domain.RateLimitConfig   `yaml:"rate_limit"`
	Dispatch    domain.DispatchConfig    `yaml:"dispatch"`
	Auth        middleware.AuthConfig    `yaml:"auth"`
	Discovery   DiscoveryConfig          `yaml:"discovery"`
	Logging     LoggingConfig            `yaml:"logging"`
	Services    []ServiceConfig          `yaml:"services"`
	Routes      []RouteConfig            `yaml:"routes"`
}

// DefaultConfig returns a configuration with sensible defaults. A gateway
// started with it serves nothing until routes and services are added.
func DefaultConfig() *Config {
	return &Config{
		Server: server.Config{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		HealthCheck: domain.HealthCheckConfig{
			Enabled:            true,
			Protocol:           "http",
			Interval:           10 * time.Second,
			Timeout:            5 * time.Second,
			UnhealthyThreshold: 3,
		},
		RateLimit: domain.RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			BurstSize:         10,
		},
		Dispatch: domain.DispatchConfig{
			MaxRetries:    1,
			PerTryTimeout: 10 * time.Second,
			RequestBudget: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile reads configuration from a YAML file, starting from the
// defaults, then applies environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, gwerrors.NewErrorWithCause(
				gwerrors.ErrCodeConfigLoad, "config", "failed to read config file", err,
			)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, gwerrors.NewErrorWithCause(
				gwerrors.ErrCodeConfigLoad, "config", "failed to parse config file", err,
			)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override selected values
// without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("GATEWAY_DISCOVERY_ENDPOINT"); v != "" {
		c.Discovery.Endpoint = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Protocol != "http" && c.HealthCheck.Protocol != "grpc" {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				fmt.Sprintf("unsupported health check protocol: %q", c.HealthCheck.Protocol))
		}
		if c.HealthCheck.Interval <= 0 {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"health check interval must be positive")
		}
		if c.HealthCheck.Timeout <= 0 || c.HealthCheck.Timeout >= c.HealthCheck.Interval {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"health check timeout must be positive and shorter than the interval")
		}
		if c.HealthCheck.UnhealthyThreshold < 1 {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"unhealthy threshold must be at least 1")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"rate limit requests per second must be positive")
		}
		if c.RateLimit.BurstSize < 1 {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"rate limit burst size must be at least 1")
		}
	}

	if c.Dispatch.MaxRetries < 0 {
		return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
			"max retries must not be negative")
	}
	if c.Dispatch.RequestBudget <= 0 {
		return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
			"request budget must be positive")
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
			"auth secret is required when auth is enabled")
	}

	if c.Discovery.Enabled && c.Discovery.Endpoint == "" {
		return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
			"discovery endpoint is required when discovery is enabled")
	}

	serviceNames := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				"service name must not be empty")
		}
		if serviceNames[svc.Name] {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				fmt.Sprintf("duplicate service: %q", svc.Name))
		}
		serviceNames[svc.Name] = true

		for _, inst := range svc.Instances {
			if inst.Address == "" {
				return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
					fmt.Sprintf("service %q has an instance without address", svc.Name))
			}
		}
	}

	for _, route := range c.Routes {
		if route.Service == "" {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				fmt.Sprintf("route %q has no target service", route.PathPrefix))
		}
		if !serviceNames[route.Service] && !c.Discovery.Enabled {
			return gwerrors.NewError(gwerrors.ErrCodeConfigLoad, "config",
				fmt.Sprintf("route %q targets unknown service %q", route.PathPrefix, route.Service))
		}
	}

	return nil
}

// Instances materializes the statically configured instances.
func (c *Config) Instances() []*domain.ServiceInstance {
	var instances []*domain.ServiceInstance
	for _, svc := range c.Services {
		for _, ic := range svc.Instances {
			instance := domain.NewServiceInstance(svc.Name, ic.Address)
			if ic.HealthCheckPath != "" {
				instance.HealthCheckPath = ic.HealthCheckPath
			}
			if ic.MaxInFlight > 0 {
				instance.MaxInFlight = ic.MaxInFlight
			}
			if ic.Timeout > 0 {
				instance.Timeout = ic.Timeout
			}
			instances = append(instances, instance)
		}
	}
	return instances
}

// RouteRules materializes the configured route rules.
func (c *Config) RouteRules() []domain.RouteRule {
	rules := make([]domain.RouteRule, 0, len(c.Routes))
	for _, rc := range c.Routes {
		rules = append(rules, domain.RouteRule{
			PathPrefix: rc.PathPrefix,
			Method:     rc.Method,
			Service:    rc.Service,
			Policy:     domain.LoadBalancingPolicy(rc.Policy),
		})
	}
	return rules
}

// LoggerConfig converts the logging section to the logger package's config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}
