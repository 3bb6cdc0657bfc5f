package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/internal/discovery"
	"github.com/mir00r/api-gateway/internal/dispatch"
	"github.com/mir00r/api-gateway/internal/gateway"
	"github.com/mir00r/api-gateway/internal/handler"
	"github.com/mir00r/api-gateway/internal/metrics"
	"github.com/mir00r/api-gateway/internal/middleware"
	"github.com/mir00r/api-gateway/internal/prober"
	"github.com/mir00r/api-gateway/internal/registry"
	"github.com/mir00r/api-gateway/internal/router"
	"github.com/mir00r/api-gateway/internal/server"
	"github.com/mir00r/api-gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Gateway exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.New()
	reg := registry.New(log)

	for _, instance := range cfg.Instances() {
		if err := reg.Register(instance); err != nil {
			return fmt.Errorf("failed to register configured instance %s: %w", instance.Key(), err)
		}
	}

	rt := router.New(log)
	for _, rule := range cfg.RouteRules() {
		if err := rt.AddRule(rule); err != nil {
			return fmt.Errorf("failed to add route %s %s: %w", rule.Method, rule.PathPrefix, err)
		}
	}

	checker, grpcChecker := buildChecker(cfg)
	hp := prober.New(cfg.HealthCheck, reg, checker, log)
	if err := hp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health prober: %w", err)
	}
	defer hp.Stop()
	if grpcChecker != nil {
		defer grpcChecker.Close()
	}

	var syncer *discovery.Syncer
	if cfg.Discovery.Enabled {
		provider := discovery.NewHTTPProvider(cfg.Discovery.Endpoint, cfg.Discovery.Timeout)
		syncer = discovery.NewSyncer(provider, reg, cfg.Discovery.Interval, log)
		if err := syncer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start discovery syncer: %w", err)
		}
		defer syncer.Stop()
	}

	dispatcher := dispatch.New(cfg.Dispatch, reg, collector, log)
	proxy := gateway.New(rt, dispatcher, collector, log)

	rateLimiter := middleware.NewClientRateLimiter(cfg.RateLimit, log)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	if cfg.RateLimit.Enabled {
		rateLimiter.StartCleanup(stopCleanup)
	}

	authenticator := middleware.NewJWTAuthenticator(cfg.Auth, log)

	extraStats := map[string]handler.StatsProvider{
		"prober":       hp,
		"rate_limiter": rateLimiter,
		"registry":     reg,
	}
	if syncer != nil {
		extraStats["discovery"] = syncer
	}
	admin := handler.NewAdminHandler(reg, collector, extraStats, log)

	root := mux.NewRouter()
	admin.RegisterRoutes(root)
	root.PathPrefix("/").Handler(proxy)

	chain := middleware.RecoveryMiddleware(log)(
		middleware.RequestContextMiddleware(cfg.Dispatch.RequestBudget, log)(
			middleware.SecurityHeadersMiddleware()(
				rateLimiter.Middleware()(
					authenticator.Middleware()(root),
				),
			),
		),
	)

	srv := server.New(cfg.Server, chain, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	if err := srv.Shutdown(); err != nil {
		return err
	}
	return nil
}

// buildChecker selects the probe protocol. The gRPC checker is returned
// separately so its cached connections can be closed on shutdown.
func buildChecker(cfg *config.Config) (prober.Checker, *prober.GRPCChecker) {
	if cfg.HealthCheck.Protocol == "grpc" {
		c := prober.NewGRPCChecker()
		return c, c
	}
	return prober.NewHTTPChecker(cfg.HealthCheck.Timeout), nil
}
