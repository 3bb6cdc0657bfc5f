// Package prober runs periodic liveness probes against registered
// instances, one independent loop per instance, and reports health
// transitions to the registry. Probing is fully decoupled from the request
// path: the prober never touches in-flight request state.
//
// Hysteresis: an instance is marked unhealthy after a configurable number
// of consecutive probe failures, and healthy again after a single
// successful probe.
package prober

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Prober owns the per-instance probe loops. It follows registry membership
// through the registry's event stream, starting a loop when an instance is
// registered and stopping it on deregistration.
type Prober struct {
	config   domain.HealthCheckConfig
	registry domain.Registry
	checker  Checker
	logger   *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New creates a prober for the given registry. The checker decides the
// probe protocol (HTTP or gRPC).
func New(config domain.HealthCheckConfig, reg domain.Registry, checker Checker, log *logger.Logger) *Prober {
	return &Prober{
		config:   config,
		registry: reg,
		checker:  checker,
		logger:   log.ProberLogger(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins probing all currently registered instances and watches the
// registry for membership changes. Returns immediately; probing happens in
// background goroutines until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) error {
	if !p.config.Enabled {
		p.logger.Info("Health probing is disabled")
		return nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("prober is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	events := p.registry.Watch()

	for _, service := range p.registry.Services() {
		for _, instance := range p.registry.List(service) {
			p.startLoop(ctx, instance)
		}
	}

	p.wg.Add(1)
	go p.watchMembership(ctx, events)

	p.logger.Infof("Prober started with interval %v", p.config.Interval)
	return nil
}

// Stop cancels all probe loops and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	for key, cancel := range p.cancels {
		cancel()
		delete(p.cancels, key)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Prober stopped")
}

func (p *Prober) watchMembership(ctx context.Context, events <-chan domain.InstanceEvent) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case domain.InstanceAdded:
				p.startLoop(ctx, event.Instance)
			case domain.InstanceRemoved:
				p.stopLoop(event.Instance)
			}
		}
	}
}

func (p *Prober) startLoop(ctx context.Context, instance *domain.ServiceInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	key := instance.Key()
	if _, exists := p.cancels[key]; exists {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancels[key] = cancel

	p.wg.Add(1)
	go p.probeLoop(loopCtx, instance)
}

func (p *Prober) stopLoop(instance *domain.ServiceInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := instance.Key()
	if cancel, exists := p.cancels[key]; exists {
		cancel()
		delete(p.cancels, key)
	}
}

// probeLoop probes one instance on a fixed interval until cancelled.
func (p *Prober) probeLoop(ctx context.Context, instance *domain.ServiceInstance) {
	defer p.wg.Done()

	log := p.logger.InstanceLogger(instance.ServiceName, instance.Address)
	log.Debug("Starting probe loop")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.probeOnce(ctx, instance, log)

	for {
		select {
		case <-ctx.Done():
			log.Debug("Probe loop stopped")
			return
		case <-ticker.C:
			p.probeOnce(ctx, instance, log)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, instance *domain.ServiceInstance, log *logger.Logger) {
	checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.checker.Check(checkCtx, instance)
	duration := time.Since(start)

	instance.UpdateLastHealthCheck()

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown race, not a real probe result.
			return
		}
		p.handleFailure(instance, log.WithError(err).WithField("duration_ms", duration.Milliseconds()))
		return
	}

	p.handleSuccess(instance, log)
}

// handleFailure counts a failed probe and demotes the instance once the
// consecutive failure threshold is reached.
func (p *Prober) handleFailure(instance *domain.ServiceInstance, log *logger.Logger) {
	failures := instance.IncrementFailures()
	log = log.WithField("failure_count", failures)

	if failures >= int64(p.config.UnhealthyThreshold) {
		if instance.IsHealthy() {
			p.registry.UpdateHealth(instance.ServiceName, instance.Address, false)
			log.Warn("Instance marked unhealthy after repeated probe failures")
		} else {
			log.Debug("Probe failed for already unhealthy instance")
		}
	} else {
		log.Debug("Probe failed but threshold not reached")
	}
}

// handleSuccess resets the failure count and promotes the instance on a
// single successful probe.
func (p *Prober) handleSuccess(instance *domain.ServiceInstance, log *logger.Logger) {
	instance.ResetFailures()

	if !instance.IsHealthy() {
		p.registry.UpdateHealth(instance.ServiceName, instance.Address, true)
		log.Info("Instance recovered and marked healthy")
	}
}

// GetStats returns prober statistics
func (p *Prober) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"enabled":             p.config.Enabled,
		"running":             p.running,
		"protocol":            p.config.Protocol,
		"interval":            p.config.Interval.String(),
		"timeout":             p.config.Timeout.String(),
		"unhealthy_threshold": p.config.UnhealthyThreshold,
		"active_loops":        len(p.cancels),
	}
}
