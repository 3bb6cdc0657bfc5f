package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Syncer polls a provider and reconciles the registry with the discovered
// instance set.
type Syncer struct {
	provider Provider
	registry domain.Registry
	interval time.Duration
	logger   *logger.Logger

	mu       sync.Mutex
	known    map[string]*domain.ServiceInstance
	lastSync time.Time
	syncs    int64
	failures int64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewSyncer creates a syncer polling the provider at the given interval.
func NewSyncer(provider Provider, reg domain.Registry, interval time.Duration, log *logger.Logger) *Syncer {
	return &Syncer{
		provider: provider,
		registry: reg,
		interval: interval,
		logger:   log.DiscoveryLogger().WithField("provider", provider.Name()),
		known:    make(map[string]*domain.ServiceInstance),
	}
}

// Start performs an initial sync, then polls in the background until ctx is
// cancelled or Stop is called. The initial sync error is returned so a bad
// discovery endpoint fails startup loudly.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		s.logger.WithError(err).Error("Initial discovery sync failed")
		return err
	}

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Infof("Discovery syncer started with interval %v", s.interval)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Discovery syncer stopped")
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				s.logger.WithError(err).Warn("Discovery sync failed, keeping previous state")
			}
		}
	}
}

// sync fetches the desired set and applies the diff to the registry. A
// fetch failure leaves the registry untouched.
func (s *Syncer) sync(ctx context.Context) error {
	instances, err := s.provider.Fetch(ctx)
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return err
	}

	desired := make(map[string]*domain.ServiceInstance, len(instances))
	for _, instance := range instances {
		desired[instance.Key()] = instance
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, instance := range desired {
		if _, ok := s.known[key]; !ok {
			if err := s.registry.Register(instance); err != nil {
				s.logger.WithError(err).WithField("instance", key).Warn("Failed to register discovered instance")
				continue
			}
			s.known[key] = instance
		}
	}

	for key, instance := range s.known {
		if _, ok := desired[key]; !ok {
			s.registry.Deregister(instance.ServiceName, instance.Address)
			delete(s.known, key)
		}
	}

	s.syncs++
	s.lastSync = time.Now()
	return nil
}

// GetStats returns syncer statistics
func (s *Syncer) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"provider":        s.provider.Name(),
		"running":         s.running,
		"interval":        s.interval.String(),
		"syncs":           s.syncs,
		"failures":        s.failures,
		"known_instances": len(s.known),
	}
	if !s.lastSync.IsZero() {
		stats["last_sync"] = s.lastSync.Format(time.RFC3339)
	}
	return stats
}
