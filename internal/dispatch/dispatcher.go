// Package dispatch forwards admitted requests to backend instances,
// enforcing per-request deadlines, bounded retries, and per-instance
// concurrency limits.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Dispatcher forwards requests to instances selected from the registry.
//
// Every attempt takes a fresh registry snapshot, so an instance demoted
// between retries is never selected again. The retry loop is an explicit
// bounded loop over a shrinking deadline budget:
//   - transport failures and timeouts are retried while the retry budget lasts
//   - 4xx upstream responses pass through unmodified and are never retried
//   - 5xx upstream responses are retried once, then passed through
type Dispatcher struct {
	config    domain.DispatchConfig
	registry  domain.Registry
	metrics   domain.Metrics
	logger    *logger.Logger
	transport http.RoundTripper

	mu       sync.Mutex
	policies map[string]Policy
}

// New creates a dispatcher backed by the given registry.
func New(config domain.DispatchConfig, reg domain.Registry, metrics domain.Metrics, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		config:   config,
		registry: reg,
		metrics:  metrics,
		logger:   log.DispatcherLogger(),
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		policies: make(map[string]Policy),
	}
}

// SetTransport overrides the upstream transport. Used by tests.
func (d *Dispatcher) SetTransport(rt http.RoundTripper) {
	d.transport = rt
}

// Dispatch forwards the request to an instance of the rule's target
// service and returns the upstream response unchanged. The caller owns the
// response body. On failure a *errors.GatewayError describes the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, reqCtx *domain.RequestContext, rule domain.RouteRule, r *http.Request) (*http.Response, error) {
	log := d.logger.WithFields(map[string]interface{}{
		"request_id": reqCtx.RequestID,
		"service":    rule.Service,
	})

	// Buffer the body once so retries can replay it.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, gwerrors.NewErrorWithCause(
				gwerrors.ErrCodeInvalidRequest, "dispatcher", "failed to read request body", err,
			).WithRequestID(reqCtx.RequestID)
		}
	}

	policy, err := d.policy(rule)
	if err != nil {
		return nil, gwerrors.NewErrorWithCause(
			gwerrors.ErrCodeInternalError, "dispatcher", "failed to resolve load balancing policy", err,
		).WithRequestID(reqCtx.RequestID)
	}

	serverErrorRetried := false
	var lastErr error

	for attempt := 1; ; attempt++ {
		remaining := reqCtx.RemainingBudget()
		if remaining <= 0 || ctx.Err() != nil {
			return nil, d.exhausted(reqCtx, rule.Service, attempt-1, lastErr)
		}

		// Fresh snapshot each attempt: an instance marked unhealthy after
		// the previous attempt must not be selected again.
		instance := d.selectInstance(rule.Service, policy)
		if instance == nil {
			d.metrics.IncrementFailures(rule.Service)
			return nil, gwerrors.NewServiceUnavailableError(rule.Service).WithRequestID(reqCtx.RequestID)
		}
		reqCtx.TargetInstance = instance

		instance.IncrementInFlight()
		resp, err := d.forward(ctx, instance, r, body, remaining)
		instance.DecrementInFlight()

		if err != nil {
			lastErr = err
			d.metrics.IncrementFailures(rule.Service)
			log.WithError(err).WithFields(map[string]interface{}{
				"instance": instance.Address,
				"attempt":  attempt,
			}).Warn("Upstream attempt failed")

			if reqCtx.RetryCount < d.config.MaxRetries && ctx.Err() == nil {
				reqCtx.RetryCount++
				d.metrics.IncrementRetries(rule.Service)
				continue
			}
			return nil, d.exhausted(reqCtx, rule.Service, attempt, lastErr)
		}

		if resp.StatusCode >= 500 && !serverErrorRetried && reqCtx.RetryCount < d.config.MaxRetries && ctx.Err() == nil {
			serverErrorRetried = true
			reqCtx.RetryCount++
			d.metrics.IncrementRetries(rule.Service)
			d.metrics.IncrementFailures(rule.Service)
			log.WithFields(map[string]interface{}{
				"instance":    instance.Address,
				"attempt":     attempt,
				"status_code": resp.StatusCode,
			}).Warn("Upstream returned server error, retrying once")
			resp.Body.Close()
			continue
		}

		log.WithFields(map[string]interface{}{
			"instance":    instance.Address,
			"attempt":     attempt,
			"status_code": resp.StatusCode,
		}).Debug("Upstream attempt completed")

		// 4xx (and a repeated 5xx) pass through unmodified.
		return resp, nil
	}
}

// selectInstance takes a registry snapshot and applies the policy to the
// instances that are healthy and below their concurrency limit.
func (d *Dispatcher) selectInstance(service string, policy Policy) *domain.ServiceInstance {
	healthy := d.registry.ListHealthy(service)

	selectable := healthy[:0:0]
	for _, instance := range healthy {
		if instance.Available() {
			selectable = append(selectable, instance)
		}
	}
	if len(selectable) == 0 {
		return nil
	}
	return policy.Select(selectable)
}

// forward performs one upstream attempt with a deadline capped by both the
// per-try timeout and the remaining request budget.
func (d *Dispatcher) forward(ctx context.Context, instance *domain.ServiceInstance, r *http.Request, body []byte, remaining time.Duration) (*http.Response, error) {
	timeout := remaining
	if d.config.PerTryTimeout > 0 && d.config.PerTryTimeout < timeout {
		timeout = d.config.PerTryTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	target, err := url.Parse(instance.Address)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid instance address %q: %w", instance.Address, err)
	}

	outReq := r.Clone(attemptCtx)
	outReq.URL.Scheme = target.Scheme
	outReq.URL.Host = target.Host
	outReq.Host = target.Host
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))

	if reqCtx := domain.RequestContextFrom(ctx); reqCtx != nil {
		outReq.Header.Set("X-Request-Id", reqCtx.RequestID)
	}
	if outReq.Header.Get("X-Forwarded-Host") == "" {
		outReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	resp, err := d.transport.RoundTrip(outReq)
	if err != nil {
		cancel()
		return nil, err
	}

	// The attempt context must stay alive while the caller streams the
	// body; tie its cancellation to Body.Close.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// exhausted classifies a final failure as timeout or transport error.
func (d *Dispatcher) exhausted(reqCtx *domain.RequestContext, service string, attempts int, lastErr error) error {
	if isTimeout(lastErr) || reqCtx.RemainingBudget() <= 0 {
		return gwerrors.NewUpstreamTimeoutError(service, attempts, lastErr).WithRequestID(reqCtx.RequestID)
	}
	return gwerrors.NewUpstreamError(service, attempts, lastErr).WithRequestID(reqCtx.RequestID)
}

// policy returns the per-service policy instance, creating it on first use.
func (d *Dispatcher) policy(rule domain.RouteRule) (Policy, error) {
	key := rule.Service + "/" + string(rule.Policy)

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.policies[key]; ok {
		return p, nil
	}
	p, err := NewPolicy(rule.Policy)
	if err != nil {
		return nil, err
	}
	d.policies[key] = p
	return p, nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// cancelOnCloseBody releases the attempt context when the response body is
// closed, so the upstream connection is not cut while the body streams.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
