// Package router maps inbound requests to logical backend services.
//
// Matching policy: longest-prefix match on the request path with an exact
// match on the HTTP method. When two rules share the longest matching
// prefix and the method, the rule registered first wins. The tie-break is
// deliberate and covered by tests; ambiguous precedence between equally
// specific routes is a classic source of surprises in gateways.
package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Router holds the route table. Rules are added at startup and are immutable
// afterwards, so Resolve reads without locking.
type Router struct {
	rules  []domain.RouteRule
	logger *logger.Logger
}

// New creates an empty router
func New(log *logger.Logger) *Router {
	return &Router{
		logger: log.RouterLogger(),
	}
}

// AddRule appends a rule to the route table. AddRule is not safe to call
// concurrently with Resolve; the table is built once during startup.
func (rt *Router) AddRule(rule domain.RouteRule) error {
	if err := validateRule(rule); err != nil {
		return fmt.Errorf("invalid route rule: %w", err)
	}

	rule.Method = strings.ToUpper(rule.Method)
	if rule.Policy == "" {
		rule.Policy = domain.RoundRobinPolicy
	}
	rt.rules = append(rt.rules, rule)

	rt.logger.WithFields(map[string]interface{}{
		"method":  rule.Method,
		"prefix":  rule.PathPrefix,
		"service": rule.Service,
		"policy":  string(rule.Policy),
	}).Info("Route rule added")

	return nil
}

// Resolve returns the rule whose path prefix is the longest match for the
// request path among rules with the exact method. Ties go to the rule
// registered first.
func (rt *Router) Resolve(method, path string) (domain.RouteRule, error) {
	method = strings.ToUpper(method)

	var best domain.RouteRule
	bestLen := -1
	for _, rule := range rt.rules {
		if rule.Method != method {
			continue
		}
		if !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}
		// Strictly longer prefixes win; an equal-length prefix keeps the
		// earlier registration.
		if len(rule.PathPrefix) > bestLen {
			best = rule
			bestLen = len(rule.PathPrefix)
		}
	}

	if bestLen < 0 {
		return domain.RouteRule{}, gwerrors.NewNoRouteError(method, path)
	}
	return best, nil
}

// Rules returns a copy of the route table in registration order.
func (rt *Router) Rules() []domain.RouteRule {
	rules := make([]domain.RouteRule, len(rt.rules))
	copy(rules, rt.rules)
	return rules
}

func validateRule(rule domain.RouteRule) error {
	if rule.PathPrefix == "" || !strings.HasPrefix(rule.PathPrefix, "/") {
		return fmt.Errorf("path prefix must start with '/': %q", rule.PathPrefix)
	}
	if rule.Service == "" {
		return fmt.Errorf("target service is required")
	}

	switch strings.ToUpper(rule.Method) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		return fmt.Errorf("unsupported method: %q", rule.Method)
	}

	switch rule.Policy {
	case "", domain.RoundRobinPolicy, domain.LeastInFlightPolicy:
	default:
		return fmt.Errorf("unsupported load balancing policy: %q", rule.Policy)
	}

	return nil
}
