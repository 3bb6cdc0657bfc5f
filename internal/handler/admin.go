// Package handler exposes the admin and operational HTTP API: liveness and
// readiness probes, runtime statistics, and registry management.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// StatsProvider exposes a stats snapshot. The prober and rate limiter
// implement it alongside the metrics collector.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// AdminHandler serves the management API.
type AdminHandler struct {
	registry domain.Registry
	metrics  domain.Metrics
	extra    map[string]StatsProvider
	logger   *logger.Logger
	started  time.Time
}

// NewAdminHandler creates the admin API handler. extra maps a stats section
// name to its provider (prober, rate limiter).
func NewAdminHandler(reg domain.Registry, metrics domain.Metrics, extra map[string]StatsProvider, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		registry: reg,
		metrics:  metrics,
		extra:    extra,
		logger:   log.WithField("component", "admin"),
		started:  time.Now(),
	}
}

// RegisterRoutes attaches the admin endpoints to a mux router.
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/liveness", h.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readiness", h.Readiness).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	admin.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	admin.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	admin.HandleFunc("/services/{name}/instances", h.ListInstances).Methods(http.MethodGet)
	admin.HandleFunc("/services/{name}/instances", h.RegisterInstance).Methods(http.MethodPost)
	admin.HandleFunc("/services/{name}/instances", h.DeregisterInstance).Methods(http.MethodDelete)
}

// Liveness reports that the process is up.
func (h *AdminHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.started).String(),
	})
}

// Readiness reports whether the gateway can serve traffic: at least one
// healthy instance must exist somewhere.
func (h *AdminHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	for _, service := range h.registry.Services() {
		if len(h.registry.ListHealthy(service)) > 0 {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
			return
		}
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status": "not_ready",
		"reason": "no healthy backend instances",
	})
}

// Health reports per-service instance health.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]interface{})
	allHealthy := true

	for _, service := range h.registry.Services() {
		instances := h.registry.List(service)
		healthy := 0
		details := make([]map[string]interface{}, 0, len(instances))
		for _, instance := range instances {
			if instance.IsHealthy() {
				healthy++
			}
			details = append(details, instanceView(instance))
		}
		if healthy == 0 {
			allHealthy = false
		}
		services[service] = map[string]interface{}{
			"total":     len(instances),
			"healthy":   healthy,
			"instances": details,
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	h.writeJSON(w, status, map[string]interface{}{
		"status":   overall,
		"services": services,
	})
}

// Stats returns the runtime statistics of all components.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"metrics": h.metrics.GetStats(),
	}
	for name, provider := range h.extra {
		stats[name] = provider.GetStats()
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListServices returns the registered service names.
func (h *AdminHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": h.registry.Services(),
	})
}

// ListInstances returns all instances of one service.
func (h *AdminHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	instances := h.registry.List(name)
	views := make([]map[string]interface{}, 0, len(instances))
	for _, instance := range instances {
		views = append(views, instanceView(instance))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   name,
		"instances": views,
	})
}

type registerInstanceRequest struct {
	Address         string `json:"address"`
	HealthCheckPath string `json:"health_check_path"`
	MaxInFlight     int    `json:"max_inflight"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// RegisterInstance adds an instance to a service at runtime.
func (h *AdminHandler) RegisterInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req registerInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if req.Address == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "address is required",
		})
		return
	}

	instance := domain.NewServiceInstance(name, req.Address)
	if req.HealthCheckPath != "" {
		instance.HealthCheckPath = req.HealthCheckPath
	}
	if req.MaxInFlight > 0 {
		instance.MaxInFlight = req.MaxInFlight
	}
	if req.TimeoutSeconds > 0 {
		instance.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	if err := h.registry.Register(instance); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"service": name,
		"address": req.Address,
	}).Info("Instance registered via admin API")

	h.writeJSON(w, http.StatusCreated, instanceView(instance))
}

// DeregisterInstance removes an instance from a service. The instance
// address comes from the ?address= query parameter.
func (h *AdminHandler) DeregisterInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	address := r.URL.Query().Get("address")
	if address == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "address query parameter is required",
		})
		return
	}

	h.registry.Deregister(name, address)

	h.logger.WithFields(map[string]interface{}{
		"service": name,
		"address": address,
	}).Info("Instance deregistered via admin API")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": name,
		"address": address,
		"status":  "deregistered",
	})
}

func instanceView(instance *domain.ServiceInstance) map[string]interface{} {
	view := map[string]interface{}{
		"address":      instance.Address,
		"healthy":      instance.IsHealthy(),
		"in_flight":    instance.InFlight(),
		"max_inflight": instance.MaxInFlight,
	}
	if last := instance.LastHealthCheck(); !last.IsZero() {
		view["last_health_check"] = last.Format(time.RFC3339)
	}
	return view
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode admin response")
	}
}
