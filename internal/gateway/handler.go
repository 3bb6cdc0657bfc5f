// Package gateway implements the front-end request handler: resolve the
// route, dispatch to a backend instance, and relay the upstream response to
// the client unchanged.
package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/mir00r/api-gateway/internal/dispatch"
	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/internal/middleware"
	"github.com/mir00r/api-gateway/internal/router"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Handler is the proxy entry point for all non-admin traffic.
type Handler struct {
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	metrics    domain.Metrics
	logger     *logger.Logger
}

// New creates the gateway front-end handler.
func New(rt *router.Router, d *dispatch.Dispatcher, metrics domain.Metrics, log *logger.Logger) *Handler {
	return &Handler{
		router:     rt,
		dispatcher: d,
		metrics:    metrics,
		logger:     log.WithField("component", "gateway"),
	}
}

// ServeHTTP resolves the request against the route table, dispatches it,
// and copies the upstream response back byte for byte. The gateway only
// synthesizes a response when no upstream response was obtained.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqCtx := domain.RequestContextFrom(r.Context())
	if reqCtx == nil {
		// Middleware chain misconfigured.
		middleware.WriteError(w, r, gwerrors.NewError(
			gwerrors.ErrCodeInternalError, "gateway", "request context missing",
		))
		return
	}

	rule, err := h.router.Resolve(r.Method, r.URL.Path)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	h.metrics.IncrementRequests(rule.Service)
	start := time.Now()

	resp, err := h.dispatcher.Dispatch(r.Context(), reqCtx, rule, r)
	if err != nil {
		h.metrics.RecordLatency(rule.Service, time.Since(start))

		// A disconnected client gets no synthesized response.
		if r.Context().Err() == context.Canceled {
			h.logger.WithField("request_id", reqCtx.RequestID).Debug("Client disconnected during dispatch")
			return
		}

		middleware.WriteError(w, r, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.WithError(err).WithField("request_id", reqCtx.RequestID).
			Debug("Failed to relay upstream response body")
	}

	h.metrics.RecordLatency(rule.Service, time.Since(start))
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
