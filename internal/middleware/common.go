// Package middleware provides the HTTP middleware chain applied ahead of
// routing: request context creation and logging, panic recovery, security
// headers, rate limiting, and authentication.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// RequestContextMiddleware creates the per-request gateway context with a
// fresh request id and the fixed retry deadline, attaches it to the request
// context, and logs the request outcome. It sits first in the chain so
// every later stage sees the same request id.
func RequestContextMiddleware(budget time.Duration, log *logger.Logger) func(http.Handler) http.Handler {
	mwLog := log.MiddlewareLogger("request_context")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqCtx := domain.NewRequestContext(r, budget)
			r = r.WithContext(domain.WithRequestContext(r.Context(), reqCtx))

			w.Header().Set("X-Request-Id", reqCtx.RequestID)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			mwLog.RequestLogger(reqCtx.RequestID, r.Method, r.URL.Path, r.RemoteAddr).
				WithFields(map[string]interface{}{
					"status_code": rw.statusCode,
					"bytes":       rw.written,
					"duration_ms": time.Since(reqCtx.StartTime).Milliseconds(),
					"retries":     reqCtx.RetryCount,
				}).Info("Request completed")
		})
	}
}

// RecoveryMiddleware converts panics in later stages into a 500 response
// instead of killing the connection.
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	mwLog := log.MiddlewareLogger("recovery")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					mwLog.WithFields(map[string]interface{}{
						"panic": rec,
						"path":  r.URL.Path,
					}).Error("Panic recovered while handling request")

					WriteError(w, r, gwerrors.NewError(
						gwerrors.ErrCodeInternalError, "gateway", "internal server error",
					))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets conservative security headers on every
// response.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes a GatewayError as a JSON error response with the
// status code implied by its error code.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := gwerrors.GetHTTPStatusCode(err)

	body := map[string]interface{}{
		"error":  http.StatusText(status),
		"code":   string(gwerrors.GetErrorCode(err)),
		"status": status,
	}
	if reqCtx := domain.RequestContextFrom(r.Context()); reqCtx != nil {
		body["request_id"] = reqCtx.RequestID
	}
	var gwErr *gwerrors.GatewayError
	if errors.As(err, &gwErr) {
		body["message"] = gwErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ClientKey extracts the client identity used for rate limiting: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's remote address.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}
