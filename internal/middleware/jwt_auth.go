package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// AuthConfig configures bearer token authentication at the edge.
type AuthConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Secret  string   `json:"secret" yaml:"secret"`
	Issuer  string   `json:"issuer" yaml:"issuer"`
	SkipTo  []string `json:"skip_paths" yaml:"skip_paths"`
}

// JWTAuthenticator validates HS256 bearer tokens on inbound requests.
type JWTAuthenticator struct {
	config AuthConfig
	logger *logger.Logger
}

// NewJWTAuthenticator creates a JWT authenticator.
func NewJWTAuthenticator(config AuthConfig, log *logger.Logger) *JWTAuthenticator {
	return &JWTAuthenticator{
		config: config,
		logger: log.MiddlewareLogger("jwt_auth"),
	}
}

// Validate parses and validates a bearer token string.
func (a *JWTAuthenticator) Validate(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if a.config.Issuer != "" && claims.Issuer != a.config.Issuer {
		return nil, fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token with 401.
// Configured paths (health endpoints, typically) bypass authentication.
func (a *JWTAuthenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.Enabled || a.skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteError(w, r, gwerrors.NewAuthenticationError("missing Authorization header"))
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				WriteError(w, r, gwerrors.NewAuthenticationError("Authorization header must use Bearer scheme"))
				return
			}

			claims, err := a.Validate(tokenString)
			if err != nil {
				a.logger.WithError(err).Debug("Token validation failed")
				WriteError(w, r, gwerrors.NewAuthenticationError("invalid token"))
				return
			}

			if claims.Subject != "" {
				r.Header.Set("X-Auth-Subject", claims.Subject)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *JWTAuthenticator) skip(path string) bool {
	for _, prefix := range a.config.SkipTo {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
