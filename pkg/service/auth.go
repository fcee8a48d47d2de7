package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Authenticator validates incoming API requests.
type Authenticator interface {
	// Middleware returns an HTTP middleware that authenticates requests.
	Middleware() func(http.Handler) http.Handler

	// Start starts any background processes (e.g., JWKS refresh).
	Start(ctx context.Context) error

	// Stop stops any background processes.
	Stop() error
}

// jwtAuthenticator uses JWTs validated against a remote JWKS.
type jwtAuthenticator struct {
	log       logrus.FieldLogger
	validator JWTValidator
}

// Compile-time interface check.
var _ Authenticator = (*jwtAuthenticator)(nil)

// NewJWTAuthenticator creates an authenticator using JWT validation.
func NewJWTAuthenticator(log logrus.FieldLogger, validator JWTValidator) Authenticator {
	return &jwtAuthenticator{
		log:       log.WithField("auth_mode", "jwt"),
		validator: validator,
	}
}

func (a *jwtAuthenticator) Start(ctx context.Context) error {
	return a.validator.Start(ctx)
}

func (a *jwtAuthenticator) Stop() error {
	return a.validator.Stop()
}

func (a *jwtAuthenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract JWT from Authorization header.
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "missing Authorization header")

				return
			}

			// Expect "Bearer <jwt>" format.
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid Authorization header format")

				return
			}

			tokenString := strings.TrimPrefix(auth, "Bearer ")

			// Validate JWT.
			claims, err := a.validator.Validate(r.Context(), tokenString)
			if err != nil {
				a.log.WithError(err).Debug("JWT validation failed")
				writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")

				return
			}

			// Add claims to request context.
			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			ctx = context.WithValue(ctx, jwtClaimsKey, claims)

			a.log.WithFields(logrus.Fields{
				"user_id": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("Authenticated request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// contextKey is a private type for request context keys.
type contextKey string

// Context keys for authenticated request data.
const (
	userIDKey    contextKey = "user_id"
	jwtClaimsKey contextKey = "jwt_claims"
)

// GetUserID extracts the authenticated caller ID from the request context.
func GetUserID(ctx context.Context) string {
	if v := ctx.Value(userIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}

	return ""
}

// GetJWTClaims extracts the JWT claims from the request context.
func GetJWTClaims(ctx context.Context) *JWTClaims {
	if v := ctx.Value(jwtClaimsKey); v != nil {
		if c, ok := v.(*JWTClaims); ok {
			return c
		}
	}

	return nil
}
