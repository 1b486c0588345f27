// Package shield provides the HTTP security middleware placed in front of the
// pageclone API: security headers, request body limits, request tracing and
// per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(shield.RateConfig{}, 0) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for the API.
// Order: SecurityHeaders → RequestLimits → TraceID → RateLimiter.
// Health checks (/health) bypass rate limiting. maxBody <= 0 means 1 MiB.
func DefaultAPIStack(rc RateConfig, maxBody int64) []func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	rl := NewRateLimiter(rc, "/health")
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		RequestLimits(maxBody),
		TraceID,
		rl.Middleware,
	}
}
