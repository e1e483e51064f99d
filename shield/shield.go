// Package shield provides reusable HTTP middleware for tsdgate: security
// headers, rate limiting, body limits, and request tracing.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxFormBody(64 * 1024))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db, "/v1/health").Middleware)
//
// Or apply the default stack in one call:
//
//	stack := shield.DefaultStack(db)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack: SecurityHeaders →
// MaxFormBody → TraceID → RateLimiter. There is no maintenance mode or
// flash-message layer here — this is a pure JSON API, never serves HTML.
func DefaultStack(db *sql.DB) []func(http.Handler) http.Handler {
	rl := NewRateLimiter(db, "/v1/health")
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxFormBody(64 * 1024),
		TraceID,
		rl.Middleware,
	}
}
