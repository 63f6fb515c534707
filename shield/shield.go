// Package shield provides the HTTP middleware stack of the pdpd API: security
// headers, body limits, request tracing and per-endpoint rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
//	rl := shield.NewRateLimiter(db)
//	rl.StartReloader(done)
//	r.Group(func(r chi.Router) {
//	    r.Use(rl.Middleware)
//	    r.Post("/v1/inspect", inspect)
//	})
//
// The rate limiter keys rules by method and chi route pattern, so it must be
// mounted on routes (r.With or a group), after routing has matched.
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds request bodies. Resolve payloads carry an HTML
// excerpt, so the limit is generous.
const DefaultMaxBody = 4 << 20

// DefaultStack returns the router-level middleware stack for the API.
// Middleware is ordered: HeadToGet → SecurityHeaders → MaxBody → TraceID.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID,
	}
}
