package api

import (
	"net/http"

	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/ratelimit"
)

// NewServer wires the handler with correlation, access logging and, when
// limiter is non-nil, per-token rate limiting.
func NewServer(h *Handler, limiter *ratelimit.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	if limiter != nil {
		handler = ratelimit.Middleware(limiter, ratelimit.ClientKey)(handler)
	}
	handler = obs.AccessLogMiddleware("api", handler)
	return obs.RequestContextMiddleware(handler)
}
