package handler

import (
	"math"
	"net/http"
	"strconv"

	"skuld/api/auth"
)

// RateLimit admits requests per client key and surfaces the window state in
// headers on every response, rejected or not.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d := h.deps.Limiter.Admit(r.Context(), auth.ClientKey(r), h.settings.RateLimitWindow, h.settings.RateLimitMax)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if d.FailedOpen && h.deps.Metrics != nil {
			h.deps.Metrics.RateLimitFailedOpen()
		}
		if !d.Allowed {
			if h.deps.Metrics != nil {
				h.deps.Metrics.RateLimited()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.ResetAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
