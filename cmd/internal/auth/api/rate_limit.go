package authapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// throttle limits credential endpoints per client IP.
func (h *Handler) throttle() func(http.Handler) http.Handler {
	key := httprate.KeyByIP
	if h.cfg.TrustProxy {
		key = httprate.KeyByRealIP
	}
	window := h.cfg.AuthRateWindow
	return httprate.Limit(
		h.cfg.AuthRateLimit,
		window,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.audit(r, "auth.rate_limited", "")
			writeRateLimited(w, window)
		}),
	)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
