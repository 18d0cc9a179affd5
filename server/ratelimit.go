package server

import (
	"net"
	"net/http"
	"time"

	"github.com/shopdrop/shopdrop/telemetry"
)

// rateLimitWindow is the fixed window for upload rate limiting.
const rateLimitWindow = time.Minute

// rateLimitMiddleware limits uploads per client IP using a counter with a
// one minute TTL. When the counter store is unreachable the request is
// allowed through; throttling is a protection, not a correctness
// requirement.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.config.UploadRatePerMinute <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		count, err := s.store.Incr(r.Context(), "ratelimit", ip, rateLimitWindow)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing request", "error", err)
			telemetry.RecordRateLimit(r.Context(), "failopen")
			next.ServeHTTP(w, r)
			return
		}

		if count > s.config.UploadRatePerMinute {
			telemetry.RecordRateLimit(r.Context(), "limited")
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many uploads, try again later")
			return
		}

		telemetry.RecordRateLimit(r.Context(), "allowed")
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address for rate limiting, preferring the
// first X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
