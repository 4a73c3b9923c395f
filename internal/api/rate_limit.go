package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelscrub/internal/ratelimit"
)

// withRateLimit charges one token per job creation or start. Uploads are
// charged per file inside handleSubmitFiles.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldRateLimit(r) && !s.checkRateLimit(w, r, 1) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkRateLimit reports whether the request may proceed, writing the 429
// response itself when it may not. Limiter outages fail open.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if subject == "" {
		subject = "anonymous"
	}
	route := routeLabel(r.URL.Path)
	subject = subject + ":" + route

	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeError(w, http.StatusTooManyRequests, "too many files in one request")
		return false
	}
	if err != nil {
		s.logger.Printf("rate limiter check failed for subject=%s err=%v", subject, err)
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/jobs")
}
