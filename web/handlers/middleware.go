// Package handlers provides HTTP handlers and middleware for the ChatSense API.
package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/chatsense/internal/config"
	"golang.org/x/time/rate"
)

// RequireAuth enforces bearer-token authentication on every route except the
// listed exempt paths (health probes, for bridges and monitoring). In
// development mode all requests pass through.
func RequireAuth(next http.Handler, cfg *config.Config, exempt ...string) http.Handler {
	exemptPaths := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		exemptPaths[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Security.SecurityMode == "development" || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !bearerTokenMatches(r, cfg.Security.APIToken) {
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerTokenMatches reports whether the request carries the configured API
// token. An empty configured token matches nothing, so a production server
// started without a token rejects every request instead of accepting all of
// them.
func bearerTokenMatches(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// RateLimiter wraps a rate.Limiter for HTTP middleware.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter.
// reqPerSec is the sustained rate, burst is the maximum burst size.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Duration(1000.0/reqPerSec)*time.Millisecond), burst),
	}
}

// RateLimitMiddleware enforces rate limiting on HTTP requests.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
