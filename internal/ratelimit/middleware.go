package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DefaultRetryAfterSeconds is the default value for the Retry-After header
// when a rate limit is exceeded.
const DefaultRetryAfterSeconds = 1

// ClientKey identifies the caller: the MCP session header when present,
// otherwise the remote host.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("Mcp-Session-Id")); id != "" {
		return "session:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware returns 429 Too Many Requests, with Retry-After and
// X-RateLimit-Remaining headers, when the client identified by getClientID
// has exhausted its budget. Requests with an empty client id pass through.
// Only POST requests are counted; GET streams and DELETE carry no tool call.
func RateLimitMiddleware(limiter *RateLimiter, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)
			if clientID == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			rateLimiter := limiter.GetLimiter(clientID)
			if !rateLimiter.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfterSeconds))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("Too Many Requests"))
				return
			}

			remaining := int(rateLimiter.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			next.ServeHTTP(w, r)
		})
	}
}
