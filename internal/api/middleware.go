package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/ledger/internal/session"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SessionMiddleware resolves the session cookie into a request user. With
// require set, requests without a valid session get a 401; otherwise they
// pass through anonymous.
func SessionMiddleware(sessions *session.Store, require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(session.CookieName)
			if err != nil {
				if require {
					WriteProblem(w, r, http.StatusUnauthorized, "No active session")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					if require {
						WriteProblem(w, r, http.StatusUnauthorized, "Session expired")
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				slog.Error("session lookup failed", "error", err)
				WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// DeleteRateLimiter is a token bucket bounding DELETE throughput. Tokens
// refill one per interval up to the burst capacity.
type DeleteRateLimiter struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	interval   time.Duration
	lastRefill time.Time
}

// NewDeleteRateLimiter creates a limiter with the given burst capacity and
// refill interval.
func NewDeleteRateLimiter(capacity int, interval time.Duration) *DeleteRateLimiter {
	return &DeleteRateLimiter{
		tokens:     capacity,
		capacity:   capacity,
		interval:   interval,
		lastRefill: time.Now(),
	}
}

// allow consumes a token, refilling for the elapsed time first.
func (l *DeleteRateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(l.lastRefill) / l.interval)
	if refill > 0 {
		l.tokens += refill
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.lastRefill = now
	}
	if l.tokens == 0 {
		return false
	}
	l.tokens--
	return true
}

// Middleware rejects the request with 429 when the bucket is empty.
func (l *DeleteRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow() {
			slog.Warn("delete rate limit hit", "path", r.URL.Path, "remote_ip", r.RemoteAddr)
			WriteProblem(w, r, http.StatusTooManyRequests, "Too many delete requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
