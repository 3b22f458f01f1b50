package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/smallwat3r/codedrop/internal/metrics"
	"github.com/smallwat3r/codedrop/internal/utility"
)

// internal endpoints polled by load balancers and scrapers
func isProbePath(path string) bool {
	return path == "/health" || path == "/metrics"
}

// ContentLengthValidator validates Content-Length header for requests with bodies.
// It rejects requests without Content-Length or with excessive Content-Length.
func ContentLengthValidator(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only validate methods that typically have request bodies
			if r.Method == http.MethodPost || r.Method == http.MethodPut ||
				r.Method == http.MethodPatch {
				// Check if Content-Length header is present
				// r.ContentLength is -1 if not specified or chunked encoding
				if r.ContentLength < 0 {
					utility.HttpError(w, http.StatusLengthRequired,
						"Content-Length header is required")
					return
				}
				// Reject if Content-Length exceeds maximum
				if r.ContentLength > maxSize {
					utility.HttpError(w, http.StatusRequestEntityTooLarge,
						"Content-Length exceeds maximum allowed size")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersConfig holds configuration for security headers middleware.
type SecurityHeadersConfig struct {
	RequireHTTPS bool
}

// SecurityHeaders adds security-related HTTP headers to responses.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// HTTPS enforcement with HSTS
			if cfg.RequireHTTPS && !isProbePath(r.URL.Path) {
				// Check if request is over HTTPS (direct TLS or via proxy)
				isHTTPS := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
				if !isHTTPS {
					// Redirect HTTP to HTTPS
					target := "https://" + r.Host + r.URL.RequestURI()
					http.Redirect(w, r, target, http.StatusMovedPermanently)
					return
				}
				// HSTS: instruct browsers to only use HTTPS for 1 year
				w.Header().Set("Strict-Transport-Security",
					"max-age=31536000; includeSubDomains")
			}

			// Prevent MIME type sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")
			// Prevent clickjacking (also enforced by CSP frame-ancestors)
			w.Header().Set("X-Frame-Options", "DENY")
			// Control referrer information
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			// The API only serves JSON and images
			csp := "default-src 'none'; img-src 'self'; " +
				"frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
			w.Header().Set("Content-Security-Policy", csp)
			// Restrict browser features
			w.Header().Set("Permissions-Policy",
				"geolocation=(), microphone=(), camera=(), payment=(), usb=()")
			// Isolate browsing context
			w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
			// Transfers must never be cached by intermediaries
			if strings.HasPrefix(r.URL.Path, "/api/") {
				w.Header().Set("Cache-Control", "no-store")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	PostLimit int           // max POST requests per window
	GetLimit  int           // max GET requests per window
	Window    time.Duration // time window for rate limiting
}

// DefaultRateLimitConfig returns sensible default rate limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PostLimit: 30,  // 30 POST requests per minute
		GetLimit:  120, // 120 GET requests per minute
		Window:    time.Minute,
	}
}

// RateLimiterMiddleware uses Redis for distributed rate limiting.
type RateLimiterMiddleware struct {
	rdb       *redis.Client
	postLimit int
	getLimit  int
	window    time.Duration
}

// NewRateLimiter creates a new Redis-based rate limiter middleware.
func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		rdb:       rdb,
		postLimit: cfg.PostLimit,
		getLimit:  cfg.GetLimit,
		window:    cfg.Window,
	}
}

// Handler returns the HTTP middleware handler.
func (m *RateLimiterMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip rate limiting if Redis is not configured (e.g., in tests)
		if m.rdb == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			ip = realIP
		} else if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			if idx := strings.Index(forwardedFor, ","); idx != -1 {
				ip = strings.TrimSpace(forwardedFor[:idx])
			} else {
				ip = strings.TrimSpace(forwardedFor)
			}
		}

		var limit int
		switch r.Method {
		case http.MethodPost:
			limit = m.postLimit
		case http.MethodGet:
			limit = m.getLimit
		default:
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s", ip, r.Method)

		// Use a pipeline to atomically increment and set expiry.
		// This avoids a race condition where the process could crash between
		// INCR and EXPIRE, leaving a key without TTL.
		pipe := m.rdb.TxPipeline()
		incr := pipe.Incr(r.Context(), key)
		pipe.Expire(r.Context(), key, m.window)
		_, err := pipe.Exec(r.Context())
		if err != nil {
			slog.Warn("rate limit redis error", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if int(incr.Val()) > limit {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			utility.HttpError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogging logs one line per request with method, path, status and
// duration. Image downloads and probes are not logged.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) || strings.HasPrefix(r.URL.Path, "/uploads/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusOf(ww),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Metrics records request latency and response size per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.Latency.WithLabelValues(route, strconv.Itoa(statusOf(ww))).Observe(time.Since(start).Seconds())
		metrics.ResponseSize.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
	})
}

// statusOf reports 200 for handlers that never called WriteHeader.
func statusOf(ww middleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
