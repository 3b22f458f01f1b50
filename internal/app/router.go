package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smallwat3r/codedrop/internal/blob"
	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/utility"
)

type RouterOptions struct {
	// RateLimiter is skipped when nil.
	RateLimiter  *RateLimiterMiddleware
	CORSOrigins  []string
	RequireHTTPS bool
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogging)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	r.Use(SecurityHeaders(SecurityHeadersConfig{RequireHTTPS: opts.RequireHTTPS}))
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Timeout(60 * time.Second))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.HandleWelcome)
	r.Get(blob.UploadsPrefix+"*", h.HandleUploads)

	r.Group(func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Handler)
		}
		r.Route("/api/transfers", func(r chi.Router) {
			r.NotFound(notFound)
			r.MethodNotAllowed(methodNotAllowed)
			r.With(ContentLengthValidator(domain.MaxRequestBodySize)).Post("/", h.HandleCreate)
			r.Get("/{code:[0-9]{6}}", h.HandleRetrieve)
		})
	})

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	utility.HttpError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	utility.HttpError(w, http.StatusMethodNotAllowed, "method not allowed")
}
