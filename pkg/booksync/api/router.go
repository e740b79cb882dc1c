package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/booksync/pkg/booksync"
	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/events"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Service  booksync.Service
	Cache    *cache.Service // nil disables response caching
	Policies cache.Policies // defaults to DefaultPolicies
	Syncer   Syncer         // nil hides the admin routes
	// AdminAuth guards the admin routes.
	AdminAuth func(http.Handler) http.Handler
	// Ready reports dependency health for /healthz/ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// NewRouter builds the root handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, http.StatusText(http.StatusOK))
	})
	r.Get("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				cfg.Logger.Warn("Readiness check failed", "err", err)
				render.Status(r, http.StatusServiceUnavailable)
				render.PlainText(w, r, http.StatusText(http.StatusServiceUnavailable))
				return
			}
		}
		render.PlainText(w, r, http.StatusText(http.StatusOK))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requestMetadata)
		r.Mount("/books", NewBookHandler(cfg.Service, cfg.Cache, cfg.Policies).Routes())
		if cfg.Syncer != nil {
			r.Group(func(r chi.Router) {
				if cfg.AdminAuth != nil {
					r.Use(cfg.AdminAuth)
				}
				r.Mount("/admin", NewAdminHandler(cfg.Syncer).Routes())
			})
		}
	})

	return r
}

// requestMetadata attaches caller details to the context so published events carry them.
func requestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		md := events.Metadata{
			Source:        events.SourceAPI,
			CorrelationID: middleware.GetReqID(r.Context()),
			IP:            ip,
			UserAgent:     r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(events.WithMetadata(r.Context(), md)))
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
