package app

import (
	"net/http"
	"time"

	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// readiness holds the dependencies /readyz checks.
type readiness struct {
	cfg   HTTPConfig
	pool  *pgxpool.Pool
	cache cache.Cache
	log   *zap.Logger
}

func newRouter(cfg HTTPConfig, log *zap.Logger, p readiness, auth *authapi.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, log) })
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: cfg.CORSAllowCredentials,
			MaxAge:           cfg.CORSMaxAge,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", p.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if auth != nil {
		auth.Mount(r)
	}

	return otelhttp.NewHandler(r, "warden.http")
}

func (p readiness) ready(w http.ResponseWriter, r *http.Request) {
	if p.cfg.ReadinessRequireDB && p.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if p.pool != nil {
		if err := PingDB(r.Context(), p.pool, 2*time.Second); err != nil {
			p.log.Info("readyz.db.not_ready", zap.Error(err))
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if p.cache != nil {
		if err := p.cache.Ping(r.Context()); err != nil {
			p.log.Info("readyz.cache.not_ready", zap.Error(err))
			http.Error(w, "cache not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
