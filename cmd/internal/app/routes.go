package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter assembles the full HTTP surface: health probes, metrics, the
// versioned API and the realtime upgrade endpoint.
func (a *App) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, a.log) })
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, a.cfg, a.log) })

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		a.auth.Register(v1)
		a.feed.Register(v1)
		a.messaging.Register(v1)
		v1.Get("/notifications/ws", a.gateway.ServeHTTP)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleReady reports 503 until every configured backend answers. Probes
// use it to gate traffic, so it checks reachability, not just wiring.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.dbEnabled && a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Warn("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}

	if a.redis != nil {
		if err := PingRedis(r.Context(), a.redis, 2*time.Second); err != nil {
			a.log.Warn("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
