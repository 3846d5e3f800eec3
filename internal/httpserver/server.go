package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/version"
)

// Server holds the HTTP server dependencies for the api process mode. The
// admin and public status-page APIs are external collaborators (§1
// Non-goals) — this server exposes only the worker registration surface
// (§6) plus the auth core and audit log (§4.6, §3) and operational
// endpoints. Callers mount those domain routes on Router after NewServer
// returns, choosing per-route which of nest/auth middleware applies (login
// and worker registration are intentionally unauthenticated).
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	KV        store.Store
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with global middleware and health/metrics
// endpoints mounted. Domain routes are mounted by the caller.
func NewServer(cfg *config.Config, logger *slog.Logger, kv store.Store, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		KV:        kv,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Registration-Token", "X-Nest-Subdomain", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.KV.Ping(r.Context()); err != nil {
		s.Logger.Error("readiness check: storage ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "storage backend not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	CommitSHA     string `json:"commitSha"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Storage       string `json:"storage"`
	StorageLatMs  int64  `json:"storageLatencyMs"`
}

// HandleStatus returns process health information: uptime, version, and
// storage backend connectivity latency.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	start := time.Now()
	if err := s.KV.Ping(r.Context()); err != nil {
		s.Logger.Error("status check: storage ping failed", "error", err)
		resp.Storage = "error"
		resp.Status = "degraded"
	} else {
		resp.Storage = "ok"
		resp.Status = "ok"
	}
	resp.StorageLatMs = time.Since(start).Milliseconds()

	Respond(w, http.StatusOK, resp)
}
