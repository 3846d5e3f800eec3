// Package app wires process configuration into the four runtime modes
// described in SPEC_FULL.md §4.9: api, scheduler, worker, and resultd.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/internal/auth"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/secretstore"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/nest"
	"github.com/wisbric/nightowl/pkg/resultpipeline"
	"github.com/wisbric/nightowl/pkg/scheduler"
	"github.com/wisbric/nightowl/pkg/user"
	"github.com/wisbric/nightowl/pkg/worker"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting nightowl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	kv, closeKV, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to storage backend: %w", err)
	}
	defer closeKV()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, kv, metricsReg)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, kv)
	case "worker":
		return runWorker(ctx, cfg, logger)
	case "resultd":
		return runResultd(ctx, cfg, logger, kv)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// newStore connects to Redis and wraps it in the in-memory-fallback Tiered
// store (§4.5 "degraded mode"). Every process mode shares this construction
// so a Redis outage degrades every process the same way.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	kv := store.NewTiered(store.NewRedisStore(rdb), logger)
	return kv, func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}, nil
}

func newBus(cfg *config.Config, logger *slog.Logger) (*platform.Bus, error) {
	return platform.NewBus(cfg.RabbitMQURL, logger)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, kv store.Store, metricsReg *prometheus.Registry) error {
	var secrets *secretstore.Store
	if cfg.VaultAddr != "" {
		var err error
		secrets, err = secretstore.New(cfg.VaultAddr, cfg.VaultToken, "secret")
		if err != nil {
			return fmt.Errorf("connecting to vault: %w", err)
		}
		logger.Info("vault-backed secret store enabled", "addr", cfg.VaultAddr)
	} else {
		logger.Info("vault disabled (VAULT_ADDR not set): external password storage and worker credential escrow unavailable")
	}

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Warn("session: using auto-generated dev secret, set NIGHTOWL_SESSION_SECRET in production")
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, cfg.JWTIssuer, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	passwordPolicy := auth.NewPasswordPolicy(cfg.PasswordMinLength, cfg.PasswordBcryptCost, cfg.PasswordExternal, secrets)
	ipLimiter := auth.NewRateLimiter(kv, cfg.LoginMaxAttempts, cfg.LoginWindow)
	lockout := auth.NewAccountLockout(kv, cfg.LoginMaxAttempts, cfg.LockoutDuration)
	attempts := auth.NewAttemptRecorder(kv)
	users := user.NewStore(kv)
	loginHandler := auth.NewLoginHandler(sessionMgr, users, passwordPolicy, ipLimiter, lockout, attempts, logger)

	workerStore := worker.NewStore(kv, secrets)
	workerHTTP := worker.NewHandler(workerStore, kv, cfg.RegistrationToken, cfg.BrokerAdvertiseHost, cfg.RegistrationMaxPerIPHour)

	auditWriter := audit.NewWriter(kv, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	auditHandler := audit.NewHandler(kv, logger)

	srv := httpserver.NewServer(cfg, logger, kv, metricsReg)

	// Public, unauthenticated surfaces: worker registration (§6) and login
	// (§4.6) — login needs the nest resolved from the request, not from a
	// session token it doesn't have yet.
	srv.Router.Post("/register", workerHTTP.HandleRegister)
	srv.Router.Get("/register/{workerId}/status", workerHTTP.HandleStatus)

	nestMW := nest.Middleware(kv, nest.HeaderResolver{}, logger)
	srv.Router.Route("/auth", func(r chi.Router) {
		r.Use(nestMW)
		r.Post("/login", loginHandler.HandleLogin)
		r.Post("/refresh", loginHandler.HandleRefresh)
	})

	// Authenticated surfaces: session bearer token required.
	authMW := auth.Middleware(sessionMgr, logger)
	srv.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW)
		r.Get("/auth/me", loginHandler.HandleMe)
		r.Mount("/audit-log", auditHandler.Routes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, kv store.Store) error {
	bus, err := newBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer bus.Close()

	var secrets *secretstore.Store
	if cfg.VaultAddr != "" {
		secrets, err = secretstore.New(cfg.VaultAddr, cfg.VaultToken, "secret")
		if err != nil {
			return fmt.Errorf("connecting to vault: %w", err)
		}
	}
	workerStore := worker.NewStore(kv, secrets)

	sched := scheduler.New(kv, bus, workerStore, logger, scheduler.Config{
		TickInterval:     time.Duration(cfg.SchedulerTickMs) * time.Millisecond,
		DedupWindow:      time.Duration(cfg.SchedulerDedupTTLS) * time.Second,
		HeartbeatTimeout: time.Duration(cfg.WorkerHeartbeatTimeoutMs) * time.Millisecond,
		RequireSignature: cfg.WorkerRequireSignature,
	})
	return sched.Run(ctx)
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.WorkerID == "" {
		return fmt.Errorf("WORKER_ID must be set for mode=worker")
	}
	bus, err := newBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer bus.Close()

	agent := worker.NewAgent(cfg.WorkerID, cfg.WorkerRegion, cfg.WorkerPublicKey, bus, logger)
	return agent.Run(ctx)
}

func runResultd(ctx context.Context, cfg *config.Config, logger *slog.Logger, kv store.Store) error {
	bus, err := newBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer bus.Close()

	pipeline := resultpipeline.New(kv, bus, logger, time.Duration(cfg.SchedulerDedupTTLS)*time.Second)
	return pipeline.Run(ctx)
}
