package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "livepoll/docs"
	"livepoll/internal/broadcast"
	"livepoll/internal/config"
	"livepoll/internal/domain/poll"
	"livepoll/internal/domain/vote"
	api "livepoll/internal/http"
	"livepoll/internal/metrics"
	"livepoll/internal/platform/database"
	jwtpkg "livepoll/internal/platform/jwt"
	"livepoll/internal/platform/redisconn"
	"livepoll/internal/ratelimit"
	"livepoll/internal/repository/postgres"
	"livepoll/internal/resilience"
	"livepoll/internal/session"
	"livepoll/internal/worker"
	"livepoll/internal/ws"
)

// @title           Live Poll API
// @version         1.0
// @description     Real-time polling service with cross-instance session sync
// @BasePath        /api/v1
func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	api.SetLogger(logger)

	metrics.Register()

	db, err := database.NewPostgres(cfg.DB_DSN)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer db.Close()

	rdb, err := redisconn.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connect error: %v", err)
	}
	defer rdb.Close()

	guards := newGuards(cfg, logger)

	hub := broadcast.NewHub()
	fabric := broadcast.NewFabric(rdb, guards.PubSub, hub)

	sessions := session.NewDirectory(rdb, guards.Cache, cfg.SessionTTL)

	auditCh := make(chan ratelimit.AuditEvent, 100)
	governor := ratelimit.NewGovernor(rdb, guards.Cache, auditCh)

	pollRepo := postgres.NewPollRepo(db)
	voteRepo := postgres.NewVoteRepo(db)

	pollSvc := poll.NewService(pollRepo, voteRepo, sessions, guards.Store, fabric, cfg.MaxParticipants)
	voteSvc := vote.NewService(voteRepo, pollRepo, sessions, guards.Store, fabric)

	jwtMgr := jwtpkg.NewManager(cfg.JWTSecret, "")

	wsHandler := ws.NewHandler(hub, pollSvc, voteSvc, governor, jwtMgr, cfg.RequireHostToken)
	router := api.NewRouter(pollSvc, voteSvc, governor, jwtMgr, db, rdb, wsHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := fabric.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("broadcast fabric error: %v", err)
		}
	}()
	go worker.NewAuditWorker(auditCh).Run(ctx)
	go worker.NewReaper(pollSvc, time.Hour, cfg.RetentionWindow).Run(ctx)

	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown error: %v", err)
	}

	logger.Info("server stopped")
}

// newGuards builds the per-dependency breaker+retry guards. Breaker state
// transitions are mirrored into the metrics gauge.
func newGuards(cfg config.Config, logger *slog.Logger) resilience.Registry {
	onChange := func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
		metrics.SetBreakerState(name, int(to))
	}

	policy := resilience.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	breaker := func(name string, timeout time.Duration) *resilience.Breaker {
		return resilience.NewBreaker(name, resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
			Timeout:          timeout,
			OnStateChange:    onChange,
		})
	}

	return resilience.Registry{
		Store:  resilience.NewGuard(breaker("store", cfg.StoreTimeout), policy),
		Cache:  resilience.NewGuard(breaker("cache", cfg.CacheTimeout), policy),
		PubSub: resilience.NewGuard(breaker("pubsub", cfg.CacheTimeout), policy),
	}
}
