package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/steward-auth/steward/internal/accounts"
	"github.com/steward-auth/steward/internal/app"
	"github.com/steward-auth/steward/internal/authz"
	"github.com/steward-auth/steward/internal/observability"
	"github.com/steward-auth/steward/internal/platform/cache"
	"github.com/steward-auth/steward/internal/platform/db"
	"github.com/steward-auth/steward/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var publisher authz.Publisher = authz.NopPublisher{}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, events disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		publisher = authz.NewRedisPublisher(redisClient, logger)
	}

	metrics := observability.NewMetrics()

	authzRepo := authz.NewRepository(pool)
	authzService := authz.NewService(authzRepo, publisher, logger)
	authzService.SetDefaultRole(cfg.DefaultRoleName)
	authzService.SetRecorder(metrics)

	if err := authzService.SeedSystemRoles(ctx); err != nil {
		logger.Error("seed system roles", slog.Any("error", err))
		os.Exit(1)
	}

	accountsRepo := accounts.NewRepository(pool)
	accountsService := accounts.NewService(accountsRepo)

	authzHandler := authz.NewHandler(logger, authzService, accountsService)
	accountsHandler := accounts.NewHandler(logger, accountsService, authzService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthzHandler:    authzHandler,
		AccountsHandler: accountsHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
