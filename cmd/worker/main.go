package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/steward-auth/steward/internal/app"
	"github.com/steward-auth/steward/internal/authz"
	"github.com/steward-auth/steward/internal/platform/cache"
	"github.com/steward-auth/steward/internal/platform/db"
	"github.com/steward-auth/steward/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	authzRepo := authz.NewRepository(pool)
	authzService := authz.NewService(authzRepo, authz.NopPublisher{}, logger)
	authzService.SetDefaultRole(cfg.DefaultRoleName)

	statsJob := jobs.NewStatsRefreshJob(authzService, redisClient, cfg.StatsCacheTTL, logger)
	auditJob := jobs.NewAssignmentAuditJob(pool, authzService.SystemRoles(), logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStatsRefresh, Handler: statsJob.Handle},
			{Type: jobs.TaskAssignmentAudit, Handler: auditJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: jobs.NewStatsRefreshTask()},
			{Spec: "0 * * * *", Task: jobs.NewAssignmentAuditTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker shutdown complete")
}
