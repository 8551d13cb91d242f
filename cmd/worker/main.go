package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/autoledger/autoledger/internal/app"
	"github.com/autoledger/autoledger/internal/audit"
	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/engine"
	jobmetrics "github.com/autoledger/autoledger/internal/jobs"
	"github.com/autoledger/autoledger/internal/migration"
	"github.com/autoledger/autoledger/internal/observability"
	"github.com/autoledger/autoledger/internal/pipeline"
	"github.com/autoledger/autoledger/internal/platform/db"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	catalogRecords, err := catalog.NewRepository(pool).LoadAll(ctx)
	if err != nil {
		logger.Error("load catalogs", slog.Any("error", err))
		os.Exit(1)
	}
	if len(catalogRecords) == 0 {
		catalogRecords = []catalog.Catalog{catalog.BAS2025v1(), catalog.BAS2025v2()}
	}
	catalogs, err := catalog.NewStore(catalogRecords...)
	if err != nil {
		logger.Error("index catalogs", slog.Any("error", err))
		os.Exit(1)
	}

	policyRecords, err := policy.NewRepository(pool).LoadAll(ctx)
	if err != nil {
		logger.Error("load policies", slog.Any("error", err))
		os.Exit(1)
	}
	if len(policyRecords) == 0 {
		policyRecords = policy.Builtin()
	}
	policies := policy.NewStore(logger, catalogs, policyRecords...)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	enqueuer, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		_ = enqueuer.Close()
	}()

	orchestrator := pipeline.NewService(
		pipeline.NewRepository(pool),
		catalogs,
		policies,
		migration.NewService(catalogs, migration.Builtin()...),
		engine.New(),
		audit.NewService(audit.NewRepository(pool)),
		enqueuer,
		observability.NewMetrics(),
		logger,
		pipeline.Config{
			RunDeadline:    cfg.RunDeadline,
			ClaimLease:     cfg.ClaimLease,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			DefaultSeries:  cfg.DefaultSeries,
		},
	)

	reclaimTask, err := jobs.NewReclaimTask(100)
	if err != nil {
		logger.Error("build reclaim task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Advancer:  orchestrator,
		Metrics:   jobmetrics.NewMetrics(nil),
		Cron: []jobs.CronRegistration{
			{Spec: "* * * * *", Task: reclaimTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
