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
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/autoledger/autoledger/internal/app"
	"github.com/autoledger/autoledger/internal/audit"
	"github.com/autoledger/autoledger/internal/booking"
	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/migration"
	"github.com/autoledger/autoledger/internal/observability"
	"github.com/autoledger/autoledger/internal/pipeline"
	"github.com/autoledger/autoledger/internal/platform/cache"
	"github.com/autoledger/autoledger/internal/platform/db"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
	"github.com/autoledger/autoledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, run status cache disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	catalogRepo := catalog.NewRepository(pool)
	catalogRecords, err := catalogRepo.LoadAll(ctx)
	if err != nil {
		logger.Error("load catalogs", slog.Any("error", err))
		os.Exit(1)
	}
	if len(catalogRecords) == 0 {
		logger.Warn("no catalogs persisted, falling back to builtin BAS datasets")
		catalogRecords = []catalog.Catalog{catalog.BAS2025v1(), catalog.BAS2025v2()}
	}
	catalogs, err := catalog.NewStore(catalogRecords...)
	if err != nil {
		logger.Error("index catalogs", slog.Any("error", err))
		os.Exit(1)
	}

	policyRepo := policy.NewRepository(pool)
	policyRecords, err := policyRepo.LoadAll(ctx)
	if err != nil {
		logger.Error("load policies", slog.Any("error", err))
		os.Exit(1)
	}
	if len(policyRecords) == 0 {
		logger.Warn("no policies persisted, falling back to builtin policy set")
		policyRecords = policy.Builtin()
	}
	policies := policy.NewStore(logger, catalogs, policyRecords...)

	migrator := migration.NewService(catalogs, migration.Builtin()...)
	auditService := audit.NewService(audit.NewRepository(pool))
	metrics := observability.NewMetrics()

	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		_ = enqueuer.Close()
	}()

	runRepo := pipeline.NewRepository(pool)
	orchestrator := pipeline.NewService(runRepo, catalogs, policies, migrator, engine.New(), auditService, enqueuer, metrics, logger, pipeline.Config{
		RunDeadline:    cfg.RunDeadline,
		ClaimLease:     cfg.ClaimLease,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		DefaultSeries:  cfg.DefaultSeries,
	})

	bookingRepo := booking.NewRepository(pool)
	bookingService := booking.NewService(bookingRepo, auditService)

	pipelineHandler := pipeline.NewHandler(logger, orchestrator, auditService)
	pipelineHandler.WithIdempotency(shared.NewIdempotencyStore(pool))
	if redisClient != nil {
		pipelineHandler.WithStatusCache(cache.NewRunStatus(redisClient, cfg.RunStatusCacheTTL))
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		PipelineHandler:  pipelineHandler,
		BookingHandler:   booking.NewHandler(logger, bookingService),
		PolicyHandler:    policy.NewHandler(logger, policies),
		MigrationHandler: migration.NewHandler(logger, migrator, policies, policyRepo),
		JobHandler:       jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
