package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-engine/internal/engine/monitor"
	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
	"github.com/noah-isme/timetable-engine/internal/engine/repair"
	"github.com/noah-isme/timetable-engine/internal/engine/strategy"
	"github.com/noah-isme/timetable-engine/internal/handler"
	internalmiddleware "github.com/noah-isme/timetable-engine/internal/middleware"
	"github.com/noah-isme/timetable-engine/internal/repository"
	"github.com/noah-isme/timetable-engine/internal/service"
	"github.com/noah-isme/timetable-engine/pkg/cache"
	"github.com/noah-isme/timetable-engine/pkg/config"
	"github.com/noah-isme/timetable-engine/pkg/database"
	"github.com/noah-isme/timetable-engine/pkg/jobs"
	"github.com/noah-isme/timetable-engine/pkg/logger"
	corsmiddleware "github.com/noah-isme/timetable-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/timetable-engine/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	var db *sqlx.DB
	if cfg.Engine.QTableBackend == config.QTableBackendPostgres || cfg.Engine.DatasetPath == "" {
		conn, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer conn.Close()
		db = conn
		if cfg.Engine.QTableBackend == config.QTableBackendPostgres {
			if err := database.EnsureQTableSchema(ctx, db); err != nil {
				return fmt.Errorf("prepare qtable schema: %w", err)
			}
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	cacheRepo := repository.NewCacheRepository(redisClient, "timetable", logr)
	defer cacheRepo.Close() //nolint:errcheck

	var qtables repair.Store
	switch cfg.Engine.QTableBackend {
	case config.QTableBackendPostgres:
		qtables = repository.NewQTableRepository(db)
	case config.QTableBackendRedis:
		if !cacheRepo.Enabled() {
			return errors.New("redis qtable backend requires REDIS_ENABLED")
		}
		qtables = repository.NewQTableCacheRepository(cacheRepo)
	default:
		qtables = repair.NewMemoryStore()
	}

	var source service.EntitySource
	if cfg.Engine.DatasetPath != "" {
		source = repository.NewDatasetFileRepository(cfg.Engine.DatasetPath)
	} else {
		source = repository.NewEntityRepository(db)
	}

	mon, err := monitor.New(monitor.VirtualMemorySampler{LimitBytes: cfg.Monitor.MemoryLimitBytes}, monitor.Config{
		Interval:      cfg.Monitor.Interval,
		WarningRatio:  cfg.Monitor.WarningRatio,
		CriticalRatio: cfg.Monitor.CriticalRatio,
		Logger:        logr.Named("monitor"),
	})
	if err != nil {
		return fmt.Errorf("init memory monitor: %w", err)
	}
	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Sugar().Warnw("memory monitor stopped", "error", err)
		}
	}()

	table := strategy.DefaultTable()
	if cfg.Engine.StrategyTablePath != "" {
		if table, err = strategy.LoadTable(cfg.Engine.StrategyTablePath); err != nil {
			return fmt.Errorf("load strategy table: %w", err)
		}
	}

	profile, err := strategy.Detect(ctx, strategy.DetectOptions{
		GPUOverride:      cfg.Engine.GPUOverride,
		MemoryLimitBytes: cfg.Monitor.MemoryLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("detect hardware: %w", err)
	}
	logr.Sugar().Infow("hardware profile", "memory_bytes", profile.TotalMemoryBytes, "cores", profile.CPUCores, "gpu", profile.HasGPU)

	tracker := service.NewProgressTracker()
	var sink pipeline.ProgressSink = tracker
	if cfg.Progress.Publish && cacheRepo.Enabled() {
		sink = pipeline.MultiSink{tracker, repository.NewProgressRepository(cacheRepo, cfg.Progress.RedisChannel, cfg.Engine.ResultTTL)}
	}

	orchestrator := pipeline.New(pipeline.Config{
		Table:          table,
		EdgeThreshold:  cfg.Engine.EdgeThreshold,
		MaxClusterSize: cfg.Engine.MaxClusterSize,
		Logger:         logr.Named("pipeline"),
	}, mon, qtables, sink)

	metricsSvc := service.NewMetricsService(mon)

	generation := service.NewGenerationService(orchestrator, source, tracker, cacheRepo, metricsSvc, validator.New(), logr, service.GenerationConfig{
		DefaultQuality: cfg.Engine.DefaultQuality,
		Seed:           uint64(cfg.Engine.Seed),
		QTableScope:    cfg.Engine.QTableScope,
		ResultTTL:      cfg.Engine.ResultTTL,
		Profile:        profile,
		Queue: jobs.QueueConfig{
			Workers:    cfg.Jobs.Workers,
			BufferSize: cfg.Jobs.BufferSize,
			MaxRetries: cfg.Jobs.MaxRetries,
			RetryDelay: cfg.Jobs.RetryDelay,
		},
	})
	generation.Start(ctx)
	defer generation.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/metrics/summary", metricsHandler.Summary)

	api := r.Group(cfg.APIPrefix)
	handler.NewGenerationHandler(generation).RegisterRoutes(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
