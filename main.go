package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/citewatch/orchestrator/internal/breaker"
	"github.com/citewatch/orchestrator/internal/cache"
	"github.com/citewatch/orchestrator/internal/citation"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/dispatch"
	"github.com/citewatch/orchestrator/internal/enrich"
	"github.com/citewatch/orchestrator/internal/httpapi"
	"github.com/citewatch/orchestrator/internal/llm"
	"github.com/citewatch/orchestrator/internal/prompts"
	"github.com/citewatch/orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Database
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.IdleConnections)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	// Redis backs the failure gates and the enrichment caches.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	counterStore := breaker.NewRedisStore(rdb)
	validationGate := breaker.NewGate(counterStore, cfg.Breakers.ValidationThreshold, cfg.Breakers.Window, logger)
	generationGate := breaker.NewGate(counterStore, cfg.Breakers.GenerationThreshold, cfg.Breakers.Window, logger)

	loader := prompts.NewLoader(cfg.Citations.PromptDir, logger)

	openaiDriver := llm.NewOpenAIDriver(cfg.Providers.OpenAI, logger)
	geminiDriver := llm.NewGeminiDriver(cfg.Providers.Gemini, logger)
	drivers := []llm.Driver{openaiDriver, geminiDriver}
	for _, d := range drivers {
		logger.Info("llm provider configured",
			zap.String("provider", d.Name()),
			zap.Bool("available", d.Available()),
		)
	}

	tasks := store.NewTasks(db, logger)
	backlinks := store.NewBacklinks(db, logger)

	whoisClient := enrich.NewWhoisClient(cfg.Enrich.Whois, cache.New(rdb, "whois", logger), logger)
	sbClient := enrich.NewSafeBrowsingClient(cfg.Enrich.SafeBrowsing, cache.New(rdb, "safe_browsing", logger), logger)
	pbnClient := enrich.NewPbnClient(cfg.Enrich.PbnDetector, cache.New(rdb, "pbn", logger), logger)
	pipeline := enrich.NewPipeline(backlinks, whoisClient, sbClient, pbnClient, logger)

	// The pool handler routes by job kind. svc is assigned below; jobs only
	// exist after the service dispatches them.
	var svc *citation.Service
	pool := dispatch.NewPool(cfg.Citations.Workers, 256, func(ctx context.Context, job dispatch.Job) error {
		switch job.Kind {
		case dispatch.KindChunk:
			payload, ok := job.Payload.(dispatch.ChunkPayload)
			if !ok {
				return fmt.Errorf("unexpected payload type for %s", job.Kind)
			}
			return svc.ProcessChunk(ctx, payload.TaskID, payload.Chunk)
		case dispatch.KindEnrichBacklink:
			payload, ok := job.Payload.(dispatch.EnrichPayload)
			if !ok {
				return fmt.Errorf("unexpected payload type for %s", job.Kind)
			}
			return pipeline.EnrichBacklink(ctx, payload.BacklinkID)
		default:
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
	}, logger)

	validator := citation.NewValidator(validationGate, loader, logger)
	svc = citation.NewService(tasks, validator, drivers, openaiDriver, generationGate, loader, pool, cfg.Citations, logger)

	// API server
	mux := http.NewServeMux()
	httpapi.NewCitationsHandler(svc, logger).RegisterRoutes(mux)
	httpapi.NewPbnHandler(pipeline, logger).RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("api server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown incomplete", zap.Error(err))
	}

	// Drain queued chunk and enrichment work before releasing the stores.
	pool.Close()
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
