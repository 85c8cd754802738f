package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sketchStudio/api/middleware"
	"sketchStudio/internal/database"
	"sketchStudio/internal/events"
	"sketchStudio/internal/metrics"
	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
	"sketchStudio/worker/cdn"
	"sketchStudio/worker/config"
	"sketchStudio/worker/converter"
	"sketchStudio/worker/handlers"
	"sketchStudio/worker/kafka"
	"sketchStudio/worker/pipeline"
	"sketchStudio/worker/pool"
	"sketchStudio/worker/service"
	"sketchStudio/worker/upstream/openai"
	"sketchStudio/worker/upstream/tripo"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Worker Service starting",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.Int("workers", cfg.WorkerCount),
		zap.Bool("kafka", cfg.KafkaEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, store.OpenConfig{
		Backend:     cfg.StoreBackend,
		Redis:       database.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB},
		DatabaseURL: cfg.DatabaseURL,
		TTL:         cfg.TaskTTL,
	})
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer closeStore()

	if cfg.NATSURL != "" {
		bus, err := events.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, task updates will not be published", zap.Error(err))
		} else {
			defer bus.Close()
			st = store.WithNotifier(st, bus, logger)
		}
	}

	m := metrics.New()

	pipelines, err := buildPipelines(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipelines", zap.Error(err))
	}

	workers := pool.NewWorkerPool(cfg.WorkerCount, logger)
	processor := service.NewProcessor(st, pipelines, workers, m, cfg.TaskTimeout, logger)

	r := chi.NewRouter()
	r.Use(middleware.TraceID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(m.HTTPMiddleware())

	handlers.NewWorkerHandler(processor, cfg.WorkerToken, logger).Routes(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	if cfg.KafkaEnabled {
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, processor, logger)
		if err != nil {
			logger.Fatal("Failed to create Kafka consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, cfg.KafkaTopic); err != nil {
				logger.Error("Kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	if purger, ok := st.(store.Purger); ok {
		go runJanitor(ctx, purger, cfg.JanitorInterval, cfg.TaskTTL, logger)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Running pipelines abandoned at shutdown", zap.Error(err))
	}
}

// buildPipelines wires a pipeline for every family whose upstream is
// configured. Triggers for the rest are recorded as failed.
func buildPipelines(ctx context.Context, cfg *config.Config, logger *zap.Logger) (map[models.Family]pipeline.Pipeline, error) {
	pipelines := make(map[models.Family]pipeline.Pipeline)
	download := pipeline.NewDownloader(cfg.DownloadTimeout, cfg.MaxDownloadBytes)

	var uploader pipeline.Uploader
	if cfg.CDNConfigured() {
		u, err := cdn.New(ctx, cdn.Config{
			Bucket:    cfg.CDNBucket,
			Region:    cfg.CDNRegion,
			Endpoint:  cfg.CDNEndpoint,
			PublicURL: cfg.CDNPublicURL,
			Prefix:    cfg.CDNPrefix,
			Timeout:   cfg.CDNTimeout,
		})
		if err != nil {
			return nil, err
		}
		uploader = u
	}

	if cfg.OpenAIConfigured() {
		client := openai.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAITimeout)
		pipelines[models.FamilyGenerate] = pipeline.NewGenerate(client, uploader)
		if uploader != nil {
			pipelines[models.FamilyEdit] = pipeline.NewEdit(client, cfg.OpenAIEditModel, uploader, converter.NewConverter(logger), download, logger)
		} else {
			logger.Warn("CDN not configured, edit tasks will fail")
		}
	} else {
		logger.Warn("OPENAI_API_KEY not set, edit and generate tasks will fail")
	}

	if cfg.TripoConfigured() {
		client := tripo.NewClient(cfg.TripoKey, cfg.TripoBaseURL, cfg.TripoTimeout)
		pipelines[models.FamilyReconstruct] = pipeline.NewReconstruct(client, download, cfg.ReconstructTimeout, logger)
	} else {
		logger.Warn("TRIPO_API_KEY not set, reconstruct tasks will fail")
	}

	return pipelines, nil
}

func runJanitor(ctx context.Context, purger store.Purger, interval, ttl time.Duration, logger *zap.Logger) {
	if interval <= 0 || ttl <= 0 {
		logger.Warn("Janitor disabled", zap.Duration("interval", interval), zap.Duration("ttl", ttl))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeBefore(ctx, time.Now().Add(-ttl))
			if err != nil {
				logger.Error("Purge expired tasks failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Purged expired tasks", zap.Int64("count", n))
			}
		}
	}
}
