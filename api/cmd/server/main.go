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
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sketchStudio/api/config"
	"sketchStudio/api/dispatch"
	"sketchStudio/api/handlers"
	"sketchStudio/api/middleware"
	"sketchStudio/api/service"
	"sketchStudio/api/validation"
	"sketchStudio/internal/database"
	"sketchStudio/internal/events"
	"sketchStudio/internal/metrics"
	"sketchStudio/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("API Service starting",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("dispatch", cfg.DispatchMode),
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

	var bus *events.Bus
	if cfg.NATSURL != "" {
		bus, err = events.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, event streams will poll the store", zap.Error(err))
		} else {
			defer bus.Close()
			st = store.WithNotifier(st, bus, logger)
		}
	}

	dispatcher, closeDispatcher, err := newDispatcher(cfg)
	if err != nil {
		logger.Fatal("Failed to create dispatcher", zap.Error(err))
	}
	defer closeDispatcher()

	m := metrics.New()

	svc := service.NewTaskService(st, dispatcher, cfg, validation.Limits{MaxImageBytes: cfg.MaxImageBytes}, m, logger)
	streamCfg := service.StreamConfig{Refresh: cfg.StreamRefresh, MaxDuration: cfg.StreamMaxDuration}
	if bus != nil {
		svc.WithStream(bus, streamCfg)
	} else {
		svc.WithStream(nil, streamCfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.TraceID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(m.HTTPMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:     []string{"*"},
		ExposedHeaders:     []string{middleware.TraceIDHeader},
		OptionsPassthrough: true,
	}))

	handlers.NewTaskHandler(svc, logger).Routes(r)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
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

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	waited := make(chan struct{})
	go func() {
		svc.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		logger.Warn("Pending worker triggers abandoned at shutdown")
	}
}

func newDispatcher(cfg *config.Config) (dispatch.Dispatcher, func(), error) {
	switch cfg.DispatchMode {
	case "kafka":
		d, err := dispatch.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case "http", "":
		return dispatch.NewHTTPDispatcher(cfg.WorkerURL, cfg.WorkerToken, cfg.TriggerTimeout), func() {}, nil
	default:
		return nil, nil, errors.New("unknown DISPATCH_MODE " + cfg.DispatchMode)
	}
}
