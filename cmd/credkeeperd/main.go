package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	platform "github.com/layer-3/credkeeper/adapters/biometric"
	"github.com/layer-3/credkeeper/adapters/device"
	"github.com/layer-3/credkeeper/adapters/events"
	"github.com/layer-3/credkeeper/adapters/identity"
	"github.com/layer-3/credkeeper/adapters/store"
	"github.com/layer-3/credkeeper/config"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/otel"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service"
	transport "github.com/layer-3/credkeeper/transport/http"
)

const serviceName = "credkeeperd"

func main() {
	logger := stdr.New(stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds))

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(1)
	}
	stdr.SetVerbosity(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(err, "credkeeperd stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logr.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error(err, "failed to flush traces")
		}
	}()

	var redisClient *redis.Client
	if cfg.StorageBackend == config.BackendRedis || cfg.EventStream {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	dev := device.NewRuntime(cfg.Platform, cfg.OSVersion, cfg.DeviceID)

	storage, closeStorage, err := openStorage(cfg, dev, redisClient)
	if err != nil {
		return err
	}
	defer closeStorage()

	var publisher ports.EventPublisher
	if cfg.EventStream {
		streamPublisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			return fmt.Errorf("create redis stream publisher: %w", err)
		}
		defer streamPublisher.Close()
		publisher = events.NewWatermillPublisher(streamPublisher, cfg.EventsTopic, cfg.AlertsTopic)
	}

	biometrics, _ := platform.FromMode(cfg.BiometricMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	authService := service.NewAuthService(service.Dependencies{
		Storage:    storage,
		Identity:   identity.NewClient(cfg.IdentityURL, &http.Client{Timeout: cfg.IdentityTimeout}),
		Biometrics: biometrics,
		Device:     dev,
		Publisher:  publisher,
		Metrics:    metrics.New(registry),
		Logger:     log,
	}, cfg.Service())

	authService.OnAlert(func(alert core.Alert) {
		log.Info("security alert", "severity", alert.Severity, "type", alert.Type, "message", alert.Message)
	})
	authService.OnAction(func(_ context.Context, action service.Action) {
		log.Info("user action required", "code", action.Code, "error", action.Err)
	})

	if subject, ok := authService.Restore(ctx); ok {
		log.Info("restored session", "subject", subject)
	}
	authService.Start(ctx)
	defer authService.Stop()

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           transport.SetupRouter(authService, cfg.ControlKey, registry, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control API listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve control API: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStorage returns the configured platform storage and its close func
func openStorage(cfg config.Config, dev *device.Runtime, redisClient *redis.Client) (ports.SecureStorage, func(), error) {
	noop := func() {}

	switch cfg.StorageBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), noop, nil

	case config.BackendSQLite:
		sealer, err := store.NewSealer(store.DeriveKey(cfg.StorageSecret, dev.DeviceID()))
		if err != nil {
			return nil, noop, fmt.Errorf("create sealer: %w", err)
		}
		db, err := store.OpenDB(cfg.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		if err := store.RunMigrations(db.Writer); err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("migrate sqlite: %w", err)
		}
		return store.NewSQLiteStore(db, sealer), func() { db.Close() }, nil

	case config.BackendRedis:
		sealer, err := store.NewSealer(store.DeriveKey(cfg.StorageSecret, dev.DeviceID()))
		if err != nil {
			return nil, noop, fmt.Errorf("create sealer: %w", err)
		}
		return store.NewRedisStore(redisClient, sealer), noop, nil
	}

	return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
