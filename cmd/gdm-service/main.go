// cmd/gdm-service/main.go
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gdm-risk-service/internal/api"
	"gdm-risk-service/internal/common/aws"
	"gdm-risk-service/internal/common/camunda"
	"gdm-risk-service/internal/common/config"
	"gdm-risk-service/internal/common/database"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/common/observability"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/inference"
	"gdm-risk-service/internal/gdm/notify"
	"gdm-risk-service/internal/gdm/persistence"
	"gdm-risk-service/internal/gdm/pipeline"

	pgr "gdm-risk-service/internal/workers/clinical/predict-gdm-risk"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting gdm-service...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	obs, err := observability.New(observability.Options{
		ServiceName:    cfg.Observability.ServiceName,
		TracingEnabled: cfg.Observability.TracingEnabled,
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
	})
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}

	// --- Inference artifacts: loaded once, never reloaded ---
	adapter, err := inference.LoadAdapter(cfg.Artifacts.TransformPath, cfg.Artifacts.ClassifierPath)
	if err != nil {
		zapLog.Fatal("inference artifacts failed to load", zap.Error(err))
	}
	info := adapter.Info()
	zapLog.Info("Inference artifacts loaded",
		zap.String("transformVersion", info.TransformVersion),
		zap.String("classifierVersion", info.ClassifierVersion),
		zap.String("encodingVersion", info.EncodingVersion),
		zap.Int("width", info.Width),
	)

	// --- Object store ---
	s3Client, err := aws.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		zapLog.Fatal("s3 client init failed", zap.Error(err))
	}
	readiness := []api.ReadinessCheck{{
		Name:  "s3",
		Check: func(ctx context.Context) error { return s3Client.HeadBucket(ctx, cfg.Storage.Bucket) },
	}}

	// --- Optional audit cache ---
	var cache *persistence.AuditCache
	var redis *database.RedisClient
	if cfg.Cache.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			redis, err = database.NewRedis(ctx, cfg.Cache.Redis)
			return err
		}, 5, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redis.Close()

		cache = persistence.NewAuditCache(redis.Client, time.Duration(cfg.Cache.TTL)*time.Second)
		readiness = append(readiness, api.ReadinessCheck{Name: "redis", Check: redis.Ping})
		zapLog.Info("Redis connected successfully")
	}

	persister := persistence.NewPersister(persistence.PersisterOptions{
		Store:  s3Client,
		Bucket: cfg.Storage.Bucket,
		Cache:  cache,
		Logger: log,
	})

	// --- Optional high-risk alerts ---
	deps := pipeline.Dependencies{
		Builder:       features.NewBuilder(nil),
		Classifier:    adapter,
		Persister:     persister,
		Logger:        log,
		Observability: obs,
	}
	if cfg.Notifications.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		deps.Alerter = notify.NewSNSPublisher(snsClient, cfg.Notifications.SNS.TopicARN)
		zapLog.Info("High-risk alerts enabled", zap.String("topicArn", cfg.Notifications.SNS.TopicARN))
	}

	orchestrator := pipeline.New(deps)

	// --- Optional Camunda worker ---
	var handler *pgr.Handler
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		zeebe, err = camunda.NewClient(ctx, camunda.ConfigFrom(cfg.Camunda), log)
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		readiness = append(readiness, api.ReadinessCheck{Name: "zeebe", Check: zeebe.HealthCheck})

		handler, err = pgr.NewHandler(pgr.HandlerOptions{
			AppConfig: cfg,
			Camunda:   zeebe,
			Runner:    orchestrator,
			Logger:    log,
		})
		if err != nil {
			zapLog.Fatal("failed to create predict-gdm-risk handler", zap.Error(err))
		}
		if err := handler.Register(); err != nil {
			zapLog.Fatal("failed to register predict-gdm-risk worker", zap.Error(err))
		}
	}

	// --- HTTP surface ---
	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewServer(api.ServerOptions{
			Runner:      orchestrator,
			Audit:       persister,
			FormOptions: features.V1().Options(),
			Readiness:   readiness,
			Logger:      log,
		}),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if handler != nil {
		handler.Close()
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}

	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("observability shutdown failed", zap.Error(err))
	}

	zapLog.Info("gdm-service stopped gracefully")
}
