package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelconvert/internal/api"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/ratelimit"
	"github.com/dunamismax/pixelconvert/internal/segment"
	"github.com/dunamismax/pixelconvert/internal/storage"
	"github.com/dunamismax/pixelconvert/internal/telemetry"
	"github.com/dunamismax/pixelconvert/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.New(os.Stdout, "[web] ", log.LstdFlags|log.Lmsgprefix)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("load .env failed: %v", err)
	}
	cfg := config.Load()

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("web gateway failed: %v", err)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	remover, err := newRemover(cfg.Remover)
	if err != nil {
		return fmt.Errorf("build background remover: %w", err)
	}
	if closer, ok := remover.(io.Closer); ok {
		defer closer.Close()
	}

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}

	codec, err := pipeline.NewCodec()
	if err != nil {
		return fmt.Errorf("build codec: %w", err)
	}
	converter, err := pipeline.NewConverter(codec, remover, store)
	if err != nil {
		return err
	}

	var opts []api.Option
	if notifier := webhook.NewNotifier(cfg.Webhook); notifier != nil {
		opts = append(opts, api.WithNotifier(notifier))
		logger.Printf("conversion webhooks enabled url=%s", cfg.Webhook.URL)
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.RateLimit.RedisOptions())
		defer redisClient.Close()

		limiter, err := ratelimit.NewUploadBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("build rate limiter: %w", err)
		}
		opts = append(opts, api.WithRateLimiter(limiter))
		logger.Printf("upload rate limit enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	app, err := api.NewServer(logger, cfg, converter, store, opts...)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Web.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s codec=%s remover=%s storage=%s", cfg.Web.Addr, pipeline.CodecName(), cfg.Remover.Backend, cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := app.Drain(shutdownCtx); err != nil {
		logger.Printf("webhook drain incomplete: %v", err)
	}
	return nil
}

func newRemover(cfg config.RemoverConfig) (segment.Remover, error) {
	switch cfg.Backend {
	case config.RemoverBackendHTTP:
		return segment.NewHTTPRemover(segment.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
		})
	case config.RemoverBackendONNX:
		return segment.NewONNXRemover(segment.ONNXConfig{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.LibraryPath,
			InputName:   cfg.InputName,
			OutputName:  cfg.OutputName,
		})
	case config.RemoverBackendNone:
		return segment.NewPassthrough(), nil
	default:
		return nil, fmt.Errorf("unknown remover backend %q", cfg.Backend)
	}
}

func newArtifactStore(ctx context.Context, cfg config.Config) (pipeline.ArtifactStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendLocal:
		return pipeline.NewLocalArtifactStore(cfg.Web.ConvertedDir)
	case config.StorageBackendMinIO:
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return pipeline.NewObjectArtifactStore(client, cfg.Storage.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
