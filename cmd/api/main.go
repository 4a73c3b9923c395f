package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelscrub/internal/api"
	"github.com/dunamismax/pixelscrub/internal/config"
	"github.com/dunamismax/pixelscrub/internal/ingest"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
	"github.com/dunamismax/pixelscrub/internal/queue"
	"github.com/dunamismax/pixelscrub/internal/ratelimit"
	"github.com/dunamismax/pixelscrub/internal/session"
	"github.com/dunamismax/pixelscrub/internal/storage"
	"github.com/dunamismax/pixelscrub/internal/store"
	"github.com/dunamismax/pixelscrub/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

const notificationLimit = 100

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixelscrub-api", cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	decoder, err := pipeline.NewDecoder()
	if err != nil {
		logger.Fatalf("decoder setup failed: %v", err)
	}
	defer pipeline.Shutdown()

	metrics := api.NewMetrics()
	inbox := session.NewInbox(notificationLimit)
	logNotifier := session.LogNotifier(logger)

	sess, err := session.New(ingest.New(decoder), session.Options{
		Logger: logger,
		Config: cfg.Scrub.Configuration(),
		Rand:   pipeline.NewRand(cfg.Scrub.Seed),
		Notifier: session.NotifierFunc(func(n session.Notification) {
			logNotifier.Notify(n)
			inbox.Notify(n)
		}),
		Recorder: metrics,
	})
	if err != nil {
		logger.Fatalf("session setup failed: %v", err)
	}
	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("session stopped: %v", err)
		}
	}()

	opts := api.Options{
		Logger:          logger,
		Session:         sess,
		Notifications:   inbox,
		RateLimitHeader: cfg.RateLimit.UserIDHeader,
		Tracer:          otel.Tracer("pixelscrub/api"),
		Metrics:         metrics,
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		PresignTTL:      cfg.API.PresignTTL,
	}

	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint:       cfg.Storage.Endpoint,
			Access:         cfg.Storage.AccessKey,
			Secret:         cfg.Storage.SecretKey,
			Bucket:         cfg.Storage.Bucket,
			UseSSL:         cfg.Storage.UseSSL,
			MaxObjectBytes: cfg.API.MaxUploadBytes,
		})
		if err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatalf("storage bucket setup failed: %v", err)
		}
		opts.Storage = storageClient
		logger.Printf("object storage enabled endpoint=%s bucket=%s", cfg.Storage.Endpoint, storageClient.Bucket())
	}

	if cfg.API.BatchEnabled {
		jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("job store setup failed: %v", err)
		}
		defer func() {
			if err := closeStore(); err != nil {
				logger.Printf("job store close error: %v", err)
			}
		}()

		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		opts.Jobs = jobStore
		opts.Queue = queueClient
		logger.Printf("batch jobs enabled queue=%s redis=%s", cfg.Queue.Name, cfg.Queue.RedisAddr)
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.Fatalf("api setup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
