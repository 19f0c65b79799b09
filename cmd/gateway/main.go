package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/api"
	"github.com/lalithlochan/preorder/internal/bootstrap"
	"github.com/lalithlochan/preorder/internal/config"
	"github.com/lalithlochan/preorder/internal/observ"
	"github.com/lalithlochan/preorder/internal/offer"
	"github.com/lalithlochan/preorder/internal/redis"
	"github.com/lalithlochan/preorder/internal/reminder"
	"github.com/lalithlochan/preorder/internal/sns"
	"github.com/lalithlochan/preorder/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting preorder gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("timezone", cfg.Timezone),
	)

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sender, err := bootstrap.NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	notifier, err := bootstrap.NewNotifier(ctx, cfg, sender, store, logger)
	if err != nil {
		return err
	}

	var events offer.EventPublisher
	if cfg.AWS.SNSTopicARN != "" {
		publisher, err := sns.NewPublisherWithEndpoint(ctx, cfg.AWS.SNSTopicARN, cfg.AWS.Endpoint, cfg.AWS.Region, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, confirmation events disabled", zap.Error(err))
		} else {
			events = publisher
		}
	}

	svc := offer.NewService(store, offer.Config{
		Location: cfg.Location(),
		Notifier: notifier,
		Events:   events,
	}, logger)

	// Redis backs idempotency keys and the shared rate limit; without it
	// each replica limits on its own and idempotency is off.
	var (
		idempotency *redis.IdempotencyService
		limiter     api.Limiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency disabled and rate limiting is local",
			zap.Error(err),
			zap.String("addr", cfg.Redis.Addr()),
		)
		limiter = api.NewLocalLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	} else {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Name:   "api",
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
		})
	}

	handler := api.NewHandlerWithIdempotency(logger, svc, store, store, idempotency)

	// Background loops stop on ctx and are waited for before the store closes.
	var background bootstrap.Background
	defer background.Wait()

	if cfg.Reminder.Interval > 0 {
		scheduler := reminder.New(store, notifier, reminder.Config{Location: cfg.Location()}, logger)
		background.Go(ctx, func(ctx context.Context) {
			scheduler.Start(ctx, cfg.Reminder.Interval)
		})
	}

	if cfg.AWS.SQSRetryQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, bootstrap.SQSConfig(cfg), logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, failed notifications stay queued", zap.Error(err))
		} else {
			worker := sqs.NewRetryWorker(consumer, sender, store, logger)
			background.Go(ctx, worker.Start)
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}

	background.Wait()
	logger.Info("background workers stopped")
	return nil
}
