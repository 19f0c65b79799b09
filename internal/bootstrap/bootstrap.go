// Package bootstrap builds the collaborators shared by the binaries from
// configuration: the store, the notification pipeline and the AWS clients.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/api"
	"github.com/lalithlochan/preorder/internal/circuitbreaker"
	"github.com/lalithlochan/preorder/internal/config"
	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/db/sqlite"
	"github.com/lalithlochan/preorder/internal/export"
	"github.com/lalithlochan/preorder/internal/metrics"
	"github.com/lalithlochan/preorder/internal/notify"
	"github.com/lalithlochan/preorder/internal/offer"
	"github.com/lalithlochan/preorder/internal/reminder"
	"github.com/lalithlochan/preorder/internal/sqs"
)

// Store is everything the binaries need from persistence. Both the
// Postgres repository and the SQLite store implement it.
type Store interface {
	offer.Store
	api.UserStore
	reminder.Repository
	notify.LogStore
	export.Source
}

// OpenStore opens the configured store. The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("sqlite store opened", zap.String("path", cfg.SQLitePath))
		return s, func() { s.Close() }, nil
	default:
		database, err := db.New(ctx, db.Config{
			DSN:             cfg.DB.DSN(),
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			ConnectAttempts: 5,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established",
			zap.String("host", cfg.DB.Host),
			zap.Int("port", cfg.DB.Port),
			zap.String("database", cfg.DB.Name),
		)
		return db.NewRepository(database, logger), database.Close, nil
	}
}

// NewSender returns the SES sender when a from address is configured and the
// log sender otherwise, behind a circuit breaker that reports its state as
// a metric.
func NewSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*circuitbreaker.Sender, error) {
	var (
		next notify.Sender
		name string
	)
	if cfg.AWS.SESFromEmail != "" {
		ses, err := notify.NewSESSender(ctx, notify.SESConfig{
			Region:    cfg.AWS.Region,
			FromEmail: cfg.AWS.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		next, name = ses, "ses"
	} else {
		logger.Warn("AWS_SES_FROM_EMAIL not set, notifications are only logged")
		next, name = notify.NewLogSender(logger), "log"
	}

	cbCfg := circuitbreaker.DefaultConfig(name)
	cbCfg.RecoveryTimeout = 30 * time.Second
	cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	return circuitbreaker.NewSender(next, circuitbreaker.New(cbCfg, logger), logger), nil
}

// NewNotifier wires the sender, the notification log and, when a queue is
// configured, the SQS retry queue.
func NewNotifier(ctx context.Context, cfg *config.Config, sender notify.Sender, logs notify.LogStore, logger *zap.Logger) (*notify.Notifier, error) {
	var retry notify.RetryQueue
	if cfg.AWS.SQSRetryQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, SQSConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("create sqs producer: %w", err)
		}
		retry = producer
	}
	return notify.NewNotifier(sender, logs, retry, logger), nil
}

func SQSConfig(cfg *config.Config) sqs.Config {
	return sqs.Config{
		Region:   cfg.AWS.Region,
		QueueURL: cfg.AWS.SQSRetryQueueURL,
		Endpoint: cfg.AWS.Endpoint,
	}
}
