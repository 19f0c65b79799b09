// Command reminders runs one reminder batch and exits. Schedule it daily,
// or set REMINDER_INTERVAL on the gateway instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/bootstrap"
	"github.com/lalithlochan/preorder/internal/config"
	"github.com/lalithlochan/preorder/internal/observ"
	"github.com/lalithlochan/preorder/internal/reminder"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reminders: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "reminders")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

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

	res, err := reminder.New(store, notifier, reminder.Config{Location: cfg.Location()}, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("reminder run: %w", err)
	}
	if res.Failed > 0 {
		logger.Warn("some reminders were not delivered", zap.Int("failed", res.Failed))
	}
	return nil
}
