// Command export writes the pre-order list of one offer as CSV to stdout,
// a file, or the export bucket.
//
//	export -offer olive-oil                 # stdout
//	export -offer olive-oil -o orders.csv   # file
//	export -offer olive-oil -archive        # gs://$EXPORT_BUCKET/exports/...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/bootstrap"
	"github.com/lalithlochan/preorder/internal/config"
	"github.com/lalithlochan/preorder/internal/export"
	"github.com/lalithlochan/preorder/internal/observ"
	"github.com/lalithlochan/preorder/internal/offer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	slug := flag.String("offer", "", "slug of the offer to export")
	out := flag.String("o", "-", "output file, - for stdout")
	archive := flag.Bool("archive", false, "upload to EXPORT_BUCKET instead of writing locally")
	flag.Parse()

	if *slug == "" {
		flag.Usage()
		return fmt.Errorf("-offer is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "export")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	o, err := offer.NewService(store, offer.Config{Location: cfg.Location()}, logger).GetBySlug(ctx, *slug)
	if err != nil {
		return err
	}

	if *archive {
		if cfg.Export.Bucket == "" {
			return fmt.Errorf("-archive needs EXPORT_BUCKET")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		defer client.Close()

		key, err := export.NewArchiver(export.GCSBucket(client, cfg.Export.Bucket), store, logger).Archive(ctx, o)
		if err != nil {
			return err
		}
		fmt.Printf("gs://%s/%s\n", cfg.Export.Bucket, key)
		return nil
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := export.WriteCSV(ctx, w, store, o)
	if err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	logger.Info("export written", zap.String("offer", o.Slug), zap.Int("rows", n), zap.String("output", *out))
	return nil
}
