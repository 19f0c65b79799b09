package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
)

// Bucket opens writers for objects in a bucket. Closing the writer commits
// the object.
type Bucket interface {
	NewWriter(ctx context.Context, key, contentType string) io.WriteCloser
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

// GCSBucket adapts a Cloud Storage bucket.
func GCSBucket(client *storage.Client, name string) Bucket {
	return &gcsBucket{handle: client.Bucket(name)}
}

func (b *gcsBucket) NewWriter(ctx context.Context, key, contentType string) io.WriteCloser {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// Archiver stores CSV exports in a bucket so the order list of a closed
// offer stays available after the database is cleaned up.
type Archiver struct {
	bucket Bucket
	src    Source
	now    func() time.Time
	logger *zap.Logger
}

func NewArchiver(bucket Bucket, src Source, logger *zap.Logger) *Archiver {
	return &Archiver{
		bucket: bucket,
		src:    src,
		now:    time.Now,
		logger: logger,
	}
}

// ObjectKey is where an export taken at t is stored.
func ObjectKey(o *db.Offer, t time.Time) string {
	return fmt.Sprintf("exports/%s/%s-%s", o.Slug, t.UTC().Format("20060102T150405Z"), Filename(o))
}

// Archive renders the export and uploads it, retrying transient failures.
// It returns the object key.
func (a *Archiver) Archive(ctx context.Context, o *db.Offer) (string, error) {
	var buf bytes.Buffer
	rows, err := WriteCSV(ctx, &buf, a.src, o)
	if err != nil {
		return "", err
	}

	key := ObjectKey(o, a.now())
	data := buf.Bytes()

	err = retry.Do(
		func() error {
			w := a.bucket.NewWriter(ctx, key, "text/csv; charset=utf-8")
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("failed to close writer after error", zap.Error(closeErr))
				}
				return fmt.Errorf("write object: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close object writer: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Info("retrying export upload", zap.Uint("attempt", n), zap.String("key", key), zap.Error(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}

	a.logger.Info("export archived",
		zap.String("offer_id", o.ID.String()),
		zap.String("key", key),
		zap.Int("rows", rows),
	)
	return key, nil
}
