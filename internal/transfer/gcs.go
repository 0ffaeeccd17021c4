package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/recordflow/internal/gcp"
)

type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSUploader writes objects with a DoesNotExist precondition so a repeated upload
// is a no-op on the bucket side too.
type GCSUploader struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET must be set for the gcs delivery target")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: client.Bucket(cfg.Bucket), prefix: cfg.Prefix}, nil
}

func (u *GCSUploader) Target() string { return "gcs" }

func (u *GCSUploader) Upload(ctx context.Context, name string, r io.Reader, _ int64) error {
	objectName := path.Join(u.prefix, name)
	created, err := gcp.WriteObjectIfAbsent(ctx, u.bucket, objectName, "application/octet-stream", r)
	if err != nil {
		return err
	}
	if !created {
		slog.Info("Object was already delivered.", "gcsObject", objectName)
	}
	return nil
}

func (u *GCSUploader) Close() error { return u.client.Close() }
