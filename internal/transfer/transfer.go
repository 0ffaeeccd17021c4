// Package transfer uploads finished artifacts to a remote endpoint.
package transfer

import (
	"context"
	"fmt"
	"io"
)

// Uploader writes a named blob to the configured remote directory or bucket.
// Repeating an upload under the same name must leave a single object behind.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64) error
	Target() string
	Close() error
}

// Config selects and configures an Uploader.
type Config struct {
	Target string // sftp, gcs, minio
	SFTP   SFTPConfig
	GCS    GCSConfig
	Minio  MinioConfig
}

// New builds the Uploader named by cfg.Target. Missing credentials are reported
// here so a misconfigured deliverer refuses to start.
func New(ctx context.Context, cfg Config) (Uploader, error) {
	switch cfg.Target {
	case "", "sftp":
		return NewSFTPUploader(cfg.SFTP)
	case "gcs":
		return NewGCSUploader(ctx, cfg.GCS)
	case "minio":
		return NewMinioUploader(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown delivery target %q", cfg.Target)
	}
}
