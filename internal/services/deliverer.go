package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/encryption"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
	"github.com/Lllllllleong/recordflow/internal/store"
	"github.com/Lllllllleong/recordflow/internal/transfer"
)

type DelivererConfig struct {
	Enabled           bool
	EncryptionEnabled bool
	Concurrency       int
	TempDir           string
	Retry             retry.Policy
	Transfer          transfer.Config
}

// DelivererFunction encrypts and uploads the files referenced by a manifest,
// at most once per local file path.
type DelivererFunction struct {
	uploader transfer.Uploader
	cipher   *encryption.Cipher
	receipts *store.Receipts
	files    *store.FileMetadataRepo
	config   DelivererConfig
	locks    *keyedMutex
	now      func() time.Time
}

func LoadDelivererConfig() (DelivererConfig, error) {
	var l config.Loader
	cfg := DelivererConfig{
		Enabled:           l.Bool("DELIVERY_ENABLED", true),
		EncryptionEnabled: l.Bool("ENCRYPTION_ENABLED", true),
		Concurrency:       l.Int("DELIVERY_CONCURRENCY", 3),
		TempDir:           config.GetEnv("DELIVERY_TEMP_DIR", os.TempDir()),
		Retry:             loadRetryPolicy(&l),
		Transfer: transfer.Config{
			Target: config.GetEnv("DELIVERY_TARGET", "sftp"),
			SFTP: transfer.SFTPConfig{
				Host:           config.GetEnv("SFTP_HOST", ""),
				Port:           l.Int("SFTP_PORT", 22),
				Username:       config.GetEnv("SFTP_USERNAME", ""),
				Password:       config.GetEnv("SFTP_PASSWORD", ""),
				PrivateKeyPath: config.GetEnv("SFTP_PRIVATE_KEY_PATH", ""),
				KnownHostsPath: config.GetEnv("SFTP_KNOWN_HOSTS", ""),
				Directory:      config.GetEnv("SFTP_DIRECTORY", "upload"),
				DialTimeout:    l.Duration("SFTP_DIAL_TIMEOUT", 30*time.Second),
			},
			GCS: transfer.GCSConfig{
				Bucket: config.GetEnv("GCS_BUCKET", ""),
				Prefix: config.GetEnv("GCS_PREFIX", ""),
			},
			Minio: transfer.MinioConfig{
				Endpoint:  config.GetEnv("MINIO_ENDPOINT", ""),
				AccessKey: config.GetEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: config.GetEnv("MINIO_SECRET_KEY", ""),
				Bucket:    config.GetEnv("MINIO_BUCKET", ""),
				Prefix:    config.GetEnv("MINIO_PREFIX", ""),
				UseSSL:    l.Bool("MINIO_USE_SSL", false),
			},
		},
	}
	if err := l.Err(); err != nil {
		return cfg, err
	}
	if cfg.Concurrency <= 0 {
		return cfg, fmt.Errorf("DELIVERY_CONCURRENCY must be positive, got %d", cfg.Concurrency)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NewDeliverer reads the environment and refuses to start without a usable key
// or upload credentials.
func NewDeliverer(ctx context.Context, st store.Store) (*DelivererFunction, error) {
	cfg, err := LoadDelivererConfig()
	if err != nil {
		return nil, err
	}

	var cipher *encryption.Cipher
	if cfg.EncryptionEnabled {
		key, err := encryption.ParseKey(config.GetEnv("ENCRYPTION_KEY", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to load ENCRYPTION_KEY: %w", err)
		}
		if cipher, err = encryption.NewCipher(key); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("Encryption is disabled. Deliveries will be uploaded in plaintext.", "compliant", false)
	}

	var uploader transfer.Uploader
	if cfg.Enabled {
		uploader, err = transfer.New(ctx, cfg.Transfer)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s uploader: %w", cfg.Transfer.Target, err)
		}
	}

	f, err := NewDelivererWithDeps(cfg, uploader, cipher, st)
	if err != nil {
		return nil, err
	}
	slog.Info("Deliverer initialized.", "enabled", cfg.Enabled, "target", cfg.Transfer.Target, "encryption", cfg.EncryptionEnabled)
	return f, nil
}

func NewDelivererWithDeps(cfg DelivererConfig, uploader transfer.Uploader, cipher *encryption.Cipher, st store.Store) (*DelivererFunction, error) {
	if cfg.EncryptionEnabled && cipher == nil {
		return nil, fmt.Errorf("encryption is enabled but no key is configured")
	}
	if cfg.Enabled && uploader == nil {
		return nil, fmt.Errorf("delivery is enabled but no uploader is configured")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &DelivererFunction{
		uploader: uploader,
		cipher:   cipher,
		receipts: store.NewReceipts(st),
		files:    store.NewFileMetadataRepo(st),
		config:   cfg,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the uploader.
func (f *DelivererFunction) Close() error {
	if f.uploader == nil {
		return nil
	}
	return f.uploader.Close()
}

// Process delivers every file of m that holds records. Files are independent and
// uploaded concurrently; one failing file does not stop the others.
func (f *DelivererFunction) Process(ctx context.Context, m *models.BatchManifest) error {
	logCtx := slog.With("batchId", m.SourceBatchID)
	files := m.Files()
	logCtx.Info("Processing manifest.", "files", len(files))

	for _, file := range files {
		if _, err := os.Stat(file.Path); err != nil {
			continue
		}
		unlock := f.locks.Lock(file.Path)
		err := f.files.Upsert(ctx, file.Path, file.Records, m.SourceBatchID, m.ProcessedAt)
		unlock()
		if err != nil {
			logCtx.Error("Failed to upsert file metadata", "filePath", file.Path, "error", err)
			return fmt.Errorf("failed to upsert metadata for %s: %w", file.Path, err)
		}
	}

	if !f.config.Enabled {
		logCtx.Info("Delivery is disabled. Skipping upload.")
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	eg.SetLimit(f.config.Concurrency)
	for _, file := range files {
		eg.Go(func() error {
			if err := f.deliverFile(ctx, file.Path); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(errs) == 0 {
		logCtx.Info("Manifest delivered.")
		return nil
	}
	err := errors.Join(errs...)
	logCtx.Error("One or more files failed to deliver", "failed", len(errs), "error", err)
	for _, e := range errs {
		if !retry.IsPermanent(e) {
			// %v so a permanent sibling does not make the whole manifest permanent.
			return fmt.Errorf("delivery of %s failed: %v", m.SourceBatchID, err)
		}
	}
	return retry.Permanent(fmt.Errorf("delivery of %s failed: %w", m.SourceBatchID, err))
}

// deliverFile is the per-path critical section: check receipt, encrypt, upload,
// record receipt.
func (f *DelivererFunction) deliverFile(ctx context.Context, path string) error {
	unlock := f.locks.Lock(path)
	defer unlock()

	logCtx := slog.With("filePath", path, "target", f.uploader.Target())

	delivered, err := f.receipts.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to check receipt for %s: %w", path, err)
	}
	if delivered {
		logCtx.Info("File already delivered. Skipping.")
		metrics.FilesDelivered.WithLabelValues("skipped").Inc()
		return nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.FilesDelivered.WithLabelValues("failed").Inc()
		return retry.Permanent(fmt.Errorf("file %s referenced by manifest does not exist", path))
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	checksum, err := calculateFileHash(path)
	if err != nil {
		return fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("checksum", checksum)

	uploadPath, remoteName := path, filepath.Base(path)
	if f.config.EncryptionEnabled {
		encrypted, err := f.encryptToTemp(path)
		if err != nil {
			metrics.FilesDelivered.WithLabelValues("failed").Inc()
			return retry.Permanent(fmt.Errorf("failed to encrypt %s: %w", path, err))
		}
		defer func() {
			if err := os.Remove(encrypted); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logCtx.Warn("Failed to remove temporary encrypted file.", "tempFile", encrypted, "error", err)
			}
		}()
		uploadPath, remoteName = encrypted, remoteName+".enc"
	} else {
		logCtx.Warn("Uploading file without encryption.", "compliant", false)
		metrics.NoncompliantUploads.Inc()
	}

	var size int64
	start := time.Now()
	err = retry.Do(ctx, f.config.Retry, "upload "+remoteName, func(ctx context.Context) error {
		r, err := os.Open(uploadPath)
		if err != nil {
			return retry.Permanent(fmt.Errorf("could not open %s: %w", uploadPath, err))
		}
		defer r.Close()
		st, err := r.Stat()
		if err != nil {
			return err
		}
		size = st.Size()
		return f.uploader.Upload(ctx, remoteName, r, size)
	}, func(int, error) { metrics.FetchRetries.WithLabelValues("upload").Inc() })
	metrics.UploadDuration.WithLabelValues(f.uploader.Target()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FilesDelivered.WithLabelValues("failed").Inc()
		logCtx.Error("Upload failed", "error", err)
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}

	now := f.now()
	receipt := &models.DeliveryReceipt{
		FilePath:   path,
		RemoteName: remoteName,
		Target:     f.uploader.Target(),
		Checksum:   checksum,
		Size:       info.Size(),
		Encrypted:  f.config.EncryptionEnabled,
		UploadedAt: now,
	}
	if err := f.receipts.Put(ctx, receipt); err != nil {
		return fmt.Errorf("failed to record receipt for %s: %w", path, err)
	}
	if err := f.files.MarkDelivered(ctx, path, now); err != nil {
		logCtx.Error("Failed to mark file metadata delivered", "error", err)
	}
	metrics.FilesDelivered.WithLabelValues("uploaded").Inc()
	logCtx.Info("File delivered.", "remoteName", remoteName, "uploadedBytes", size)
	return nil
}

func (f *DelivererFunction) encryptToTemp(path string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tmp, err := os.CreateTemp(f.config.TempDir, base+".*.enc")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	if err := f.cipher.EncryptFile(path, name); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
