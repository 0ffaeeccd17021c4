package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Lllllllleong/recordflow/internal/models"
)

// Checkpoints holds the single active ExtractionState for a named extraction.
type Checkpoints struct {
	s   Store
	key string
}

func NewCheckpoints(s Store, name string) *Checkpoints {
	if name == "" {
		name = "extraction_state"
	}
	return &Checkpoints{s: s, key: name}
}

// Load returns the stored state, or nil when none has been saved.
func (c *Checkpoints) Load(ctx context.Context) (*models.ExtractionState, error) {
	var st models.ExtractionState
	err := c.s.Get(ctx, CollectionCheckpoints, c.key, &st)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Checkpoints) Save(ctx context.Context, st *models.ExtractionState) error {
	return c.s.Put(ctx, CollectionCheckpoints, c.key, st)
}

func (c *Checkpoints) Clear(ctx context.Context) error {
	return c.s.Delete(ctx, CollectionCheckpoints, c.key)
}

// TransformProgresses stores one restart checkpoint per raw batch.
type TransformProgresses struct {
	s Store
}

func NewTransformProgresses(s Store) *TransformProgresses {
	return &TransformProgresses{s: s}
}

// Get returns the progress for batchID, or nil when the batch was never started.
func (t *TransformProgresses) Get(ctx context.Context, batchID string) (*models.TransformProgress, error) {
	var p models.TransformProgress
	err := t.s.Get(ctx, CollectionTransforms, batchID, &p)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *TransformProgresses) Save(ctx context.Context, p *models.TransformProgress) error {
	p.UpdatedAt = time.Now().UTC()
	return t.s.Put(ctx, CollectionTransforms, p.BatchID, p)
}

// Receipts records delivered files keyed by their local path.
type Receipts struct {
	s Store
}

func NewReceipts(s Store) *Receipts {
	return &Receipts{s: s}
}

func (r *Receipts) Exists(ctx context.Context, filePath string) (bool, error) {
	return r.s.Exists(ctx, CollectionReceipts, filePath)
}

func (r *Receipts) Get(ctx context.Context, filePath string) (*models.DeliveryReceipt, error) {
	var rc models.DeliveryReceipt
	if err := r.s.Get(ctx, CollectionReceipts, filePath, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *Receipts) Put(ctx context.Context, rc *models.DeliveryReceipt) error {
	if rc.FilePath == "" {
		return fmt.Errorf("receipt has no file path")
	}
	return r.s.Put(ctx, CollectionReceipts, rc.FilePath, rc)
}

// FileMetadataRepo upserts per-file bookkeeping rows keyed by file path.
type FileMetadataRepo struct {
	s Store
}

func NewFileMetadataRepo(s Store) *FileMetadataRepo {
	return &FileMetadataRepo{s: s}
}

func (f *FileMetadataRepo) Get(ctx context.Context, filePath string) (*models.FileMetadata, error) {
	var m models.FileMetadata
	if err := f.s.Get(ctx, CollectionFiles, filePath, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert writes the row for filePath, keeping an earlier delivered flag.
func (f *FileMetadataRepo) Upsert(ctx context.Context, filePath string, totalRecords int, sourceBatchID string, processedAt time.Time) error {
	row := models.FileMetadata{
		Filename:      filepath.Base(filePath),
		FilePath:      filePath,
		TotalRecords:  totalRecords,
		SourceBatchID: sourceBatchID,
		ProcessedAt:   processedAt,
	}
	existing, err := f.Get(ctx, filePath)
	switch {
	case err == nil:
		row.Delivered = existing.Delivered
		row.DeliveredAt = existing.DeliveredAt
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return f.s.Put(ctx, CollectionFiles, filePath, &row)
}

// MarkDelivered flags the row for filePath as delivered at the given time.
func (f *FileMetadataRepo) MarkDelivered(ctx context.Context, filePath string, at time.Time) error {
	row, err := f.Get(ctx, filePath)
	if errors.Is(err, ErrNotFound) {
		row = &models.FileMetadata{Filename: filepath.Base(filePath), FilePath: filePath}
	} else if err != nil {
		return err
	}
	row.Delivered = true
	row.DeliveredAt = &at
	return f.s.Put(ctx, CollectionFiles, filePath, row)
}
