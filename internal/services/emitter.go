package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/recordflow/internal/bus"
	"github.com/Lllllllleong/recordflow/internal/jsonl"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
)

// Emitter publishes the manifest of a fully transformed batch.
type Emitter struct {
	publisher bus.Publisher
	policy    retry.Policy
}

func NewEmitter(p bus.Publisher, policy retry.Policy) *Emitter {
	return &Emitter{publisher: p, policy: policy}
}

// BuildManifest counts the records in both output files. The counts come from the
// files, not from the counters of the run that wrote them.
func BuildManifest(p *models.TransformProgress, processedAt time.Time) (*models.BatchManifest, error) {
	valid, err := jsonl.CountRecords(p.SuccessFile)
	if err != nil {
		return nil, fmt.Errorf("failed to count success records: %w", err)
	}
	invalid, err := jsonl.CountRecords(p.DeadLetterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead-letter records: %w", err)
	}
	return &models.BatchManifest{
		SourceBatchID:      p.BatchID,
		RawFilePath:        p.RawFile,
		SuccessFilePath:    p.SuccessFile,
		DeadLetterFilePath: p.DeadLetterFile,
		TotalRecords:       valid + invalid,
		ValidRecords:       valid,
		InvalidRecords:     invalid,
		ProcessedAt:        processedAt,
	}, nil
}

// Emit publishes m with the shared backoff policy.
func (e *Emitter) Emit(ctx context.Context, m *models.BatchManifest) error {
	logCtx := slog.With("batchId", m.SourceBatchID)
	err := retry.Do(ctx, e.policy, "publish manifest", func(ctx context.Context) error {
		return e.publisher.Publish(ctx, m)
	}, func(int, error) { metrics.FetchRetries.WithLabelValues("publish_manifest").Inc() })
	if err != nil {
		metrics.ManifestsPublished.WithLabelValues("failed").Inc()
		logCtx.Error("Failed to publish manifest", "error", err)
		return fmt.Errorf("failed to publish manifest for %s: %w", m.SourceBatchID, err)
	}
	metrics.ManifestsPublished.WithLabelValues("published").Inc()
	logCtx.Info("Manifest published.", "totalRecords", m.TotalRecords, "validRecords", m.ValidRecords, "invalidRecords", m.InvalidRecords)
	return nil
}
