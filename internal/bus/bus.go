// Package bus announces transformed batches and hands them to the deliverer.
//
// A BatchManifest travels as a structured-mode CloudEvent whose id is derived from
// the batch id, so every publication of one batch carries the same event id.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/Lllllllleong/recordflow/internal/models"
)

const EventTypeBatchProcessed = "com.recordflow.batch.processed"

// Publisher sends a manifest to whoever delivers it.
type Publisher interface {
	Publish(ctx context.Context, m *models.BatchManifest) error
	Close() error
}

// Handler processes one received manifest.
type Handler func(ctx context.Context, m *models.BatchManifest) error

var batchNamespace = uuid.MustParse("6f1c3b52-0d8e-4d43-9a0e-3c1f5e0b7a21")

// NewManifestEvent wraps m in a CloudEvent.
func NewManifestEvent(source string, m *models.BatchManifest) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewSHA1(batchNamespace, []byte(m.SourceBatchID)).String())
	e.SetSource(source)
	e.SetType(EventTypeBatchProcessed)
	e.SetSubject(m.SourceBatchID)
	e.SetTime(m.ProcessedAt)
	if err := e.SetData(cloudevents.ApplicationJSON, m); err != nil {
		return e, fmt.Errorf("failed to set event data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid manifest event: %w", err)
	}
	return e, nil
}

// EncodeManifest returns the structured-mode JSON for m.
func EncodeManifest(source string, m *models.BatchManifest) ([]byte, error) {
	e, err := NewManifestEvent(source, m)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest event: %w", err)
	}
	return body, nil
}

// DecodeManifest parses a structured-mode CloudEvent carrying a manifest.
func DecodeManifest(body []byte) (*models.BatchManifest, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return ManifestFromEvent(e)
}

// ManifestFromEvent extracts the manifest from an already parsed event.
func ManifestFromEvent(e cloudevents.Event) (*models.BatchManifest, error) {
	if e.Type() != EventTypeBatchProcessed {
		return nil, fmt.Errorf("unexpected event type %q", e.Type())
	}
	var m models.BatchManifest
	if err := e.DataAs(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.SourceBatchID == "" {
		return nil, fmt.Errorf("manifest has no source batch id")
	}
	return &m, nil
}

// LocalPublisher hands manifests straight to an in-process handler.
type LocalPublisher struct {
	handler Handler
}

func NewLocalPublisher(h Handler) *LocalPublisher {
	return &LocalPublisher{handler: h}
}

func (p *LocalPublisher) Publish(ctx context.Context, m *models.BatchManifest) error {
	return p.handler(ctx, m)
}

func (p *LocalPublisher) Close() error { return nil }
