package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/jsonl"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/store"
)

const (
	doneDir  = ".done"
	errorDir = ".error"
)

// TransformerConfig holds configuration for the transform stage.
type TransformerConfig struct {
	RawDir           string
	ProcessedDir     string
	DeadLetterDir    string
	DepartmentsCSV   string
	CheckpointEvery  int
	LookAhead        int
	MaxBatchAttempts int
}

// TransformerFunction turns finished raw batches into success and dead-letter files
// and announces each batch once.
type TransformerFunction struct {
	enricher *Enricher
	progress *store.TransformProgresses
	emitter  *Emitter
	config   TransformerConfig
	now      func() time.Time

	mu        sync.Mutex
	published map[string]bool
}

// TransformStats counts what one pass over a batch did.
type TransformStats struct {
	Lines   atomic.Int64
	Valid   atomic.Int64
	Invalid atomic.Int64
	Blank   atomic.Int64
	Skipped atomic.Int64
}

func (s *TransformStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("lines", s.Lines.Load()),
		slog.Int64("valid", s.Valid.Load()),
		slog.Int64("invalid", s.Invalid.Load()),
		slog.Int64("blank", s.Blank.Load()),
		slog.Int64("resumedPast", s.Skipped.Load()),
	)
}

func LoadTransformerConfig() (TransformerConfig, error) {
	var l config.Loader
	dataDir := config.GetEnv("DATA_DIR", ".")
	cfg := TransformerConfig{
		RawDir:           filepath.Join(dataDir, "raw_users"),
		ProcessedDir:     filepath.Join(dataDir, "processed_users"),
		DeadLetterDir:    filepath.Join(dataDir, "dlq"),
		DepartmentsCSV:   config.GetEnv("DEPARTMENTS_CSV", "data/departments.csv"),
		CheckpointEvery:  l.Int("TRANSFORM_CHECKPOINT_EVERY", 100),
		LookAhead:        l.Int("TRANSFORM_LOOKAHEAD", 64),
		MaxBatchAttempts: l.Int("MAX_BATCH_ATTEMPTS", 3),
	}
	if err := l.Err(); err != nil {
		return cfg, err
	}
	if cfg.CheckpointEvery <= 0 || cfg.LookAhead <= 0 || cfg.MaxBatchAttempts <= 0 {
		return cfg, fmt.Errorf("TRANSFORM_CHECKPOINT_EVERY, TRANSFORM_LOOKAHEAD and MAX_BATCH_ATTEMPTS must be positive")
	}
	return cfg, nil
}

// NewTransformer loads the department table and fails when it cannot be used.
func NewTransformer(ctx context.Context, st store.Store, emitter *Emitter) (*TransformerFunction, error) {
	cfg, err := LoadTransformerConfig()
	if err != nil {
		return nil, err
	}
	table, err := LoadDepartmentTable(cfg.DepartmentsCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to load department table: %w", err)
	}
	enricher, err := NewEnricher(table)
	if err != nil {
		return nil, err
	}
	slog.Info("Transformer initialized.", "rawDir", cfg.RawDir, "departments", table.Len())
	return NewTransformerWithDeps(cfg, enricher, st, emitter), nil
}

func NewTransformerWithDeps(cfg TransformerConfig, enricher *Enricher, st store.Store, emitter *Emitter) *TransformerFunction {
	return &TransformerFunction{
		enricher:  enricher,
		progress:  store.NewTransformProgresses(st),
		emitter:   emitter,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
		published: make(map[string]bool),
	}
}

// ProcessPending transforms every finished raw batch, then re-publishes manifests
// of done batches whose publication never succeeded. It returns how many batches
// were processed.
func (f *TransformerFunction) ProcessPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batches, err := filepath.Glob(filepath.Join(f.config.RawDir, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("failed to list raw batches: %w", err)
	}
	sort.Strings(batches)

	var errs []error
	processed := 0
	for _, path := range batches {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := f.processBatch(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}

	if err := f.recoverUnpublished(ctx); err != nil {
		errs = append(errs, err)
	}
	return processed, errors.Join(errs...)
}

// ProcessBatch runs one raw batch to completion and publishes its manifest.
func (f *TransformerFunction) ProcessBatch(ctx context.Context, rawPath string) (*models.BatchManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processBatch(ctx, rawPath)
}

func (f *TransformerFunction) processBatch(ctx context.Context, rawPath string) (*models.BatchManifest, error) {
	batchID := filepath.Base(rawPath)
	logCtx := slog.With("batchId", batchID)

	p, err := f.progress.Get(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transform progress for %s: %w", batchID, err)
	}
	if p == nil {
		p = f.newProgress(batchID, rawPath)
		if err := f.progress.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to create transform progress for %s: %w", batchID, err)
		}
	}
	p.RawFile = rawPath

	if !p.Completed {
		p.Attempts++
		if err := f.progress.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to record attempt for %s: %w", batchID, err)
		}
		logCtx.Info("Transforming batch.", "attempt", p.Attempts, "resumeAfterLine", p.LinesProcessed)

		stats, err := f.transform(ctx, p)
		if err != nil {
			return nil, f.handleError(ctx, logCtx, p, err)
		}
		p.Completed = true
		p.LastError = ""
		if err := f.progress.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to mark %s completed: %w", batchID, err)
		}
		logCtx.Info("Batch transformed.", "stats", stats)
	}

	if err := f.moveRaw(p, doneDir); err != nil {
		return nil, err
	}
	if err := f.progress.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record done path for %s: %w", batchID, err)
	}

	if p.ManifestPublished {
		logCtx.Info("Manifest already published, nothing to do.")
		f.published[batchID] = true
		return nil, nil
	}
	return f.publish(ctx, p)
}

// handleError records the failure on the progress record and parks the raw
// batch once it has used all its attempts.
func (f *TransformerFunction) handleError(ctx context.Context, logCtx *slog.Logger, p *models.TransformProgress, cause error) error {
	logCtx.Error("Failed to transform batch", "attempt", p.Attempts, "error", cause)
	p.LastError = cause.Error()

	saveCtx := context.WithoutCancel(ctx)
	if ctx.Err() == nil && p.Attempts >= f.config.MaxBatchAttempts {
		if err := f.moveRaw(p, errorDir); err != nil {
			logCtx.Error("CRITICAL: Failed to park batch after final attempt.", "error", err)
		} else {
			logCtx.Error("Batch parked after final attempt.", "path", p.RawFile)
		}
	}
	if err := f.progress.Save(saveCtx, p); err != nil {
		logCtx.Error("CRITICAL: Failed to record transform failure.", "updateError", err)
	}
	return fmt.Errorf("failed to transform %s (attempt %d): %w", p.BatchID, p.Attempts, cause)
}

func (f *TransformerFunction) newProgress(batchID, rawPath string) *models.TransformProgress {
	base := strings.TrimSuffix(batchID, filepath.Ext(batchID))
	ts := f.now().Format("20060102_150405")
	return &models.TransformProgress{
		BatchID:        batchID,
		RawFile:        rawPath,
		SuccessFile:    filepath.Join(f.config.ProcessedDir, fmt.Sprintf("etl_%s_%s.jsonl", base, ts)),
		DeadLetterFile: filepath.Join(f.config.DeadLetterDir, fmt.Sprintf("invalid_%s_%s.jsonl", base, ts)),
	}
}

// moveRaw relocates the raw batch into a sibling directory of the raw dir.
func (f *TransformerFunction) moveRaw(p *models.TransformProgress, dir string) error {
	dest := filepath.Join(f.config.RawDir, dir, p.BatchID)
	if p.RawFile == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Rename(p.RawFile, dest); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", p.RawFile, dir, err)
	}
	p.RawFile = dest
	return nil
}

func (f *TransformerFunction) publish(ctx context.Context, p *models.TransformProgress) (*models.BatchManifest, error) {
	m, err := BuildManifest(p, f.now())
	if err != nil {
		return nil, err
	}
	if err := f.emitter.Emit(ctx, m); err != nil {
		return nil, err
	}
	p.ManifestPublished = true
	if err := f.progress.Save(ctx, p); err != nil {
		return m, fmt.Errorf("failed to record publication of %s: %w", p.BatchID, err)
	}
	f.published[p.BatchID] = true
	return m, nil
}

func (f *TransformerFunction) recoverUnpublished(ctx context.Context) error {
	done, err := filepath.Glob(filepath.Join(f.config.RawDir, doneDir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to list done batches: %w", err)
	}
	var errs []error
	for _, path := range done {
		batchID := filepath.Base(path)
		if f.published[batchID] {
			continue
		}
		p, err := f.progress.Get(ctx, batchID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if p == nil || !p.Completed {
			continue
		}
		if p.ManifestPublished {
			f.published[batchID] = true
			continue
		}
		// The move into .done may have happened without its progress save.
		p.RawFile = path
		slog.Info("Re-publishing manifest for done batch.", "batchId", batchID)
		if _, err := f.publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type rawLine struct {
	number int
	data   []byte
}

type routedLine struct {
	number     int
	success    []byte
	deadLetter []byte
}

// transform streams p.RawFile through read, evaluate and write stages. The
// evaluate stage is a single goroutine, so output order matches input order.
func (f *TransformerFunction) transform(ctx context.Context, p *models.TransformProgress) (*TransformStats, error) {
	success, err := jsonl.OpenWriterAt(p.SuccessFile, p.SuccessBytes)
	if err != nil {
		return nil, err
	}
	defer success.Close()
	deadLetter, err := jsonl.OpenWriterAt(p.DeadLetterFile, p.DeadLetterBytes)
	if err != nil {
		return nil, err
	}
	defer deadLetter.Close()

	stats := &TransformStats{}
	resumeAfter := p.LinesProcessed
	lines := make(chan rawLine, f.config.LookAhead)
	routed := make(chan routedLine, f.config.LookAhead)
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(lines)
		for line, err := range jsonl.Lines(p.RawFile) {
			if err != nil {
				return err
			}
			if line.Number <= resumeAfter {
				stats.Skipped.Add(1)
				continue
			}
			select {
			case lines <- rawLine{number: line.Number, data: bytes.Clone(line.Data)}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	eg.Go(func() error {
		defer close(routed)
		for line := range lines {
			out := f.evaluate(line)
			select {
			case routed <- out:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	eg.Go(func() error {
		processed, sinceCheckpoint := resumeAfter, 0
		for r := range routed {
			stats.Lines.Add(1)
			switch {
			case r.success != nil:
				if err := success.AppendRaw(r.success); err != nil {
					return err
				}
				stats.Valid.Add(1)
				metrics.RecordsTransformed.WithLabelValues("valid").Inc()
			case r.deadLetter != nil:
				if err := deadLetter.AppendRaw(r.deadLetter); err != nil {
					return err
				}
				stats.Invalid.Add(1)
				metrics.RecordsTransformed.WithLabelValues("invalid").Inc()
			default:
				stats.Blank.Add(1)
			}
			processed = r.number

			sinceCheckpoint++
			if sinceCheckpoint >= f.config.CheckpointEvery {
				if err := f.checkpoint(gctx, p, processed, success, deadLetter); err != nil {
					return err
				}
				sinceCheckpoint = 0
			}
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return f.checkpoint(gctx, p, processed, success, deadLetter)
	})

	if err := eg.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// checkpoint syncs both outputs before recording their sizes with the line count,
// so a restart never truncates to a size that was not on disk. The three fields
// only ever change together.
func (f *TransformerFunction) checkpoint(ctx context.Context, p *models.TransformProgress, processed int, success, deadLetter *jsonl.Writer) error {
	if err := success.Sync(); err != nil {
		return err
	}
	if err := deadLetter.Sync(); err != nil {
		return err
	}
	p.LinesProcessed = processed
	p.SuccessBytes = success.Size()
	p.DeadLetterBytes = deadLetter.Size()
	if err := f.progress.Save(ctx, p); err != nil {
		return fmt.Errorf("failed to checkpoint transform progress: %w", err)
	}
	return nil
}

// evaluate parses, validates and enriches one line. Blank lines route nowhere.
func (f *TransformerFunction) evaluate(line rawLine) routedLine {
	out := routedLine{number: line.number}
	if len(bytes.TrimSpace(line.data)) == 0 {
		return out
	}

	var u models.User
	if err := json.Unmarshal(line.data, &u); err != nil {
		out.deadLetter = f.deadLetterLine(line.data, []string{"record could not be parsed: " + err.Error()})
		return out
	}

	outcome := ValidateUser(&u)
	if !outcome.Valid {
		out.deadLetter = f.deadLetterLine(line.data, outcome.Errors)
		return out
	}

	enriched, err := json.Marshal(f.enricher.Enrich(outcome.Record))
	if err != nil {
		out.deadLetter = f.deadLetterLine(line.data, []string{"record could not be enriched: " + err.Error()})
		return out
	}
	out.success = enriched
	return out
}

// deadLetterLine splices the original record into the entry byte for byte.
// Marshalling a json.RawMessage would compact and HTML-escape it.
func (f *TransformerFunction) deadLetterLine(original json.RawMessage, reasons []string) []byte {
	original = originalRecord(original)
	if bytes.ContainsRune(original, '\r') {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, original); err == nil {
			original = compacted.Bytes()
		}
	}

	var rest bytes.Buffer
	enc := json.NewEncoder(&rest)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(models.DeadLetterEntry{
		OriginalRecord: json.RawMessage("null"),
		ErrorReasons:   reasons,
		ErrorTimestamp: f.now(),
	})

	const placeholder = `{"originalRecord":null`
	tail := bytes.TrimSuffix(rest.Bytes(), []byte("\n"))[len(placeholder):]
	b := make([]byte, 0, len(placeholder)+len(original)+len(tail))
	b = append(b, placeholder[:len(placeholder)-len("null")]...)
	b = append(b, original...)
	return append(b, tail...)
}

// originalRecord keeps line verbatim when it is JSON and quotes it otherwise.
func originalRecord(line []byte) json.RawMessage {
	if json.Valid(line) {
		return json.RawMessage(line)
	}
	quoted, _ := json.Marshal(string(line))
	return quoted
}
