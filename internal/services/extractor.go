package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/jsonl"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
	"github.com/Lllllllleong/recordflow/internal/source"
	"github.com/Lllllllleong/recordflow/internal/store"
)

// ErrRunInProgress is returned when a second run is triggered while one is active.
var ErrRunInProgress = errors.New("an extraction run is already in progress")

const partialSuffix = ".part"

// Phase is the coordinator's position in its state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhasePaginating
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseFetching:
		return "FETCHING"
	case PhasePaginating:
		return "PAGINATING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Source is the paginated remote collection.
type Source interface {
	Fetch(ctx context.Context, offset, limit int) (*models.Page, error)
}

// ExtractorConfig holds configuration for the extraction coordinator.
type ExtractorConfig struct {
	SourceURL      string
	PageSize       int
	RateLimit      float64
	SourceTimeout  time.Duration
	RawDir         string
	CheckpointName string
	Retry          retry.Policy
}

// ExtractorFunction drives one extraction run at a time.
type ExtractorFunction struct {
	source      Source
	checkpoints *store.Checkpoints
	config      ExtractorConfig

	running sync.Mutex
	phase   atomic.Int32
	now     func() time.Time
}

// LoadExtractorConfig reads the extractor settings from the environment.
func LoadExtractorConfig() (ExtractorConfig, error) {
	var l config.Loader
	cfg := ExtractorConfig{
		SourceURL:      config.GetEnv("SOURCE_URL", "https://dummyjson.com/users"),
		PageSize:       l.Int("PAGE_SIZE", 100),
		RateLimit:      l.Float("SOURCE_RATE_PER_SEC", 5),
		SourceTimeout:  l.Duration("SOURCE_TIMEOUT", 30*time.Second),
		RawDir:         filepath.Join(config.GetEnv("DATA_DIR", "."), "raw_users"),
		CheckpointName: config.GetEnv("CHECKPOINT_NAME", "extraction_state"),
		Retry:          loadRetryPolicy(&l),
	}
	if err := l.Err(); err != nil {
		return cfg, err
	}
	if cfg.PageSize <= 0 {
		return cfg, fmt.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRetryPolicy reads the RETRY_* variables shared by every stage.
func LoadRetryPolicy() (retry.Policy, error) {
	var l config.Loader
	p := loadRetryPolicy(&l)
	if err := l.Err(); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func loadRetryPolicy(l *config.Loader) retry.Policy {
	def := retry.DefaultPolicy()
	return retry.Policy{
		MaxAttempts:    l.Int("RETRY_MAX_ATTEMPTS", def.MaxAttempts),
		InitialDelay:   l.Duration("RETRY_INITIAL_DELAY", def.InitialDelay),
		Multiplier:     l.Float("RETRY_MULTIPLIER", def.Multiplier),
		MaxDelay:       l.Duration("RETRY_MAX_DELAY", def.MaxDelay),
		AttemptTimeout: l.Duration("RETRY_ATTEMPT_TIMEOUT", def.AttemptTimeout),
	}
}

// NewExtractor builds an extractor from the environment using the HTTP source.
func NewExtractor(ctx context.Context, st store.Store) (*ExtractorFunction, error) {
	cfg, err := LoadExtractorConfig()
	if err != nil {
		return nil, err
	}
	src, err := source.NewClient(cfg.SourceURL,
		source.WithHTTPClient(&http.Client{Timeout: cfg.SourceTimeout}),
		source.WithRateLimit(cfg.RateLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}
	f := NewExtractorWithDeps(cfg, src, st)
	slog.Info("Extractor initialized.", "sourceUrl", cfg.SourceURL, "pageSize", cfg.PageSize, "rawDir", cfg.RawDir)
	return f, nil
}

// NewExtractorWithDeps wires an extractor around an existing source and store.
func NewExtractorWithDeps(cfg ExtractorConfig, src Source, st store.Store) *ExtractorFunction {
	return &ExtractorFunction{
		source:      src,
		checkpoints: store.NewCheckpoints(st, cfg.CheckpointName),
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Phase reports where the current or most recent run is.
func (f *ExtractorFunction) Phase() Phase {
	return Phase(f.phase.Load())
}

// Checkpoint returns the persisted state, or nil.
func (f *ExtractorFunction) Checkpoint(ctx context.Context) (*models.ExtractionState, error) {
	return f.checkpoints.Load(ctx)
}

// Reset discards the persisted checkpoint and any unfinished batch file so the
// next run starts from offset 0. Finished batch files are left alone.
func (f *ExtractorFunction) Reset(ctx context.Context) (*models.ExtractionState, error) {
	if !f.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer f.running.Unlock()

	state, err := f.checkpoints.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state == nil {
		return nil, nil
	}
	if state.IsActive() && strings.HasSuffix(state.BatchFile, partialSuffix) {
		if err := os.Remove(state.BatchFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove unfinished batch %s: %w", state.BatchFile, err)
		}
	}
	if err := f.checkpoints.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	f.setPhase(PhaseIdle)
	slog.Warn("Extraction checkpoint reset.", "runId", state.RunID, "offset", state.LastSuccessfulOffset, "wasActive", state.IsActive())
	return state, nil
}

func (f *ExtractorFunction) setPhase(p Phase) {
	f.phase.Store(int32(p))
	metrics.ExtractionPhase.Set(float64(p))
}

// Run resumes the active extraction or starts a new one, and fetches pages until
// the source is exhausted. On failure the checkpoint is left active so the next
// call resumes after the last persisted page.
func (f *ExtractorFunction) Run(ctx context.Context) (*models.ExtractionResult, error) {
	if !f.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer f.running.Unlock()

	f.setPhase(PhaseFetching)
	state, resumed, err := f.prepareState(ctx)
	if err != nil {
		f.setPhase(PhaseFailed)
		return nil, err
	}

	logCtx := slog.With("runId", state.RunID, "batchFile", state.BatchFile)
	if resumed {
		logCtx.Info("Resuming extraction.", "offset", state.NextOffset(), "recordsProcessed", state.RecordsProcessed, "totalRecords", state.TotalRecords)
	} else {
		logCtx.Info("Starting extraction.", "totalRecords", state.TotalRecords, "pageSize", state.PageSize)
	}

	// A crash between the final rename and the checkpoint save leaves only the
	// finished batch file behind.
	finalPath := strings.TrimSuffix(state.BatchFile, partialSuffix)
	if strings.HasSuffix(state.BatchFile, partialSuffix) && !fileExists(state.BatchFile) && fileExists(finalPath) {
		logCtx.Info("Batch file was already finalized, completing checkpoint.")
		return f.complete(ctx, logCtx, state, resumed, nil)
	}

	writer, err := jsonl.OpenWriterAt(state.BatchFile, state.BatchBytes)
	if err != nil {
		f.setPhase(PhaseFailed)
		logCtx.Error("Failed to open batch file", "error", err)
		return nil, fmt.Errorf("failed to open batch file for run %s: %w", state.RunID, err)
	}
	defer writer.Close()

	return f.supervise(ctx, logCtx, state, writer, resumed)
}

// supervise runs the Fetching -> Paginating -> (Fetching | Completed) loop.
func (f *ExtractorFunction) supervise(ctx context.Context, logCtx *slog.Logger, state *models.ExtractionState, writer *jsonl.Writer, resumed bool) (*models.ExtractionResult, error) {
	phase := PhasePaginating
	if state.PagesFetched == 0 && state.TotalRecords > 0 {
		phase = PhaseFetching
	}

	var (
		page    *models.Page
		failure error
	)
	for {
		f.setPhase(phase)
		switch phase {
		case PhaseFetching:
			offset := state.NextOffset()
			page, failure = f.fetchPage(ctx, offset, state.PageSize)
			if failure == nil {
				failure = f.persistPage(ctx, state, writer, page, offset)
			}
			if failure != nil {
				logCtx.Error("Page failed", "offset", offset, "error", failure)
				failure = fmt.Errorf("extraction run %s failed at offset %d: %w", state.RunID, offset, failure)
				phase = PhaseFailed
				continue
			}
			logCtx.Info("Page checkpointed.", "offset", offset, "records", len(page.Users), "recordsProcessed", state.RecordsProcessed, "totalRecords", state.TotalRecords)
			phase = PhasePaginating

		case PhasePaginating:
			if shouldStop(state, page) {
				phase = PhaseCompleted
			} else {
				phase = PhaseFetching
			}

		case PhaseCompleted:
			if err := writer.Close(); err != nil {
				f.setPhase(PhaseFailed)
				return nil, fmt.Errorf("failed to close batch file: %w", err)
			}
			return f.complete(ctx, logCtx, state, resumed, writer)

		case PhaseFailed:
			return nil, failure
		}
	}
}

// shouldStop applies the three stop conditions. page is nil when the decision is
// made straight from a resumed checkpoint.
func shouldStop(state *models.ExtractionState, page *models.Page) bool {
	if state.RecordsProcessed >= state.TotalRecords || !state.HasMorePages() {
		return true
	}
	if page == nil {
		return false
	}
	return len(page.Users) == 0 || page.IsLast()
}

func (f *ExtractorFunction) fetchPage(ctx context.Context, offset, limit int) (*models.Page, error) {
	var page *models.Page
	err := retry.Do(ctx, f.config.Retry, "fetch page", func(ctx context.Context) error {
		p, err := f.source.Fetch(ctx, offset, limit)
		if err != nil {
			return err
		}
		page = p
		return nil
	}, func(int, error) { metrics.FetchRetries.WithLabelValues("fetch_page").Inc() })
	return page, err
}

// persistPage appends the page, syncs the batch file and then saves the
// checkpoint, in that order.
func (f *ExtractorFunction) persistPage(ctx context.Context, state *models.ExtractionState, writer *jsonl.Writer, page *models.Page, offset int) error {
	var line bytes.Buffer
	for i, rec := range page.Users {
		line.Reset()
		if err := json.Compact(&line, rec); err != nil {
			return retry.Permanent(fmt.Errorf("record %d at offset %d is not valid JSON: %w", i, offset, err))
		}
		if err := writer.AppendRaw(line.Bytes()); err != nil {
			return err
		}
	}
	if err := writer.Sync(); err != nil {
		return err
	}

	next := *state
	if page.Total > next.TotalRecords {
		next.TotalRecords = page.Total
	}
	next.RecordPage(offset, len(page.Users), writer.Size(), f.now())
	if err := f.checkpoints.Save(ctx, &next); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	*state = next

	metrics.PagesFetched.Inc()
	metrics.RecordsExtracted.Add(float64(len(page.Users)))
	return nil
}

func (f *ExtractorFunction) complete(ctx context.Context, logCtx *slog.Logger, state *models.ExtractionState, resumed bool, writer *jsonl.Writer) (*models.ExtractionResult, error) {
	finalPath := strings.TrimSuffix(state.BatchFile, partialSuffix)
	if finalPath != state.BatchFile && fileExists(state.BatchFile) {
		if err := os.Rename(state.BatchFile, finalPath); err != nil {
			f.setPhase(PhaseFailed)
			return nil, fmt.Errorf("failed to finalize batch file: %w", err)
		}
	}

	done := *state
	done.BatchFile = finalPath
	done.MarkCompleted(f.now())
	if err := f.checkpoints.Save(ctx, &done); err != nil {
		f.setPhase(PhaseFailed)
		return nil, fmt.Errorf("failed to save completed checkpoint: %w", err)
	}
	*state = done
	f.setPhase(PhaseCompleted)

	logCtx.Info("Extraction completed.", "recordsProcessed", state.RecordsProcessed, "totalRecords", state.TotalRecords, "pages", state.PagesFetched)
	return &models.ExtractionResult{
		RunID:            state.RunID,
		BatchFile:        state.BatchFile,
		TotalRecords:     state.TotalRecords,
		RecordsProcessed: state.RecordsProcessed,
		PagesFetched:     state.PagesFetched,
		Resumed:          resumed,
	}, nil
}

// prepareState loads the active checkpoint or creates a fresh one after asking
// the source for its total.
func (f *ExtractorFunction) prepareState(ctx context.Context) (*models.ExtractionState, bool, error) {
	state, err := f.checkpoints.Load(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if state.IsActive() {
		return state, true, nil
	}

	var total int
	err = retry.Do(ctx, f.config.Retry, "fetch total", func(ctx context.Context) error {
		p, err := f.source.Fetch(ctx, 0, 1)
		if err != nil {
			return err
		}
		total = p.Total
		return nil
	}, func(int, error) { metrics.FetchRetries.WithLabelValues("fetch_total").Inc() })
	if err != nil {
		return nil, false, fmt.Errorf("failed to get total record count: %w", err)
	}

	now := f.now()
	runID := uuid.NewString()
	if err := os.MkdirAll(f.config.RawDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create raw directory: %w", err)
	}
	name := fmt.Sprintf("records_%s.jsonl", now.Format("20060102_150405"))
	if fileExists(filepath.Join(f.config.RawDir, name)) || fileExists(filepath.Join(f.config.RawDir, name+partialSuffix)) {
		name = fmt.Sprintf("records_%s_%s.jsonl", now.Format("20060102_150405"), runID[:8])
	}
	state = models.NewExtractionState(runID, filepath.Join(f.config.RawDir, name+partialSuffix), total, f.config.PageSize, now)
	if err := f.checkpoints.Save(ctx, state); err != nil {
		return nil, false, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	return state, false, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
