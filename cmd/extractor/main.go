package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/services"
	"github.com/Lllllllleong/recordflow/internal/store"
)

var (
	extractorInstance *services.ExtractorFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("TriggerExtraction", triggerExtraction)
	functions.HTTP("ExtractionStatus", extractionStatus)
	functions.HTTP("ResetExtraction", resetExtraction)
}

func getExtractor() (*services.ExtractorFunction, error) {
	once.Do(func() {
		ctx := context.Background()
		st, err := store.Open(ctx, store.OptionsFromEnv())
		if err != nil {
			initErr = err
			return
		}
		extractorInstance, initErr = services.NewExtractor(ctx, st)
	})
	return extractorInstance, initErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Serve(ctx, config.GetEnv("METRICS_ADDR", ":9090"))

	interval, err := config.GetEnvDuration("EXTRACTION_INTERVAL", 0)
	if err != nil {
		slog.Error("Invalid EXTRACTION_INTERVAL", "error", err)
		os.Exit(1)
	}
	if interval > 0 {
		go schedule(ctx, interval)
	}

	port := config.GetEnv("PORT", "8080")
	if err := funcframework.Start(port); err != nil {
		slog.Error("Functions framework stopped", "error", err)
		os.Exit(1)
	}
}

// schedule triggers a run every interval. A tick that lands on an active run is skipped.
func schedule(ctx context.Context, interval time.Duration) {
	slog.Info("Scheduled extraction enabled.", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f, err := getExtractor()
		if err != nil {
			slog.Error("Critical: Extractor initialization failed", "error", err)
			continue
		}
		res, err := f.Run(ctx)
		switch {
		case errors.Is(err, services.ErrRunInProgress):
			slog.Info("Scheduled extraction skipped, a run is already active.")
		case err != nil:
			slog.Error("Scheduled extraction failed", "error", err)
		default:
			slog.Info("Scheduled extraction finished.", "runId", res.RunID, "recordsProcessed", res.RecordsProcessed)
		}
	}
}

// triggerExtraction starts a run and answers once it is over.
func triggerExtraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := getExtractor()
	if err != nil {
		slog.Error("Critical: Extractor initialization failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.TriggerResponse{
			Status:    "error",
			Message:   "failed to initialize extractor",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	// The run keeps its checkpoint consistent if the caller goes away, so it is
	// not tied to the request.
	res, err := f.Run(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, services.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, models.TriggerResponse{
			Status:    "skipped",
			Message:   "an extraction run is already in progress",
			Timestamp: time.Now().UTC(),
		})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, models.TriggerResponse{
			Status:    "error",
			Message:   "Error during data extraction: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
	default:
		writeJSON(w, http.StatusOK, models.TriggerResponse{
			Status:           "success",
			Message:          "Data extraction completed successfully",
			Timestamp:        time.Now().UTC(),
			RunID:            res.RunID,
			RecordsProcessed: res.RecordsProcessed,
			TotalRecords:     res.TotalRecords,
			BatchFile:        res.BatchFile,
		})
	}
}

func extractionStatus(w http.ResponseWriter, r *http.Request) {
	f, err := getExtractor()
	if err != nil {
		slog.Error("Critical: Extractor initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	checkpoint, err := f.Checkpoint(r.Context())
	if err != nil {
		slog.Error("Failed to load checkpoint", "error", err)
		http.Error(w, "Internal Server Error: failed to load checkpoint", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Status:     "available",
		Message:    "Data extraction service is running",
		Timestamp:  time.Now().UTC(),
		Phase:      f.Phase().String(),
		Checkpoint: checkpoint,
	})
}

// resetExtraction drops the checkpoint so a stuck run can start over.
func resetExtraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := getExtractor()
	if err != nil {
		slog.Error("Critical: Extractor initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	previous, err := f.Reset(r.Context())
	switch {
	case errors.Is(err, services.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, models.TriggerResponse{
			Status:    "skipped",
			Message:   "cannot reset while an extraction run is in progress",
			Timestamp: time.Now().UTC(),
		})
	case err != nil:
		slog.Error("Failed to reset extraction", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.TriggerResponse{
			Status:    "error",
			Message:   "Error resetting extraction: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
	default:
		writeJSON(w, http.StatusOK, models.StatusResponse{
			Status:     "reset",
			Message:    "Extraction checkpoint cleared",
			Timestamp:  time.Now().UTC(),
			Phase:      f.Phase().String(),
			Checkpoint: previous,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
