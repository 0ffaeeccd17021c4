package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordflow_pages_fetched_total",
		Help: "Pages fetched from the remote source and checkpointed.",
	})
	FetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_fetch_retries_total",
		Help: "Retried attempts by operation.",
	}, []string{"operation"})
	RecordsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordflow_records_extracted_total",
		Help: "Raw records appended to batch files.",
	})
	ExtractionPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordflow_extraction_phase",
		Help: "Current extraction phase (0 idle, 1 fetching, 2 paginating, 3 completed, 4 failed).",
	})
	RecordsTransformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_records_transformed_total",
		Help: "Records routed by the transform stage, by outcome.",
	}, []string{"outcome"})
	ManifestsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_manifests_published_total",
		Help: "Batch manifest publications, by result.",
	}, []string{"result"})
	FilesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_files_delivered_total",
		Help: "Delivery attempts per file, by result (uploaded, skipped, failed).",
	}, []string{"result"})
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordflow_upload_duration_seconds",
		Help:    "Upload latency by target.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"target"})
	NoncompliantUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordflow_noncompliant_uploads_total",
		Help: "Files uploaded without encryption because encryption is disabled.",
	})
)

// Serve exposes /metrics on addr until ctx ends. An empty addr disables it.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("Serving metrics.", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", "error", err)
		}
	}()
}
