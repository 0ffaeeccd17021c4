package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/recordflow/internal/bus"
	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/services"
	"github.com/Lllllllleong/recordflow/internal/store"
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Transformer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	interval, err := config.GetEnvDuration("POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return err
	}
	policy, err := services.LoadRetryPolicy()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.OptionsFromEnv())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	publisher, err := newPublisher(ctx, st)
	if err != nil {
		return err
	}
	defer publisher.Close()

	transformer, err := services.NewTransformer(ctx, st, services.NewEmitter(publisher, policy))
	if err != nil {
		return err
	}

	metrics.Serve(ctx, config.GetEnv("METRICS_ADDR", ":9091"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := transformer.ProcessPending(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("Transform pass finished with errors", "batches", n, "error", err)
		} else if n > 0 {
			slog.Info("Transform pass finished.", "batches", n)
		}

		select {
		case <-ctx.Done():
			slog.Info("Shutting down transformer.")
			return nil
		case <-ticker.C:
		}
	}
}

// newPublisher returns the AMQP publisher, or an in-process one that delivers
// each manifest directly when BUS_DRIVER is local.
func newPublisher(ctx context.Context, st store.Store) (bus.Publisher, error) {
	switch driver := config.GetEnv("BUS_DRIVER", "amqp"); driver {
	case "amqp":
		return bus.NewAMQPPublisher(bus.AMQPConfig{
			URL:    config.GetEnv("AMQP_URL", ""),
			Queue:  config.GetEnv("AMQP_QUEUE", "processed-users"),
			Source: config.GetEnv("EVENT_SOURCE", "recordflow/transformer"),
		})
	case "local":
		deliverer, err := services.NewDeliverer(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process deliverer: %w", err)
		}
		return bus.NewLocalPublisher(deliverer.Process), nil
	default:
		return nil, fmt.Errorf("unknown BUS_DRIVER %q", driver)
	}
}
