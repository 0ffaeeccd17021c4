package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/recordflow/internal/bus"
	"github.com/Lllllllleong/recordflow/internal/config"
	"github.com/Lllllllleong/recordflow/internal/metrics"
	"github.com/Lllllllleong/recordflow/internal/services"
	"github.com/Lllllllleong/recordflow/internal/store"
)

var (
	delivererInstance *services.DelivererFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Manifests pushed as CloudEvents over HTTP land here.
	functions.CloudEvent("DeliverBatch", deliverBatch)
}

func getDeliverer() (*services.DelivererFunction, error) {
	once.Do(func() {
		ctx := context.Background()
		st, err := store.Open(ctx, store.OptionsFromEnv())
		if err != nil {
			initErr = err
			return
		}
		delivererInstance, initErr = services.NewDeliverer(ctx, st)
	})
	return delivererInstance, initErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Serve(ctx, config.GetEnv("METRICS_ADDR", ":9092"))

	// Fail at startup on bad credentials or keys rather than on the first message.
	if _, err := getDeliverer(); err != nil {
		slog.Error("Critical: Deliverer initialization failed", "error", err)
		os.Exit(1)
	}

	if config.GetEnv("BUS_DRIVER", "amqp") == "amqp" {
		consume(ctx)
		return
	}

	port := config.GetEnv("PORT", "8080")
	if err := funcframework.Start(port); err != nil {
		slog.Error("Functions framework stopped", "error", err)
		os.Exit(1)
	}
}

// consume reads manifests from the queue, reconnecting with backoff until ctx ends.
func consume(ctx context.Context) {
	consumer, err := bus.NewAMQPConsumer(bus.AMQPConfig{
		URL:   config.GetEnv("AMQP_URL", ""),
		Queue: config.GetEnv("AMQP_QUEUE", "processed-users"),
	})
	if err != nil {
		slog.Error("Critical: AMQP consumer configuration failed", "error", err)
		os.Exit(1)
	}

	backoff := time.Second
	for {
		err := consumer.Run(ctx, delivererInstance.Process)
		if ctx.Err() != nil {
			slog.Info("Shutting down deliverer.")
			_ = delivererInstance.Close()
			return
		}
		slog.Error("Consumer stopped, reconnecting.", "error", err, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, 30*time.Second)
		case <-ctx.Done():
			_ = delivererInstance.Close()
			return
		}
	}
}

// deliverBatch is the CloudEvent entry point.
func deliverBatch(ctx context.Context, e cloudevents.Event) error {
	f, err := getDeliverer()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	m, err := bus.ManifestFromEvent(e)
	if err != nil {
		slog.Error("Failed to decode manifest event", "error", err, "eventId", e.ID())
		return err
	}
	return f.Process(ctx, m)
}
