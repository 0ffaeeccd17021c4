package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
)

type AMQPConfig struct {
	URL          string
	Queue        string
	Source       string
	RequeueDelay time.Duration
}

// AMQPPublisher publishes persistent messages to a durable queue with publisher
// confirms, reconnecting lazily after a broken connection.
type AMQPPublisher struct {
	cfg  AMQPConfig
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("AMQP_URL and AMQP_QUEUE must be set")
	}
	p := &AMQPPublisher{cfg: cfg}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", p.cfg.Queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, m *models.BatchManifest) error {
	body, err := EncodeManifest(p.cfg.Source, m)
	if err != nil {
		return retry.Permanent(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(); err != nil {
			return err
		}
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/cloudevents+json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.SourceBatchID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return fmt.Errorf("failed to publish manifest for %s: %w", m.SourceBatchID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for broker confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected manifest for %s", m.SourceBatchID)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// AMQPConsumer feeds manifests from the queue to a Handler one at a time.
type AMQPConsumer struct {
	cfg AMQPConfig
}

func NewAMQPConsumer(cfg AMQPConfig) (*AMQPConsumer, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("AMQP_URL and AMQP_QUEUE must be set")
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	return &AMQPConsumer{cfg: cfg}, nil
}

// Run consumes until ctx ends or the connection drops. Messages are acked only
// after h succeeds. Undecodable messages and permanent failures are dropped;
// other failures are requeued after RequeueDelay.
func (c *AMQPConsumer) Run(ctx context.Context, h Handler) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.cfg.Queue, err)
	}
	slog.Info("Consuming manifests.", "queue", c.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("AMQP delivery channel closed")
			}
			c.handle(ctx, d, h)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	logCtx := slog.With("messageId", d.MessageId, "deliveryTag", d.DeliveryTag, "redelivered", d.Redelivered)

	m, err := DecodeManifest(d.Body)
	if err != nil {
		logCtx.Error("Dropping undecodable manifest message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := h(ctx, m); err != nil {
		if retry.IsPermanent(err) {
			logCtx.Error("Dropping manifest after permanent failure", "batchId", m.SourceBatchID, "error", err)
			_ = d.Nack(false, false)
			return
		}
		logCtx.Warn("Manifest handling failed, requeueing.", "batchId", m.SourceBatchID, "error", err)
		select {
		case <-time.After(c.cfg.RequeueDelay):
		case <-ctx.Done():
		}
		_ = d.Nack(false, true)
		return
	}

	if err := d.Ack(false); err != nil {
		logCtx.Error("Failed to ack manifest", "batchId", m.SourceBatchID, "error", err)
	}
}
