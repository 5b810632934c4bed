package rabbit

import (
	"encoding/json"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// TaskHandler runs one task to completion. A nil return acknowledges the
// delivery; an error rejects it without requeue (failed scans are
// reported through the result stream, not retried by the broker).
type TaskHandler func(ctx domain.Context, t domain.Task) error

// TaskConsumer pulls tasks from one class queue and fans them out to at
// most concurrency handlers. The connection runs with heartbeats
// disabled: scans hold deliveries unacked for hours, far beyond any
// heartbeat interval.
type TaskConsumer struct {
	cfg         Config
	queueType   string
	concurrency int
	handler     TaskHandler
}

// NewTaskConsumer constructs a consumer for one queue class.
func NewTaskConsumer(cfg Config, queueType string, concurrency int, h TaskHandler) *TaskConsumer {
	cfg.DisableHeartbeat = true
	if concurrency < 1 {
		concurrency = 1
	}
	return &TaskConsumer{cfg: cfg, queueType: queueType, concurrency: concurrency, handler: h}
}

// Run consumes until ctx is cancelled, reconnecting with the configured
// backoff whenever the broker drops the connection. Returns only on
// context cancellation or exhausted reconnect attempts.
func (c *TaskConsumer) Run(ctx domain.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		slog.Warn("task stream closed, reconnecting", slog.String("queue_type", c.queueType))
	}
}

// consumeOnce holds one connection for its lifetime. A nil return means
// the delivery stream ended and the caller should reconnect.
func (c *TaskConsumer) consumeOnce(ctx domain.Context) error {
	conn, err := DialWithRetry(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := DeclareTaskQueues(ch); err != nil {
		return err
	}
	// Prefetch matches concurrency so the broker never hands this worker
	// more tasks than it can run.
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return err
	}

	queue, err := TaskQueueName(c.queueType)
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	slog.Info("consuming tasks",
		slog.String("queue", queue),
		slog.Int("concurrency", c.concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, c.concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, d)
			}(d)
		}
	}
}

func (c *TaskConsumer) handle(ctx domain.Context, d amqp.Delivery) {
	var t domain.Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		slog.Error("task parse failed, discarding",
			slog.String("queue_type", c.queueType),
			slog.Any("error", err))
		observability.TasksConsumedTotal.WithLabelValues("parse_error").Inc()
		c.nackDiscard(d)
		return
	}

	log := slog.With(slog.String("scan_id", t.ScanID), slog.String("queue_type", c.queueType))
	log.Info("task received", slog.String("target", t.ScanTarget))

	if err := c.handler(ctx, t); err != nil {
		log.Error("task failed", slog.Any("error", err))
		observability.TasksConsumedTotal.WithLabelValues("failed").Inc()
		c.nackDiscard(d)
		return
	}

	// The scan already succeeded and its results are in flight. If the
	// channel died while we ran, the broker will redeliver; downstream
	// dedup absorbs that, so never nack here.
	if err := d.Ack(false); err != nil {
		log.Warn("ack failed after successful scan, relying on redelivery dedup",
			slog.Any("error", err))
	}
	observability.TasksConsumedTotal.WithLabelValues("ok").Inc()
	log.Info("task completed")
}

func (c *TaskConsumer) nackDiscard(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		slog.Warn("nack failed", slog.Any("error", err))
	}
}
