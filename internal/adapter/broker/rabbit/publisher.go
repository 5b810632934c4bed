package rabbit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// TaskPublisher is the dispatcher-side broker port. It keeps one cached
// connection and channel; any publish or declare error invalidates them
// so the next call reconnects.
type TaskPublisher struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewTaskPublisher constructs a TaskPublisher. No connection is opened
// until first use.
func NewTaskPublisher(cfg Config) *TaskPublisher {
	return &TaskPublisher{cfg: cfg}
}

// channel returns the cached channel, connecting on demand. Caller must
// hold p.mu.
func (p *TaskPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.invalidate()

	conn, err := Dial(p.cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=publisher.channel: %w", err)
	}
	if err := DeclareTaskQueues(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareResultsExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

// invalidate drops the cached connection. Caller must hold p.mu.
func (p *TaskPublisher) invalidate() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Available reports whether the broker is reachable. A dead cached
// channel triggers one reconnect attempt before reporting false.
func (p *TaskPublisher) Available(ctx domain.Context) bool {
	if p.cfg.URL == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channel()
	if err != nil {
		slog.Warn("broker unavailable", slog.Any("error", err))
		return false
	}
	return true
}

// PreDeclareResultQueue declares and binds the scan's result queue so
// messages published before any consumer starts are retained.
func (p *TaskPublisher) PreDeclareResultQueue(ctx domain.Context, scanID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	if _, err := DeclareResultQueue(ch, scanID); err != nil {
		p.invalidate()
		return err
	}
	return nil
}

// Publish enqueues a task as a persistent JSON message on its class queue.
func (p *TaskPublisher) Publish(ctx domain.Context, t domain.Task) error {
	queue, err := TaskQueueName(t.QueueType)
	if err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=publisher.publish: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.invalidate()
		return fmt.Errorf("op=publisher.publish queue=%s: %w: %v", queue, domain.ErrPublishFailed, err)
	}
	observability.TasksPublishedTotal.WithLabelValues(t.QueueType).Inc()
	slog.Info("task published",
		slog.String("scan_id", t.ScanID),
		slog.String("queue", queue))
	return nil
}

// Close releases the cached connection.
func (p *TaskPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate()
}
