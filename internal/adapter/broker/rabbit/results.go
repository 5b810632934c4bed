package rabbit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oswatch/scanfleet/internal/domain"
)

// ResultPublisher streams a running scan's output to the results
// exchange. It lives on the worker, on its own connection with
// heartbeats disabled, separate from the task-consume connection so a
// long module run cannot stall result delivery.
//
// Result delivery is loss-tolerant by contract: a failed publish is
// logged and retried once on a fresh channel, then dropped. The scan
// must never fail because the sink hiccupped.
type ResultPublisher struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewResultPublisher constructs a ResultPublisher. Heartbeats are forced
// off regardless of cfg.
func NewResultPublisher(cfg Config) *ResultPublisher {
	cfg.DisableHeartbeat = true
	return &ResultPublisher{cfg: cfg}
}

func (p *ResultPublisher) channel() (*amqp.Channel, error) {
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
		return nil, fmt.Errorf("op=results.channel: %w", err)
	}
	if err := DeclareResultsExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *ResultPublisher) invalidate() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// publish sends one validated result message, retrying once on a fresh
// channel after a failure.
func (p *ResultPublisher) publish(ctx domain.Context, m domain.ResultMessage) error {
	kind, err := m.Validate()
	if err != nil {
		return fmt.Errorf("op=results.publish: %w", err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=results.publish: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := p.channel()
		if err != nil {
			slog.Warn("result publish: broker unreachable",
				slog.String("scan_id", m.ScanID),
				slog.Int("kind", int(kind)),
				slog.Any("error", err))
			continue
		}
		err = ch.PublishWithContext(ctx, ResultsExchange, m.ScanID, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
		if err == nil {
			return nil
		}
		p.invalidate()
		slog.Warn("result publish failed",
			slog.String("scan_id", m.ScanID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return fmt.Errorf("op=results.publish scan_id=%s: %w", m.ScanID, domain.ErrPublishFailed)
}

// PublishEvent streams one event.
func (p *ResultPublisher) PublishEvent(ctx domain.Context, scanID string, e domain.Event) error {
	return p.publish(ctx, domain.EventMessage(scanID, e))
}

// PublishLog streams one log record.
func (p *ResultPublisher) PublishLog(ctx domain.Context, scanID string, rec domain.LogRecord) error {
	return p.publish(ctx, domain.LogMessage(scanID, rec))
}

// PublishLifecycle streams a terminal status transition.
func (p *ResultPublisher) PublishLifecycle(ctx domain.Context, scanID string, lc domain.Lifecycle) error {
	return p.publish(ctx, domain.LifecycleMessage(scanID, lc))
}

// Close releases the cached connection.
func (p *ResultPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate()
}
