package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ResultConsumer owns one connection consuming a single scan's result
// queue. The supervisor starts one per active scan and tears it down
// when the scan goes quiet or terminal.
type ResultConsumer struct {
	scanID     string
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewResultConsumer connects and begins consuming scan.results.{scanID}.
// The queue is re-declared with the same parameters the dispatcher used;
// a parameter mismatch is a deploy bug and surfaces here as an error.
func NewResultConsumer(cfg Config, scanID string) (*ResultConsumer, error) {
	conn, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=result_consumer.channel scan_id=%s: %w", scanID, err)
	}
	if err := DeclareResultsExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	queue, err := DeclareResultQueue(ch, scanID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=result_consumer.consume scan_id=%s: %w", scanID, err)
	}
	return &ResultConsumer{scanID: scanID, conn: conn, ch: ch, deliveries: deliveries}, nil
}

// ScanID returns the scan this consumer serves.
func (c *ResultConsumer) ScanID() string { return c.scanID }

// Deliveries returns the stream of raw result messages. The channel
// closes when the broker drops the consumer.
func (c *ResultConsumer) Deliveries() <-chan amqp.Delivery { return c.deliveries }

// Alive reports whether the underlying channel is still usable.
func (c *ResultConsumer) Alive() bool {
	return c.ch != nil && !c.ch.IsClosed() && c.conn != nil && !c.conn.IsClosed()
}

// DeleteQueue removes the scan's result queue. Only called after the
// lifecycle message arrived and only while the channel is open; deleting
// through a dead channel would silently no-op and strand the queue for
// the TTL reaper instead.
func (c *ResultConsumer) DeleteQueue() error {
	if !c.Alive() {
		return fmt.Errorf("op=result_consumer.delete_queue scan_id=%s: channel closed", c.scanID)
	}
	return DeleteResultQueue(c.ch, c.scanID)
}

// Close tears the connection down.
func (c *ResultConsumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
