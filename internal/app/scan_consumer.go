// Package app holds the long-running composition pieces of the control
// plane: the result-ingestion supervisor, per-scan consumers, the
// correlation runner, and the HTTP router.
package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oswatch/scanfleet/internal/adapter/broker/rabbit"
	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// Correlator runs post-scan correlation rules. Failures are logged and
// never change an already-terminal scan status.
type Correlator interface {
	Run(ctx domain.Context, scanID string) error
}

// ackAction is the disposition of one result delivery.
type ackAction int

const (
	ackOK ackAction = iota
	// nackDiscard rejects without requeue: the message can never succeed.
	nackDiscard
	// nackRequeue rejects with requeue: a transient failure, retry later.
	nackRequeue
)

// ScanConsumer drains one scan's result queue into the shared store.
type ScanConsumer struct {
	scanID string

	scans  domain.ScanRepository
	events domain.EventRepository
	logs   domain.LogRepository
	corr   Correlator

	// lastMessage holds unix nanos of the latest delivery; the idle
	// watchdog reads it.
	lastMessage atomic.Int64

	lifecycleReceived atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewScanConsumer builds the message handler for one scan.
func NewScanConsumer(scanID string, scans domain.ScanRepository, events domain.EventRepository, logs domain.LogRepository, corr Correlator) *ScanConsumer {
	c := &ScanConsumer{
		scanID: scanID,
		scans:  scans,
		events: events,
		logs:   logs,
		corr:   corr,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	c.lastMessage.Store(c.now().UnixNano())
	return c
}

// LastMessage returns when the most recent delivery arrived.
func (c *ScanConsumer) LastMessage() time.Time {
	return time.Unix(0, c.lastMessage.Load())
}

// LifecycleReceived reports whether a terminal lifecycle message has
// been processed.
func (c *ScanConsumer) LifecycleReceived() bool { return c.lifecycleReceived.Load() }

// Stop asks the consume loop to end. Idempotent.
func (c *ScanConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done closes when the consume loop has fully exited.
func (c *ScanConsumer) Done() <-chan struct{} { return c.doneCh }

// Consume drains deliveries until the lifecycle message lands, Stop is
// called, or the broker closes the stream. The queue is deleted only
// when the lifecycle arrived and the channel is still open; otherwise it
// is left for a restarted consumer (or the TTL) to deal with.
func (c *ScanConsumer) Consume(ctx domain.Context, rc *rabbit.ResultConsumer) {
	defer close(c.doneCh)
	defer rc.Close()

	log := slog.With(slog.String("scan_id", c.scanID))
	log.Info("result consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			c.maybeDeleteQueue(rc, log)
			return
		case d, ok := <-rc.Deliveries():
			if !ok {
				log.Warn("result stream closed by broker")
				return
			}
			c.lastMessage.Store(c.now().UnixNano())
			action := c.handle(ctx, d.Body)
			c.settle(d, action, log)
			if c.lifecycleReceived.Load() {
				c.maybeDeleteQueue(rc, log)
				return
			}
		}
	}
}

func (c *ScanConsumer) settle(d amqp.Delivery, action ackAction, log *slog.Logger) {
	var err error
	switch action {
	case ackOK:
		err = d.Ack(false)
	case nackDiscard:
		err = d.Nack(false, false)
	case nackRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		log.Warn("result settle failed", slog.Any("error", err))
	}
}

func (c *ScanConsumer) maybeDeleteQueue(rc *rabbit.ResultConsumer, log *slog.Logger) {
	if !c.lifecycleReceived.Load() || !rc.Alive() {
		return
	}
	if err := rc.DeleteQueue(); err != nil {
		log.Warn("result queue delete failed", slog.Any("error", err))
		return
	}
	log.Info("result queue deleted")
}

// handle processes one raw result message body and decides its
// disposition. Split from the AMQP loop so the full message matrix is
// testable without a broker.
func (c *ScanConsumer) handle(ctx domain.Context, body []byte) ackAction {
	log := slog.With(slog.String("scan_id", c.scanID))

	var m domain.ResultMessage
	if err := json.Unmarshal(body, &m); err != nil {
		log.Error("malformed result message, discarding", slog.Any("error", err))
		return nackDiscard
	}
	kind, err := m.Validate()
	if err != nil {
		log.Error("invalid result message, discarding", slog.Any("error", err))
		return nackDiscard
	}
	if m.ScanID != c.scanID {
		log.Error("result message for wrong scan, discarding", slog.String("message_scan_id", m.ScanID))
		return nackDiscard
	}

	switch kind {
	case domain.KindLog:
		if err := c.logs.Append(ctx, c.scanID, *m.Log); err != nil {
			return c.persistFailure("log", err, log)
		}
		return ackOK

	case domain.KindEvent:
		inserted, err := c.events.Store(ctx, c.scanID, *m.Event)
		if err != nil {
			return c.persistFailure("event", err, log)
		}
		if inserted {
			observability.EventsStoredTotal.Inc()
		} else {
			observability.EventsDedupedTotal.Inc()
		}
		return ackOK

	case domain.KindLifecycle:
		return c.handleLifecycle(ctx, *m.Lifecycle, log)
	}
	return nackDiscard
}

// persistFailure classifies a store error. Transient failures (locked,
// busy) requeue; anything else can never succeed on redelivery.
func (c *ScanConsumer) persistFailure(kind string, err error, log *slog.Logger) ackAction {
	if errors.Is(err, domain.ErrStoreTransient) {
		log.Warn(kind+" persist failed, requeueing", slog.Any("error", err))
		return nackRequeue
	}
	log.Error(kind+" persist failed, discarding", slog.Any("error", err))
	return nackDiscard
}

func (c *ScanConsumer) handleLifecycle(ctx domain.Context, lc domain.Lifecycle, log *slog.Logger) ackAction {
	status, _ := lc.Status()
	observability.LifecycleReceivedTotal.WithLabelValues(string(lc)).Inc()
	log.Info("lifecycle received", slog.String("lifecycle", string(lc)))

	// Correlations run before the status flip so a FINISHED scan is
	// never observed without its correlation results underway. A
	// correlation failure still finishes the scan.
	if lc == domain.LifecycleFinished && c.corr != nil {
		if err := c.corr.Run(ctx, c.scanID); err != nil {
			log.Error("correlation run failed", slog.Any("error", err))
		}
	}

	if err := c.scans.SetEnded(ctx, c.scanID, status, c.now().UTC()); err != nil {
		log.Warn("terminal status write failed, requeueing lifecycle", slog.Any("error", err))
		return nackRequeue
	}
	c.lifecycleReceived.Store(true)
	return ackOK
}
