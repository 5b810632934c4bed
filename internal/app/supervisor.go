package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/adapter/broker/rabbit"
	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// consumerHandle is the supervisor's view of a running per-scan consumer.
type consumerHandle interface {
	Stop()
	Done() <-chan struct{}
	LastMessage() time.Time
	LifecycleReceived() bool
}

// SupervisorConfig carries the supervisor's timing knobs.
type SupervisorConfig struct {
	// MonitorInterval is the reap/start/stop/watchdog cadence.
	MonitorInterval time.Duration
	// StaleConsumerTimeout promotes a silent RUNNING scan to FINISHED.
	StaleConsumerTimeout time.Duration
	// WorkerSweepInterval is the registry sweep cadence.
	WorkerSweepInterval time.Duration
	// WorkerStaleAfter marks workers offline after heartbeat silence.
	WorkerStaleAfter time.Duration
	// WorkerCleanupTimeout deletes workers offline this long.
	WorkerCleanupTimeout time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.StaleConsumerTimeout <= 0 {
		c.StaleConsumerTimeout = 10 * time.Minute
	}
	if c.WorkerSweepInterval <= 0 {
		c.WorkerSweepInterval = 2 * time.Minute
	}
	if c.WorkerStaleAfter <= 0 {
		c.WorkerStaleAfter = time.Minute
	}
	if c.WorkerCleanupTimeout <= 0 {
		c.WorkerCleanupTimeout = 5 * time.Minute
	}
	return c
}

// Supervisor keeps exactly one result consumer alive per active scan,
// promotes scans whose stream went silent, and sweeps the worker
// registry. All state lives in one goroutine; no locks.
type Supervisor struct {
	cfg SupervisorConfig

	scans   domain.ScanRepository
	events  domain.EventRepository
	workers domain.WorkerRepository
	corr    Correlator

	// startConsumer is swapped out in tests.
	startConsumer func(ctx domain.Context, scanID string) (consumerHandle, error)

	consumers map[string]consumerHandle
	now       func() time.Time
}

// NewSupervisor wires the supervisor against the broker and stores.
func NewSupervisor(cfg SupervisorConfig, broker rabbit.Config, scans domain.ScanRepository, events domain.EventRepository, logs domain.LogRepository, workers domain.WorkerRepository, corr Correlator) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		scans:     scans,
		events:    events,
		workers:   workers,
		corr:      corr,
		consumers: make(map[string]consumerHandle),
		now:       time.Now,
	}
	s.startConsumer = func(ctx domain.Context, scanID string) (consumerHandle, error) {
		rc, err := rabbit.NewResultConsumer(broker, scanID)
		if err != nil {
			return nil, err
		}
		sc := NewScanConsumer(scanID, scans, events, logs, corr)
		go sc.Consume(ctx, rc)
		return sc, nil
	}
	return s
}

// Run drives the monitor and sweep loops until ctx is cancelled, then
// stops every consumer and waits for them to drain.
func (s *Supervisor) Run(ctx domain.Context) {
	slog.Info("supervisor started",
		slog.Duration("monitor_interval", s.cfg.MonitorInterval),
		slog.Duration("stale_consumer_timeout", s.cfg.StaleConsumerTimeout))

	monitor := time.NewTicker(s.cfg.MonitorInterval)
	defer monitor.Stop()
	sweep := time.NewTicker(s.cfg.WorkerSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-monitor.C:
			s.tickMonitor(ctx)
		case <-sweep.C:
			s.tickSweep(ctx)
		}
	}
}

// tickMonitor runs one reap/start/stop/watchdog pass.
func (s *Supervisor) tickMonitor(ctx domain.Context) {
	s.reapDead()

	active, err := s.scans.ListByStatus(ctx, domain.ScanRunning, domain.ScanAbortRequested)
	if err != nil {
		slog.Error("supervisor: list active scans failed", slog.Any("error", err))
		return
	}
	activeIDs := make(map[string]bool, len(active))
	for _, scan := range active {
		activeIDs[scan.ID] = true
		if _, ok := s.consumers[scan.ID]; ok {
			continue
		}
		h, err := s.startConsumer(ctx, scan.ID)
		if err != nil {
			slog.Warn("supervisor: consumer start failed",
				slog.String("scan_id", scan.ID), slog.Any("error", err))
			continue
		}
		s.consumers[scan.ID] = h
		observability.ConsumersActive.Set(float64(len(s.consumers)))
	}

	for scanID, h := range s.consumers {
		if !activeIDs[scanID] {
			// Scan went terminal or was deleted out from under us.
			h.Stop()
			continue
		}
		if s.idleFor(h) >= s.cfg.StaleConsumerTimeout {
			s.promoteStale(ctx, scanID, h)
		}
	}
}

// idleFor returns how long a consumer has gone without a delivery.
func (s *Supervisor) idleFor(h consumerHandle) time.Duration {
	return s.now().Sub(h.LastMessage())
}

// promoteStale handles a scan whose worker died without a lifecycle
// message: the stream has been silent past the timeout, so the results
// that arrived are all there will be. Correlate and finish.
func (s *Supervisor) promoteStale(ctx domain.Context, scanID string, h consumerHandle) {
	stored := -1
	if n, err := s.events.CountByScan(ctx, scanID); err == nil {
		stored = n
	}
	slog.Warn("supervisor: result stream silent past timeout, promoting to FINISHED",
		slog.String("scan_id", scanID),
		slog.Duration("idle", s.idleFor(h)),
		slog.Int("events_stored", stored))
	h.Stop()

	if s.corr != nil {
		if err := s.corr.Run(ctx, scanID); err != nil {
			slog.Error("supervisor: correlation run failed", slog.String("scan_id", scanID), slog.Any("error", err))
		}
	}
	if err := s.scans.SetEnded(ctx, scanID, domain.ScanFinished, s.now().UTC()); err != nil {
		slog.Error("supervisor: watchdog status write failed", slog.String("scan_id", scanID), slog.Any("error", err))
		return
	}
	observability.WatchdogPromotionsTotal.Inc()
}

// reapDead drops consumers whose loop has exited.
func (s *Supervisor) reapDead() {
	for scanID, h := range s.consumers {
		select {
		case <-h.Done():
			delete(s.consumers, scanID)
			observability.ConsumersActive.Set(float64(len(s.consumers)))
			slog.Debug("supervisor: consumer reaped", slog.String("scan_id", scanID))
		default:
		}
	}
}

// tickSweep marks silent workers offline and deletes long-offline ones.
func (s *Supervisor) tickSweep(ctx domain.Context) {
	marked, err := s.workers.MarkStaleOffline(ctx, s.cfg.WorkerStaleAfter)
	if err != nil {
		slog.Error("supervisor: worker stale sweep failed", slog.Any("error", err))
	} else if marked > 0 {
		observability.WorkersSweptTotal.WithLabelValues("offline").Add(float64(marked))
		slog.Info("supervisor: workers marked offline", slog.Int("count", marked))
	}

	deleted, err := s.workers.DeleteOffline(ctx, s.cfg.WorkerCleanupTimeout)
	if err != nil {
		slog.Error("supervisor: worker delete sweep failed", slog.Any("error", err))
	} else if deleted > 0 {
		observability.WorkersSweptTotal.WithLabelValues("deleted").Add(float64(deleted))
		slog.Info("supervisor: offline workers deleted", slog.Int("count", deleted))
	}
}

// shutdown stops all consumers and waits for each to finish.
func (s *Supervisor) shutdown() {
	slog.Info("supervisor stopping", slog.Int("consumers", len(s.consumers)))
	for _, h := range s.consumers {
		h.Stop()
	}
	deadline := time.After(10 * time.Second)
	for scanID, h := range s.consumers {
		select {
		case <-h.Done():
		case <-deadline:
			slog.Warn("supervisor: consumer did not stop in time", slog.String("scan_id", scanID))
		}
		delete(s.consumers, scanID)
	}
	observability.ConsumersActive.Set(0)
}

// String implements fmt.Stringer for debug logs.
func (s *Supervisor) String() string {
	return fmt.Sprintf("supervisor(consumers=%d)", len(s.consumers))
}
