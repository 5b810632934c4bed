package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// Correlator runs the post-scan correlation rules for one scan.
type Correlator interface {
	Run(ctx domain.Context, scanID string) error
}

// DirectSink persists results straight into the shared store, bypassing
// the broker. Used by the in-process fallback when the broker is down.
// Lifecycle handling mirrors the consumer path: correlations on a clean
// finish, then terminal status plus ended timestamp on the scan row.
type DirectSink struct {
	Scans  domain.ScanRepository
	Events domain.EventRepository
	Logs   domain.LogRepository
	Corr   Correlator
	now    func() time.Time
}

// NewDirectSink constructs a DirectSink.
func NewDirectSink(scans domain.ScanRepository, events domain.EventRepository, logs domain.LogRepository, corr Correlator) *DirectSink {
	return &DirectSink{Scans: scans, Events: events, Logs: logs, Corr: corr, now: time.Now}
}

// PublishEvent stores the event, dropping duplicates.
func (s *DirectSink) PublishEvent(ctx domain.Context, scanID string, e domain.Event) error {
	inserted, err := s.Events.Store(ctx, scanID, e)
	if err != nil {
		return fmt.Errorf("op=direct_sink.event: %w", err)
	}
	if inserted {
		observability.EventsStoredTotal.Inc()
	} else {
		observability.EventsDedupedTotal.Inc()
	}
	return nil
}

// PublishLog appends the log record.
func (s *DirectSink) PublishLog(ctx domain.Context, scanID string, rec domain.LogRecord) error {
	if err := s.Logs.Append(ctx, scanID, rec); err != nil {
		return fmt.Errorf("op=direct_sink.log: %w", err)
	}
	return nil
}

// PublishLifecycle records the terminal status on the scan row. The
// supervisor never sees direct-mode scans, so the correlation pass runs
// here, before the status flip, exactly as the consumer path does. A
// correlation failure still finishes the scan.
func (s *DirectSink) PublishLifecycle(ctx domain.Context, scanID string, lc domain.Lifecycle) error {
	status, ok := lc.Status()
	if !ok {
		return fmt.Errorf("op=direct_sink.lifecycle: %w: unknown lifecycle %q", domain.ErrInvalidArgument, lc)
	}
	observability.LifecycleReceivedTotal.WithLabelValues(string(lc)).Inc()
	if lc == domain.LifecycleFinished && s.Corr != nil {
		if err := s.Corr.Run(ctx, scanID); err != nil {
			slog.Error("correlation run failed", slog.String("scan_id", scanID), slog.Any("error", err))
		}
	}
	if err := s.Scans.SetEnded(ctx, scanID, status, s.now().UTC()); err != nil {
		return fmt.Errorf("op=direct_sink.lifecycle: %w", err)
	}
	slog.Info("scan ended", slog.String("scan_id", scanID), slog.String("status", string(status)))
	return nil
}
