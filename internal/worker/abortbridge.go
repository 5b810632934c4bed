package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// statusPoller is the abort bridge's view of the control plane.
type statusPoller interface {
	ScanStatus(ctx domain.Context, scanID string) (domain.ScanStatus, error)
}

// AbortBridge relays abort requests from the control plane into the
// engine's task-local store. The engine only ever reads its own store;
// the bridge is the single writer that crosses the boundary.
type AbortBridge struct {
	poller   statusPoller
	local    domain.TaskLocalStore
	scanID   string
	interval time.Duration
}

// NewAbortBridge wires a bridge for one running task.
func NewAbortBridge(poller statusPoller, local domain.TaskLocalStore, scanID string, interval time.Duration) *AbortBridge {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &AbortBridge{poller: poller, local: local, scanID: scanID, interval: interval}
}

// Run polls until ctx is cancelled or an abort signal has been written
// through. A scan row that vanished counts as an abort: the operator
// deleted the scan out from under the worker.
func (b *AbortBridge) Run(ctx domain.Context) {
	log := slog.With(slog.String("scan_id", b.scanID), slog.String("component", "abort_bridge"))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := b.poller.ScanStatus(ctx, b.scanID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Info("scan row deleted, treating as abort")
		case err != nil:
			log.Warn("status poll failed", slog.Any("error", err))
			continue
		case status != domain.ScanAbortRequested:
			continue
		default:
			log.Info("abort requested")
		}

		if b.writeAbort(ctx, log) {
			return
		}
	}
}

// writeAbort flips the task-local row to ABORT-REQUESTED, retrying while
// the engine has not created the row yet. Returns true once the write
// landed or the context died.
func (b *AbortBridge) writeAbort(ctx domain.Context, log *slog.Logger) bool {
	for {
		err := b.local.SetStatus(ctx, b.scanID, domain.ScanAbortRequested)
		if err == nil {
			log.Info("abort flag written to task store")
			return true
		}
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("abort flag write failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.interval):
		}
	}
}
