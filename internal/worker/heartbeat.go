package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// StatusTracker holds the worker's current state for the heartbeat loop.
type StatusTracker struct {
	mu          sync.Mutex
	status      string
	currentScan string
}

// NewStatusTracker starts idle.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: domain.WorkerIdle}
}

// SetBusy marks the worker as running scanID.
func (t *StatusTracker) SetBusy(scanID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = domain.WorkerBusy
	t.currentScan = scanID
}

// SetIdle clears the current scan.
func (t *StatusTracker) SetIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = domain.WorkerIdle
	t.currentScan = ""
}

// Snapshot returns the current status and scan.
func (t *StatusTracker) Snapshot() (status, currentScan string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.currentScan
}

// Heartbeater periodically announces this worker to the control plane.
// Heartbeats are fire-and-forget: a failed ping is logged and the next
// tick tries again.
type Heartbeater struct {
	client    *APIClient
	tracker   *StatusTracker
	workerID  string
	name      string
	host      string
	queueType string
	interval  time.Duration
}

// NewHeartbeater wires the heartbeat loop.
func NewHeartbeater(client *APIClient, tracker *StatusTracker, workerID, name, host, queueType string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Heartbeater{
		client:    client,
		tracker:   tracker,
		workerID:  workerID,
		name:      name,
		host:      host,
		queueType: queueType,
		interval:  interval,
	}
}

// Run pings immediately, then on every tick until ctx is cancelled. On
// shutdown it sends one final offline ping on a fresh context so the
// registry shows the worker gone without waiting for the sweep.
func (h *Heartbeater) Run(ctx domain.Context) {
	h.ping(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.pingOffline()
			return
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *Heartbeater) ping(ctx domain.Context) {
	status, currentScan := h.tracker.Snapshot()
	err := h.client.Heartbeat(ctx, heartbeatPayload{
		WorkerID:    h.workerID,
		Name:        h.name,
		Host:        h.host,
		QueueType:   h.queueType,
		Status:      status,
		CurrentScan: currentScan,
	})
	if err != nil {
		slog.Warn("heartbeat failed", slog.Any("error", err))
	}
}

func (h *Heartbeater) pingOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.client.Heartbeat(ctx, heartbeatPayload{
		WorkerID:  h.workerID,
		Name:      h.name,
		Host:      h.host,
		QueueType: h.queueType,
		Status:    domain.WorkerOffline,
	})
	if err != nil {
		slog.Warn("final offline heartbeat failed", slog.Any("error", err))
	}
}
