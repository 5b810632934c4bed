package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
)

type fakeHandle struct {
	stopped     bool
	done        chan struct{}
	lastMessage time.Time
	lifecycle   bool
}

func newFakeHandle(lastMessage time.Time) *fakeHandle {
	return &fakeHandle{done: make(chan struct{}), lastMessage: lastMessage}
}

func (h *fakeHandle) Stop()                  { h.stopped = true }
func (h *fakeHandle) Done() <-chan struct{}  { return h.done }
func (h *fakeHandle) LastMessage() time.Time { return h.lastMessage }
func (h *fakeHandle) LifecycleReceived() bool { return h.lifecycle }

type fakeWorkers struct {
	staleAge   time.Duration
	cleanupAge time.Duration
	marked     int
	deleted    int
	err        error
}

func (f *fakeWorkers) Upsert(domain.Context, domain.Worker) error              { return nil }
func (f *fakeWorkers) Heartbeat(domain.Context, string, string, string) error  { return nil }
func (f *fakeWorkers) Get(domain.Context, string) (domain.Worker, error)       { return domain.Worker{}, domain.ErrNotFound }
func (f *fakeWorkers) List(domain.Context) ([]domain.Worker, error)            { return nil, nil }

func (f *fakeWorkers) MarkStaleOffline(_ domain.Context, maxAge time.Duration) (int, error) {
	f.staleAge = maxAge
	return f.marked, f.err
}

func (f *fakeWorkers) DeleteOffline(_ domain.Context, maxAge time.Duration) (int, error) {
	f.cleanupAge = maxAge
	return f.deleted, f.err
}

func newTestSupervisor(scans *fakeScans, workers *fakeWorkers, corr Correlator, now time.Time) (*Supervisor, map[string]*fakeHandle) {
	started := map[string]*fakeHandle{}
	s := &Supervisor{
		cfg:       SupervisorConfig{}.withDefaults(),
		scans:     scans,
		events:    newFakeEvents(),
		workers:   workers,
		corr:      corr,
		consumers: map[string]consumerHandle{},
		now:       func() time.Time { return now },
	}
	s.startConsumer = func(_ domain.Context, scanID string) (consumerHandle, error) {
		h := newFakeHandle(now)
		started[scanID] = h
		return h, nil
	}
	return s, started
}

func TestSupervisorStartsConsumersForActiveScans(t *testing.T) {
	scans := newFakeScans("s1", "s2", "s3")
	scans.scans["s2"] = domain.Scan{ID: "s2", Status: domain.ScanAbortRequested}
	scans.scans["s3"] = domain.Scan{ID: "s3", Status: domain.ScanFinished}

	s, started := newTestSupervisor(scans, &fakeWorkers{}, &fakeCorrelator{}, time.Now())
	s.tickMonitor(context.Background())

	assert.Contains(t, started, "s1")
	assert.Contains(t, started, "s2")
	assert.NotContains(t, started, "s3")
	assert.Len(t, s.consumers, 2)

	// A second tick does not double-start.
	s.tickMonitor(context.Background())
	assert.Len(t, started, 2)
}

func TestSupervisorStopsConsumerForTerminalScan(t *testing.T) {
	scans := newFakeScans("s1")
	s, started := newTestSupervisor(scans, &fakeWorkers{}, &fakeCorrelator{}, time.Now())
	s.tickMonitor(context.Background())
	require.Contains(t, started, "s1")

	// Scan finishes between ticks (e.g. the consumer settled it).
	scans.scans["s1"] = domain.Scan{ID: "s1", Status: domain.ScanFinished}
	s.tickMonitor(context.Background())
	assert.True(t, started["s1"].stopped)
}

func TestSupervisorReapsDeadConsumers(t *testing.T) {
	scans := newFakeScans()
	s, _ := newTestSupervisor(scans, &fakeWorkers{}, &fakeCorrelator{}, time.Now())

	h := newFakeHandle(time.Now())
	close(h.done)
	s.consumers["gone"] = h
	s.tickMonitor(context.Background())
	assert.NotContains(t, s.consumers, "gone")
}

func TestSupervisorWatchdogPromotesSilentScan(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	scans := newFakeScans("s1")
	corr := &fakeCorrelator{}
	s, _ := newTestSupervisor(scans, &fakeWorkers{}, corr, now)

	events := newFakeEvents()
	s.events = events

	// Silent for exactly the timeout: promoted.
	h := newFakeHandle(now.Add(-10 * time.Minute))
	s.consumers["s1"] = h
	s.tickMonitor(context.Background())

	assert.True(t, h.stopped)
	assert.Equal(t, []string{"s1"}, corr.runs)
	assert.Equal(t, domain.ScanFinished, scans.scans["s1"].Status)
	assert.Equal(t, now, scans.endedAt["s1"])
	// The promotion log records how many results made it in.
	assert.Equal(t, []string{"s1"}, events.counted)
}

func TestSupervisorWatchdogSparesRecentlyActiveScan(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	scans := newFakeScans("s1")
	corr := &fakeCorrelator{}
	s, _ := newTestSupervisor(scans, &fakeWorkers{}, corr, now)

	// One second short of the timeout: left alone.
	h := newFakeHandle(now.Add(-10*time.Minute + time.Second))
	s.consumers["s1"] = h
	s.tickMonitor(context.Background())

	assert.False(t, h.stopped)
	assert.Empty(t, corr.runs)
	assert.Equal(t, domain.ScanRunning, scans.scans["s1"].Status)
}

func TestSupervisorWatchdogCorrelationFailureStillPromotes(t *testing.T) {
	now := time.Now()
	scans := newFakeScans("s1")
	corr := &fakeCorrelator{err: errors.New("boom")}
	s, _ := newTestSupervisor(scans, &fakeWorkers{}, corr, now)

	h := newFakeHandle(now.Add(-time.Hour))
	s.consumers["s1"] = h
	s.tickMonitor(context.Background())
	assert.Equal(t, domain.ScanFinished, scans.scans["s1"].Status)
}

func TestSupervisorSweepUsesConfiguredAges(t *testing.T) {
	workers := &fakeWorkers{marked: 2, deleted: 1}
	s, _ := newTestSupervisor(newFakeScans(), workers, &fakeCorrelator{}, time.Now())
	s.cfg.WorkerStaleAfter = 45 * time.Second
	s.cfg.WorkerCleanupTimeout = 7 * time.Minute

	s.tickSweep(context.Background())
	assert.Equal(t, 45*time.Second, workers.staleAge)
	assert.Equal(t, 7*time.Minute, workers.cleanupAge)
}

func TestSupervisorShutdownStopsAll(t *testing.T) {
	s, _ := newTestSupervisor(newFakeScans(), &fakeWorkers{}, &fakeCorrelator{}, time.Now())
	h1 := newFakeHandle(time.Now())
	close(h1.done)
	h2 := newFakeHandle(time.Now())
	close(h2.done)
	s.consumers["a"] = h1
	s.consumers["b"] = h2

	s.shutdown()
	assert.True(t, h1.stopped)
	assert.True(t, h2.stopped)
	assert.Empty(t, s.consumers)
}
