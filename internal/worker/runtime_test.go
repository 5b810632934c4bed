package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
)

// fakeLocal is an in-memory task-local store.
type fakeLocal struct {
	mu      sync.Mutex
	scans   map[string]domain.Scan
	removed bool
}

func newFakeLocal() *fakeLocal { return &fakeLocal{scans: map[string]domain.Scan{}} }

func (l *fakeLocal) CreateScan(_ domain.Context, s domain.Scan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scans[s.ID] = s
	return nil
}

func (l *fakeLocal) GetScan(_ domain.Context, id string) (domain.Scan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scans[id]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return s, nil
}

func (l *fakeLocal) SetStatus(_ domain.Context, id string, status domain.ScanStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	l.scans[id] = s
	return nil
}

func (l *fakeLocal) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = true
	return nil
}

// recordingSink captures lifecycle publications.
type recordingSink struct {
	mu         sync.Mutex
	lifecycles []domain.Lifecycle
}

func (s *recordingSink) PublishEvent(domain.Context, string, domain.Event) error { return nil }
func (s *recordingSink) PublishLog(domain.Context, string, domain.LogRecord) error { return nil }

func (s *recordingSink) PublishLifecycle(_ domain.Context, _ string, lc domain.Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycles = append(s.lifecycles, lc)
	return nil
}

func (s *recordingSink) published() []domain.Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Lifecycle(nil), s.lifecycles...)
}

// statusEngine records the given terminal status into the task store.
type statusEngine struct {
	final domain.ScanStatus
	err   error
}

func (e *statusEngine) Run(ctx domain.Context, t domain.Task, local domain.TaskLocalStore, _ domain.ResultSink) error {
	_ = local.CreateScan(ctx, domain.Scan{ID: t.ScanID, Status: domain.ScanRunning})
	if e.err != nil {
		return e.err
	}
	if e.final != "" {
		_ = local.SetStatus(ctx, t.ScanID, e.final)
	}
	return nil
}

type stubPoller struct{}

func (stubPoller) ScanStatus(domain.Context, string) (domain.ScanStatus, error) {
	return domain.ScanRunning, nil
}

func newTestRuntime(eng domain.Engine, sink domain.ResultSink, local *fakeLocal) (*Runtime, *[]string) {
	wipes := &[]string{}
	r := NewRuntime("/unused", eng, sink, stubPoller{}, NewStatusTracker(), 10*time.Millisecond)
	r.wipeLocal = func(scanID string) error {
		*wipes = append(*wipes, scanID)
		return nil
	}
	r.openLocal = func(string) (taskStore, error) { return local, nil }
	return r, wipes
}

func task() domain.Task {
	return domain.Task{ScanID: "s1", ScanName: "n", ScanTarget: "example.com",
		TargetType: "INTERNET_NAME", ModuleList: "m_dnsresolve", QueueType: "fast"}
}

func TestRuntimeFinishedScanPublishesNothingExtra(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	r, wipes := newTestRuntime(&statusEngine{final: domain.ScanFinished}, sink, local)

	require.NoError(t, r.HandleTask(context.Background(), task()))
	// The engine announces FINISHED itself; the runtime must not repeat it.
	assert.Empty(t, sink.published())
	assert.Equal(t, []string{"s1"}, *wipes)
	assert.True(t, local.removed)
}

func TestRuntimeAbortedScanPublishesAborted(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	r, _ := newTestRuntime(&statusEngine{final: domain.ScanAborted}, sink, local)

	require.NoError(t, r.HandleTask(context.Background(), task()))
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleAborted}, sink.published())
	assert.True(t, local.removed)
}

func TestRuntimeFailedStatusPublishesFailed(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	r, _ := newTestRuntime(&statusEngine{final: domain.ScanErrorFailed}, sink, local)

	require.NoError(t, r.HandleTask(context.Background(), task()))
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleFailed}, sink.published())
}

func TestRuntimeEngineErrorPublishesFailedAndErrors(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	r, _ := newTestRuntime(&statusEngine{err: errors.New("modules exploded")}, sink, local)

	err := r.HandleTask(context.Background(), task())
	assert.Error(t, err)
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleFailed}, sink.published())
	assert.True(t, local.removed)
}

func TestRuntimeNonTerminalStatusReportsFailure(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	// Engine exits nil but never records a terminal status.
	r, _ := newTestRuntime(&statusEngine{}, sink, local)

	require.NoError(t, r.HandleTask(context.Background(), task()))
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleFailed}, sink.published())
}

func TestRuntimeRejectsEmptyScanID(t *testing.T) {
	r, wipes := newTestRuntime(&statusEngine{}, &recordingSink{}, newFakeLocal())
	err := r.HandleTask(context.Background(), domain.Task{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, *wipes)
}

func TestRuntimeTracksBusyDuringRun(t *testing.T) {
	sink := &recordingSink{}
	local := newFakeLocal()
	tracker := NewStatusTracker()

	running := make(chan struct{})
	release := make(chan struct{})
	eng := engineFunc(func(ctx domain.Context, tk domain.Task, l domain.TaskLocalStore, _ domain.ResultSink) error {
		_ = l.CreateScan(ctx, domain.Scan{ID: tk.ScanID, Status: domain.ScanRunning})
		close(running)
		<-release
		return l.SetStatus(ctx, tk.ScanID, domain.ScanFinished)
	})

	r := NewRuntime("/unused", eng, sink, stubPoller{}, tracker, 10*time.Millisecond)
	r.wipeLocal = func(string) error { return nil }
	r.openLocal = func(string) (taskStore, error) { return local, nil }

	done := make(chan error, 1)
	go func() { done <- r.HandleTask(context.Background(), task()) }()

	<-running
	status, current := tracker.Snapshot()
	assert.Equal(t, domain.WorkerBusy, status)
	assert.Equal(t, "s1", current)

	close(release)
	require.NoError(t, <-done)
	status, current = tracker.Snapshot()
	assert.Equal(t, domain.WorkerIdle, status)
	assert.Empty(t, current)
}

// engineFunc adapts a function to domain.Engine.
type engineFunc func(domain.Context, domain.Task, domain.TaskLocalStore, domain.ResultSink) error

func (f engineFunc) Run(ctx domain.Context, t domain.Task, l domain.TaskLocalStore, s domain.ResultSink) error {
	return f(ctx, t, l, s)
}
