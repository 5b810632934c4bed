package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
)

type memEvents struct {
	stored map[string]bool
}

func (m *memEvents) Store(_ domain.Context, scanID string, e domain.Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	key := scanID + "/" + e.Hash
	if m.stored[key] {
		return false, nil
	}
	m.stored[key] = true
	return true, nil
}

func (m *memEvents) CountByScan(domain.Context, string) (int, error) { return len(m.stored), nil }

type memLogs struct{ recs []domain.LogRecord }

func (m *memLogs) Append(_ domain.Context, _ string, recs ...domain.LogRecord) error {
	m.recs = append(m.recs, recs...)
	return nil
}

// fakeCorrelator records runs and can observe scan state at run time.
type fakeCorrelator struct {
	runs  []string
	err   error
	onRun func(scanID string)
}

func (f *fakeCorrelator) Run(_ domain.Context, scanID string) error {
	f.runs = append(f.runs, scanID)
	if f.onRun != nil {
		f.onRun(scanID)
	}
	return f.err
}

func TestDirectSinkStoresResults(t *testing.T) {
	ctx := context.Background()
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanRunning)
	events := &memEvents{stored: map[string]bool{}}
	logs := &memLogs{}
	sink := NewDirectSink(repo, events, logs, &fakeCorrelator{})

	e := domain.Event{
		Hash: "h1", Type: "IP_ADDRESS", Generated: 1, Confidence: 100,
		Visibility: 100, Module: "m_dnsresolve", Data: "192.0.2.1",
		SourceEventHash: domain.SourceHashRoot,
	}
	require.NoError(t, sink.PublishEvent(ctx, "s1", e))
	// Duplicates are absorbed, not errors.
	require.NoError(t, sink.PublishEvent(ctx, "s1", e))
	assert.Len(t, events.stored, 1)

	require.NoError(t, sink.PublishLog(ctx, "s1", domain.LogRecord{Level: "INFO", Message: "m"}))
	assert.Len(t, logs.recs, 1)

	require.NoError(t, sink.PublishLifecycle(ctx, "s1", domain.LifecycleFinished))
	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanFinished, got.Status)
	assert.False(t, got.Ended.IsZero())
}

func TestDirectSinkUnknownLifecycle(t *testing.T) {
	sink := NewDirectSink(newFakeScanRepo(), &memEvents{stored: map[string]bool{}}, &memLogs{}, &fakeCorrelator{})
	err := sink.PublishLifecycle(context.Background(), "s1", domain.Lifecycle("NOPE"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDirectSinkFinishedRunsCorrelationsBeforeStatusFlip(t *testing.T) {
	ctx := context.Background()
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanRunning)

	corr := &fakeCorrelator{}
	var statusAtRun domain.ScanStatus
	corr.onRun = func(scanID string) {
		s, err := repo.Get(ctx, scanID)
		require.NoError(t, err)
		statusAtRun = s.Status
	}
	sink := NewDirectSink(repo, &memEvents{stored: map[string]bool{}}, &memLogs{}, corr)

	require.NoError(t, sink.PublishLifecycle(ctx, "s1", domain.LifecycleFinished))
	assert.Equal(t, []string{"s1"}, corr.runs)
	// The scan was still RUNNING when the rules ran.
	assert.Equal(t, domain.ScanRunning, statusAtRun)
	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanFinished, got.Status)
}

func TestDirectSinkCorrelationFailureStillFinishes(t *testing.T) {
	ctx := context.Background()
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanRunning)
	corr := &fakeCorrelator{err: assert.AnError}
	sink := NewDirectSink(repo, &memEvents{stored: map[string]bool{}}, &memLogs{}, corr)

	require.NoError(t, sink.PublishLifecycle(ctx, "s1", domain.LifecycleFinished))
	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanFinished, got.Status)
}

func TestDirectSinkCorrelationsSkippedForAbortAndFailure(t *testing.T) {
	ctx := context.Background()
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanRunning)
	seedScan(t, repo, "s2", domain.ScanRunning)
	corr := &fakeCorrelator{}
	sink := NewDirectSink(repo, &memEvents{stored: map[string]bool{}}, &memLogs{}, corr)

	require.NoError(t, sink.PublishLifecycle(ctx, "s1", domain.LifecycleAborted))
	require.NoError(t, sink.PublishLifecycle(ctx, "s2", domain.LifecycleFailed))
	assert.Empty(t, corr.runs)
}
