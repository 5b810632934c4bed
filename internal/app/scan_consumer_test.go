package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
)

type fakeScans struct {
	scans   map[string]domain.Scan
	endErr  error
	endedAt map[string]time.Time
}

func newFakeScans(ids ...string) *fakeScans {
	f := &fakeScans{scans: map[string]domain.Scan{}, endedAt: map[string]time.Time{}}
	for _, id := range ids {
		f.scans[id] = domain.Scan{ID: id, Status: domain.ScanRunning}
	}
	return f
}

func (f *fakeScans) Create(_ domain.Context, s domain.Scan) error {
	f.scans[s.ID] = s
	return nil
}

func (f *fakeScans) Get(_ domain.Context, id string) (domain.Scan, error) {
	s, ok := f.scans[id]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeScans) List(domain.Context) ([]domain.Scan, error) { return nil, nil }

func (f *fakeScans) ListByStatus(_ domain.Context, statuses ...domain.ScanStatus) ([]domain.Scan, error) {
	var out []domain.Scan
	for _, s := range f.scans {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeScans) SetStatus(_ domain.Context, id string, status domain.ScanStatus) error {
	s, ok := f.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status != status && !s.Status.CanTransition(status) {
		return domain.ErrConflict
	}
	s.Status = status
	f.scans[id] = s
	return nil
}

func (f *fakeScans) SetEnded(ctx domain.Context, id string, status domain.ScanStatus, ended time.Time) error {
	if f.endErr != nil {
		return f.endErr
	}
	if err := f.SetStatus(ctx, id, status); err != nil {
		return err
	}
	f.endedAt[id] = ended
	return nil
}

func (f *fakeScans) Delete(_ domain.Context, id string) error {
	delete(f.scans, id)
	return nil
}

type fakeEvents struct {
	stored   map[string]bool
	storeErr error
	counted  []string
}

func newFakeEvents() *fakeEvents { return &fakeEvents{stored: map[string]bool{}} }

func (f *fakeEvents) Store(_ domain.Context, scanID string, e domain.Event) (bool, error) {
	if f.storeErr != nil {
		return false, f.storeErr
	}
	key := scanID + "/" + e.Hash
	if f.stored[key] {
		return false, nil
	}
	f.stored[key] = true
	return true, nil
}

func (f *fakeEvents) CountByScan(_ domain.Context, scanID string) (int, error) {
	f.counted = append(f.counted, scanID)
	return len(f.stored), nil
}

type fakeLogs struct {
	recs      []domain.LogRecord
	appendErr error
}

func (f *fakeLogs) Append(_ domain.Context, _ string, recs ...domain.LogRecord) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.recs = append(f.recs, recs...)
	return nil
}

type fakeCorrelator struct {
	runs []string
	err  error
}

func (f *fakeCorrelator) Run(_ domain.Context, scanID string) error {
	f.runs = append(f.runs, scanID)
	return f.err
}

func newTestConsumer(scans *fakeScans, events *fakeEvents, logs *fakeLogs, corr *fakeCorrelator) *ScanConsumer {
	return NewScanConsumer("s1", scans, events, logs, corr)
}

func marshal(t *testing.T, m domain.ResultMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestConsumerMalformedMessageDiscarded(t *testing.T) {
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), &fakeLogs{}, &fakeCorrelator{})
	assert.Equal(t, nackDiscard, c.handle(context.Background(), []byte("{not json")))
	assert.Equal(t, nackDiscard, c.handle(context.Background(), []byte(`{"scan_id":"s1"}`)))
}

func TestConsumerWrongScanDiscarded(t *testing.T) {
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), &fakeLogs{}, &fakeCorrelator{})
	body := marshal(t, domain.LogMessage("other", domain.LogRecord{Level: "INFO", Message: "m"}))
	assert.Equal(t, nackDiscard, c.handle(context.Background(), body))
}

func TestConsumerLogPersisted(t *testing.T) {
	logs := &fakeLogs{}
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), logs, &fakeCorrelator{})

	body := marshal(t, domain.LogMessage("s1", domain.LogRecord{Level: "INFO", Message: "hello", Component: "engine", Time: 1}))
	assert.Equal(t, ackOK, c.handle(context.Background(), body))
	require.Len(t, logs.recs, 1)
	assert.Equal(t, "hello", logs.recs[0].Message)
	assert.False(t, c.LifecycleReceived())
}

func TestConsumerLogStoreFailureRequeues(t *testing.T) {
	logs := &fakeLogs{appendErr: fmt.Errorf("%w: database is locked", domain.ErrStoreTransient)}
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), logs, &fakeCorrelator{})
	body := marshal(t, domain.LogMessage("s1", domain.LogRecord{Level: "INFO", Message: "m"}))
	assert.Equal(t, nackRequeue, c.handle(context.Background(), body))
}

func testEvent(hash string) domain.Event {
	return domain.Event{
		Hash: hash, Type: "IP_ADDRESS", Generated: 1, Confidence: 100,
		Visibility: 100, Risk: 0, Module: "m_dnsresolve", Data: "192.0.2.1",
		SourceEventHash: domain.SourceHashRoot,
	}
}

func TestConsumerEventStoredAndDeduped(t *testing.T) {
	events := newFakeEvents()
	c := newTestConsumer(newFakeScans("s1"), events, &fakeLogs{}, &fakeCorrelator{})

	body := marshal(t, domain.EventMessage("s1", testEvent("h1")))
	assert.Equal(t, ackOK, c.handle(context.Background(), body))
	// Redelivery acks too; dedup is the store's job.
	assert.Equal(t, ackOK, c.handle(context.Background(), body))
	assert.Len(t, events.stored, 1)
}

func TestConsumerEventStoreFailureRequeues(t *testing.T) {
	events := newFakeEvents()
	events.storeErr = fmt.Errorf("%w: database is locked", domain.ErrStoreTransient)
	c := newTestConsumer(newFakeScans("s1"), events, &fakeLogs{}, &fakeCorrelator{})
	body := marshal(t, domain.EventMessage("s1", testEvent("h1")))
	assert.Equal(t, nackRequeue, c.handle(context.Background(), body))
}

func TestConsumerNonTransientStoreFailureDiscards(t *testing.T) {
	// A failure that redelivery cannot fix must not requeue forever.
	events := newFakeEvents()
	events.storeErr = errors.New("constraint violated")
	c := newTestConsumer(newFakeScans("s1"), events, &fakeLogs{}, &fakeCorrelator{})
	body := marshal(t, domain.EventMessage("s1", testEvent("h1")))
	assert.Equal(t, nackDiscard, c.handle(context.Background(), body))
}

func TestConsumerInvalidEventDiscarded(t *testing.T) {
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), &fakeLogs{}, &fakeCorrelator{})
	e := testEvent("h1")
	e.Confidence = 500
	body := marshal(t, domain.EventMessage("s1", e))
	assert.Equal(t, nackDiscard, c.handle(context.Background(), body))
}

func TestConsumerLifecycleFinished(t *testing.T) {
	scans := newFakeScans("s1")
	corr := &fakeCorrelator{}
	c := newTestConsumer(scans, newFakeEvents(), &fakeLogs{}, corr)

	body := marshal(t, domain.LifecycleMessage("s1", domain.LifecycleFinished))
	assert.Equal(t, ackOK, c.handle(context.Background(), body))

	assert.Equal(t, []string{"s1"}, corr.runs)
	assert.Equal(t, domain.ScanFinished, scans.scans["s1"].Status)
	assert.False(t, scans.endedAt["s1"].IsZero())
	assert.True(t, c.LifecycleReceived())
}

func TestConsumerLifecycleFinishedCorrelationFailureStillFinishes(t *testing.T) {
	scans := newFakeScans("s1")
	corr := &fakeCorrelator{err: errors.New("rules exploded")}
	c := newTestConsumer(scans, newFakeEvents(), &fakeLogs{}, corr)

	body := marshal(t, domain.LifecycleMessage("s1", domain.LifecycleFinished))
	assert.Equal(t, ackOK, c.handle(context.Background(), body))
	assert.Equal(t, domain.ScanFinished, scans.scans["s1"].Status)
}

func TestConsumerLifecycleFailedAndAborted(t *testing.T) {
	scans := newFakeScans("s1", "s2")
	corr := &fakeCorrelator{}
	c1 := NewScanConsumer("s1", scans, newFakeEvents(), &fakeLogs{}, corr)
	c2 := NewScanConsumer("s2", scans, newFakeEvents(), &fakeLogs{}, corr)

	assert.Equal(t, ackOK, c1.handle(context.Background(), marshal(t, domain.LifecycleMessage("s1", domain.LifecycleFailed))))
	assert.Equal(t, domain.ScanErrorFailed, scans.scans["s1"].Status)

	assert.Equal(t, ackOK, c2.handle(context.Background(), marshal(t, domain.LifecycleMessage("s2", domain.LifecycleAborted))))
	assert.Equal(t, domain.ScanAborted, scans.scans["s2"].Status)

	// Correlations only run on FINISHED.
	assert.Empty(t, corr.runs)
}

func TestConsumerLifecycleStatusWriteFailureRequeues(t *testing.T) {
	scans := newFakeScans("s1")
	scans.endErr = errors.New("store unavailable")
	c := newTestConsumer(scans, newFakeEvents(), &fakeLogs{}, &fakeCorrelator{})

	body := marshal(t, domain.LifecycleMessage("s1", domain.LifecycleFinished))
	assert.Equal(t, nackRequeue, c.handle(context.Background(), body))
	assert.False(t, c.LifecycleReceived())
}

func TestConsumerLastMessageAdvances(t *testing.T) {
	c := newTestConsumer(newFakeScans("s1"), newFakeEvents(), &fakeLogs{}, &fakeCorrelator{})
	before := c.LastMessage()
	time.Sleep(5 * time.Millisecond)
	c.lastMessage.Store(time.Now().UnixNano())
	assert.True(t, c.LastMessage().After(before))
}
