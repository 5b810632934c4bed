package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
)

func seedScan(t *testing.T, repo *fakeScanRepo, id string, status domain.ScanStatus) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), domain.Scan{
		ID: id, Name: "n", Target: "example.com", TargetType: "INTERNET_NAME",
		Status: status, Created: time.Now(),
	}))
}

func TestScansAbortRunning(t *testing.T) {
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanRunning)
	s := NewScans(repo)

	require.NoError(t, s.Abort(context.Background(), "s1"))
	got, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanAbortRequested, got.Status)
}

func TestScansAbortIdempotent(t *testing.T) {
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanAbortRequested)
	s := NewScans(repo)
	assert.NoError(t, s.Abort(context.Background(), "s1"))
}

func TestScansAbortTerminalConflicts(t *testing.T) {
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanFinished)
	s := NewScans(repo)
	assert.ErrorIs(t, s.Abort(context.Background(), "s1"), domain.ErrConflict)
}

func TestScansAbortMissing(t *testing.T) {
	s := NewScans(newFakeScanRepo())
	assert.ErrorIs(t, s.Abort(context.Background(), "nope"), domain.ErrNotFound)
}

func TestScansDelete(t *testing.T) {
	repo := newFakeScanRepo()
	seedScan(t, repo, "s1", domain.ScanFinished)
	s := NewScans(repo)

	require.NoError(t, s.Delete(context.Background(), "s1"))
	_, err := repo.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, s.Delete(context.Background(), "s1"), domain.ErrNotFound)
}
