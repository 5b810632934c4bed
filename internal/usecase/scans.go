package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// Scans exposes read, abort, and delete operations over scan rows.
type Scans struct {
	Repo domain.ScanRepository
	now  func() time.Time
}

// NewScans constructs the scan query/control use case.
func NewScans(repo domain.ScanRepository) *Scans {
	return &Scans{Repo: repo, now: time.Now}
}

// Get returns one scan.
func (s *Scans) Get(ctx domain.Context, id string) (domain.Scan, error) {
	return s.Repo.Get(ctx, id)
}

// List returns all scans, newest first.
func (s *Scans) List(ctx domain.Context) ([]domain.Scan, error) {
	return s.Repo.List(ctx)
}

// Abort requests a cooperative stop. The request only marks the row;
// the worker's abort bridge notices within its poll interval and the
// terminal ABORTED status arrives through the result stream. Aborting a
// terminal scan is a conflict; aborting an already abort-requested scan
// is a no-op.
func (s *Scans) Abort(ctx domain.Context, id string) error {
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=scans.abort: %w", err)
	}
	if scan.Status == domain.ScanAbortRequested {
		return nil
	}
	if scan.Status.IsTerminal() {
		return fmt.Errorf("op=scans.abort scan_id=%s: %w: scan already %s", id, domain.ErrConflict, scan.Status)
	}
	if err := s.Repo.SetStatus(ctx, id, domain.ScanAbortRequested); err != nil {
		return fmt.Errorf("op=scans.abort: %w", err)
	}
	slog.Info("abort requested", slog.String("scan_id", id))
	return nil
}

// Delete removes a scan and all its stored results. Deleting a running
// scan is allowed; the worker's abort bridge treats the vanished row as
// an abort signal.
func (s *Scans) Delete(ctx domain.Context, id string) error {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return fmt.Errorf("op=scans.delete: %w", err)
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=scans.delete: %w", err)
	}
	slog.Info("scan deleted", slog.String("scan_id", id))
	return nil
}
