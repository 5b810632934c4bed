package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// ScanRepo persists and loads scan rows from the shared store.
type ScanRepo struct{ Store *Store }

// NewScanRepo constructs a ScanRepo over the given store.
func NewScanRepo(s *Store) *ScanRepo { return &ScanRepo{Store: s} }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Create inserts a new scan row. A second insert with the same id fails
// with ErrConflict; scan-row creation is a single-INSERT-once step.
func (r *ScanRepo) Create(ctx domain.Context, s domain.Scan) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	q := `INSERT INTO scans (id, name, target, target_type, status, created, started, ended) VALUES (?,?,?,?,?,?,?,?)`
	_, err := r.Store.db.ExecContext(ctx, q, s.ID, s.Name, s.Target, s.TargetType, s.Status, millis(s.Created), millis(s.Started), millis(s.Ended))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("op=scan.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=scan.create: %w", err)
	}
	return nil
}

const scanCols = `id, name, target, target_type, status, created, started, ended`

func scanRow(row interface{ Scan(...any) error }) (domain.Scan, error) {
	var s domain.Scan
	var created, started, ended int64
	if err := row.Scan(&s.ID, &s.Name, &s.Target, &s.TargetType, &s.Status, &created, &started, &ended); err != nil {
		return domain.Scan{}, err
	}
	s.Created, s.Started, s.Ended = fromMillis(created), fromMillis(started), fromMillis(ended)
	return s, nil
}

// Get loads a scan by id.
func (r *ScanRepo) Get(ctx domain.Context, id string) (domain.Scan, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	row := r.Store.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE id=?`, id)
	s, err := scanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Scan{}, fmt.Errorf("op=scan.get: %w", domain.ErrNotFound)
		}
		return domain.Scan{}, fmt.Errorf("op=scan.get: %w", err)
	}
	return s, nil
}

// List returns all scans, newest first.
func (r *ScanRepo) List(ctx domain.Context) ([]domain.Scan, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	rows, err := r.Store.db.QueryContext(ctx, `SELECT `+scanCols+` FROM scans ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=scan.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scan.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByStatus returns scans in any of the given statuses.
func (r *ScanRepo) ListByStatus(ctx domain.Context, statuses ...domain.ScanStatus) ([]domain.Scan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	r.Store.Lock()
	defer r.Store.Unlock()
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = st
	}
	q := `SELECT ` + scanCols + ` FROM scans WHERE status IN (` + strings.Join(ph, ",") + `)`
	rows, err := r.Store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=scan.list_by_status: %w", err)
	}
	defer rows.Close()
	var out []domain.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scan.list_by_status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStatus transitions a scan's status. Transitions that violate
// monotonicity (terminal → anything, ABORT-REQUESTED → RUNNING) are
// rejected with ErrConflict under the same lock that reads the current
// status, so racing writers cannot regress a scan.
func (r *ScanRepo) SetStatus(ctx domain.Context, id string, status domain.ScanStatus) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	return r.setStatusLocked(ctx, id, status, time.Time{})
}

// SetEnded transitions to a terminal status and stamps the end time.
func (r *ScanRepo) SetEnded(ctx domain.Context, id string, status domain.ScanStatus, ended time.Time) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	return r.setStatusLocked(ctx, id, status, ended)
}

func (r *ScanRepo) setStatusLocked(ctx domain.Context, id string, status domain.ScanStatus, ended time.Time) error {
	var cur domain.ScanStatus
	err := r.Store.db.QueryRowContext(ctx, `SELECT status FROM scans WHERE id=?`, id).Scan(&cur)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("op=scan.set_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=scan.set_status: %w", err)
	}
	if cur == status {
		return nil
	}
	if !cur.CanTransition(status) {
		return fmt.Errorf("op=scan.set_status: %s -> %s: %w", cur, status, domain.ErrConflict)
	}
	if ended.IsZero() {
		_, err = r.Store.db.ExecContext(ctx, `UPDATE scans SET status=? WHERE id=?`, status, id)
	} else {
		_, err = r.Store.db.ExecContext(ctx, `UPDATE scans SET status=?, ended=? WHERE id=?`, status, millis(ended), id)
	}
	if err != nil {
		return fmt.Errorf("op=scan.set_status: %w", err)
	}
	return nil
}

// Delete removes a scan row together with its events, logs, and
// correlation results.
func (r *ScanRepo) Delete(ctx domain.Context, id string) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	res, err := r.Store.db.ExecContext(ctx, `DELETE FROM scans WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("op=scan.delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=scan.delete: %w", domain.ErrNotFound)
	}
	if _, err := r.Store.db.ExecContext(ctx, `DELETE FROM events WHERE scan_id=?`, id); err != nil {
		return fmt.Errorf("op=scan.delete: %w", err)
	}
	if _, err := r.Store.db.ExecContext(ctx, `DELETE FROM scan_logs WHERE scan_id=?`, id); err != nil {
		return fmt.Errorf("op=scan.delete: %w", err)
	}
	if _, err := r.Store.db.ExecContext(ctx, `DELETE FROM correlations WHERE scan_id=?`, id); err != nil {
		return fmt.Errorf("op=scan.delete: %w", err)
	}
	return nil
}
