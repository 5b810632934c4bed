package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// WorkerRepo persists the worker registry. Workers are stateless: rows
// are upserted on heartbeat and the supervisor sweep is the only deleter.
type WorkerRepo struct {
	Store *Store
	// now is injected for tests; defaults to time.Now.
	now func() time.Time
}

// NewWorkerRepo constructs a WorkerRepo over the given store.
func NewWorkerRepo(s *Store) *WorkerRepo {
	return &WorkerRepo{Store: s, now: time.Now}
}

// Upsert registers a worker or refreshes an existing registration.
func (r *WorkerRepo) Upsert(ctx domain.Context, w domain.Worker) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	now := r.now().Unix()
	q := `INSERT INTO workers (id, name, host, queue_type, status, current_scan, last_seen, registered)
		VALUES (?,?,?,?,'idle','',?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, host=excluded.host,
		queue_type=excluded.queue_type, status='idle', last_seen=excluded.last_seen`
	if _, err := r.Store.db.ExecContext(ctx, q, w.ID, w.Name, w.Host, w.QueueType, now, now); err != nil {
		return fmt.Errorf("op=worker.upsert: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's status, current scan, and last-seen time.
func (r *WorkerRepo) Heartbeat(ctx domain.Context, id, status, currentScan string) error {
	r.Store.Lock()
	defer r.Store.Unlock()
	q := `UPDATE workers SET status=?, current_scan=?, last_seen=? WHERE id=?`
	if _, err := r.Store.db.ExecContext(ctx, q, status, currentScan, r.now().Unix(), id); err != nil {
		return fmt.Errorf("op=worker.heartbeat: %w", err)
	}
	return nil
}

const workerCols = `id, name, host, queue_type, status, current_scan, last_seen, registered`

func workerRow(row interface{ Scan(...any) error }) (domain.Worker, error) {
	var w domain.Worker
	var lastSeen, registered int64
	if err := row.Scan(&w.ID, &w.Name, &w.Host, &w.QueueType, &w.Status, &w.CurrentScan, &lastSeen, &registered); err != nil {
		return domain.Worker{}, err
	}
	w.LastSeen = time.Unix(lastSeen, 0).UTC()
	w.Registered = time.Unix(registered, 0).UTC()
	return w, nil
}

// Get loads one worker by id.
func (r *WorkerRepo) Get(ctx domain.Context, id string) (domain.Worker, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	row := r.Store.db.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE id=?`, id)
	w, err := workerRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", err)
	}
	return w, nil
}

// List returns all registered workers, newest first.
func (r *WorkerRepo) List(ctx domain.Context) ([]domain.Worker, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	rows, err := r.Store.db.QueryContext(ctx, `SELECT `+workerCols+` FROM workers ORDER BY registered DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := workerRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker.list: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkStaleOffline flips workers whose last heartbeat is older than
// maxAge to offline. Returns the number of rows changed.
func (r *WorkerRepo) MarkStaleOffline(ctx domain.Context, maxAge time.Duration) (int, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	cutoff := r.now().Add(-maxAge).Unix()
	res, err := r.Store.db.ExecContext(ctx,
		`UPDATE workers SET status='offline' WHERE status != 'offline' AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=worker.mark_stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteOffline removes workers that have been offline beyond maxAge.
// Safe because workers re-register on their next heartbeat.
func (r *WorkerRepo) DeleteOffline(ctx domain.Context, maxAge time.Duration) (int, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	cutoff := r.now().Add(-maxAge).Unix()
	res, err := r.Store.db.ExecContext(ctx,
		`DELETE FROM workers WHERE status='offline' AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=worker.delete_offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
