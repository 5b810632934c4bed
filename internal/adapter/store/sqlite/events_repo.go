package sqlite

import (
	"fmt"

	"github.com/oswatch/scanfleet/internal/domain"
)

// EventRepo persists scan events with (scan_id, hash) uniqueness.
type EventRepo struct{ store *Store }

// NewEventRepo constructs an EventRepo over the given store.
func NewEventRepo(s *Store) *EventRepo { return &EventRepo{store: s} }

// Store inserts an event idempotently. Duplicate hashes arise from
// at-least-once broker delivery (nack → requeue → redeliver) and from
// scan-task redelivery; the check-then-insert runs under the store lock
// so concurrent redeliveries cannot both insert. Returns true when a
// row was actually written.
func (r *EventRepo) Store(ctx domain.Context, scanID string, e domain.Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("op=event.store: %w", err)
	}
	r.store.Lock()
	defer r.store.Unlock()

	var one int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE scan_id=? AND hash=? LIMIT 1`, scanID, e.Hash).Scan(&one)
	if err == nil {
		return false, nil
	}

	q := `INSERT OR IGNORE INTO events
		(scan_id, hash, type, generated, confidence, visibility, risk, module, data, source_event_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?)`
	res, err := r.store.db.ExecContext(ctx, q, scanID, e.Hash, e.Type, e.Generated,
		e.Confidence, e.Visibility, e.Risk, e.Module, e.Data, e.SourceEventHash)
	if err != nil {
		return false, fmt.Errorf("op=event.store: %w: %v", domain.ErrStoreTransient, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListByScan returns a scan's events in generation order. Used by the
// correlation pass, which runs over the full event set.
func (r *EventRepo) ListByScan(ctx domain.Context, scanID string) ([]domain.Event, error) {
	r.store.Lock()
	defer r.store.Unlock()
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT hash, type, generated, confidence, visibility, risk, module, data, source_event_hash
		 FROM events WHERE scan_id=? ORDER BY generated`, scanID)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.Hash, &e.Type, &e.Generated, &e.Confidence, &e.Visibility, &e.Risk,
			&e.Module, &e.Data, &e.SourceEventHash); err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByScan returns the number of events stored for a scan.
func (r *EventRepo) CountByScan(ctx domain.Context, scanID string) (int, error) {
	r.store.Lock()
	defer r.store.Unlock()
	var n int
	if err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE scan_id=?`, scanID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=event.count: %w", err)
	}
	return n, nil
}
