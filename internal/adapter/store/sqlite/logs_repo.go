package sqlite

import (
	"fmt"

	"github.com/oswatch/scanfleet/internal/domain"
)

// LogRepo persists per-scan log records.
type LogRepo struct{ Store *Store }

// NewLogRepo constructs a LogRepo over the given store.
func NewLogRepo(s *Store) *LogRepo { return &LogRepo{Store: s} }

// Append writes a batch of log records for one scan.
func (r *LogRepo) Append(ctx domain.Context, scanID string, recs ...domain.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	r.Store.Lock()
	defer r.Store.Unlock()
	q := `INSERT INTO scan_logs (scan_id, generated, component, level, message) VALUES (?,?,?,?,?)`
	for _, rec := range recs {
		if _, err := r.Store.db.ExecContext(ctx, q, scanID, rec.Time, rec.Component, rec.Level, rec.Message); err != nil {
			return fmt.Errorf("op=log.append: %w: %v", domain.ErrStoreTransient, err)
		}
	}
	return nil
}

// ListByScan returns a scan's log records in insertion order.
func (r *LogRepo) ListByScan(ctx domain.Context, scanID string) ([]domain.LogRecord, error) {
	r.Store.Lock()
	defer r.Store.Unlock()
	rows, err := r.Store.db.QueryContext(ctx,
		`SELECT generated, component, level, message FROM scan_logs WHERE scan_id=? ORDER BY rowid`, scanID)
	if err != nil {
		return nil, fmt.Errorf("op=log.list: %w", err)
	}
	defer rows.Close()
	var out []domain.LogRecord
	for rows.Next() {
		var rec domain.LogRecord
		if err := rows.Scan(&rec.Time, &rec.Component, &rec.Level, &rec.Message); err != nil {
			return nil, fmt.Errorf("op=log.list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
