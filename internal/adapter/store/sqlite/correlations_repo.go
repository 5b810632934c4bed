package sqlite

import (
	"fmt"

	"github.com/oswatch/scanfleet/internal/domain"
)

// CorrelationRepo persists correlation-rule matches.
type CorrelationRepo struct{ store *Store }

// NewCorrelationRepo constructs a CorrelationRepo over the given store.
func NewCorrelationRepo(s *Store) *CorrelationRepo { return &CorrelationRepo{store: s} }

// Store inserts one correlation result.
func (r *CorrelationRepo) Store(ctx domain.Context, c domain.Correlation) error {
	r.store.Lock()
	defer r.store.Unlock()
	q := `INSERT INTO correlations (id, scan_id, rule_id, rule_name, risk, title, event_count, created)
		VALUES (?,?,?,?,?,?,?,?)`
	if _, err := r.store.db.ExecContext(ctx, q, c.ID, c.ScanID, c.RuleID, c.RuleName,
		c.Risk, c.Title, c.EventCount, millis(c.Created)); err != nil {
		return fmt.Errorf("op=correlation.store: %w", err)
	}
	return nil
}

// ListByScan returns a scan's correlation results, newest first.
func (r *CorrelationRepo) ListByScan(ctx domain.Context, scanID string) ([]domain.Correlation, error) {
	r.store.Lock()
	defer r.store.Unlock()
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, scan_id, rule_id, rule_name, risk, title, event_count, created
		 FROM correlations WHERE scan_id=? ORDER BY created DESC`, scanID)
	if err != nil {
		return nil, fmt.Errorf("op=correlation.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Correlation
	for rows.Next() {
		var c domain.Correlation
		var created int64
		if err := rows.Scan(&c.ID, &c.ScanID, &c.RuleID, &c.RuleName, &c.Risk, &c.Title, &c.EventCount, &created); err != nil {
			return nil, fmt.Errorf("op=correlation.list: %w", err)
		}
		c.Created = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}
