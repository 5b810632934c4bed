package sqlite

import (
	"fmt"
	"os"

	"github.com/oswatch/scanfleet/internal/domain"
)

// TaskLocal is the per-scan store a worker hands to the engine. It holds
// a single scan row (plus whatever the engine records) in its own SQLite
// file, fully separate from the shared control-plane store. All durable
// output still goes through the broker; this store exists for engine
// bookkeeping and the abort flag.
type TaskLocal struct {
	store *Store
	scans *ScanRepo
	path  string
}

// OpenTaskLocal opens (creating if needed) the task-local store for one
// scan under dataPath.
func OpenTaskLocal(dataPath, scanID string) (*TaskLocal, error) {
	path := TaskLocalPath(dataPath, scanID)
	s, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("op=tasklocal.open: %w", err)
	}
	return &TaskLocal{store: s, scans: NewScanRepo(s), path: path}, nil
}

// WipeTaskLocal deletes any pre-existing task-local store for scanID.
// Called at task start so a redelivered task starts from a clean slate.
func WipeTaskLocal(dataPath, scanID string) error {
	path := TaskLocalPath(dataPath, scanID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=tasklocal.wipe: %w", err)
	}
	return nil
}

// CreateScan records the scan row the engine and abort bridge operate on.
func (t *TaskLocal) CreateScan(ctx domain.Context, s domain.Scan) error {
	return t.scans.Create(ctx, s)
}

// GetScan loads the scan row.
func (t *TaskLocal) GetScan(ctx domain.Context, id string) (domain.Scan, error) {
	return t.scans.Get(ctx, id)
}

// SetStatus updates the scan row's status. Returns ErrNotFound while the
// row does not exist yet; the abort bridge retries on that.
func (t *TaskLocal) SetStatus(ctx domain.Context, id string, status domain.ScanStatus) error {
	return t.scans.SetStatus(ctx, id, status)
}

// Path returns the store's file path.
func (t *TaskLocal) Path() string { return t.path }

// Close closes the store without removing the file.
func (t *TaskLocal) Close() error { return t.store.Close() }

// Remove closes the store and deletes its file.
func (t *TaskLocal) Remove() error {
	_ = t.store.Close()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=tasklocal.remove: %w", err)
	}
	return nil
}
