package usecase

import (
	"fmt"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// HeartbeatRequest is one worker check-in.
type HeartbeatRequest struct {
	WorkerID    string `json:"worker_id" validate:"required,max=128"`
	Name        string `json:"name" validate:"required,max=200"`
	Host        string `json:"host" validate:"required,max=255"`
	QueueType   string `json:"queue_type" validate:"required,oneof=fast slow"`
	Status      string `json:"status" validate:"required,oneof=idle busy offline"`
	CurrentScan string `json:"current_scan" validate:"omitempty,max=128"`
}

// Workers maintains the worker registry. Registration is implicit: the
// first heartbeat from an unknown id creates the row.
type Workers struct {
	Repo domain.WorkerRepository
	now  func() time.Time
}

// NewWorkers constructs the worker registry use case.
func NewWorkers(repo domain.WorkerRepository) *Workers {
	return &Workers{Repo: repo, now: time.Now}
}

// Heartbeat upserts the worker and refreshes its liveness.
func (w *Workers) Heartbeat(ctx domain.Context, req HeartbeatRequest) error {
	_, err := w.Repo.Get(ctx, req.WorkerID)
	if err != nil {
		if err := w.Repo.Upsert(ctx, domain.Worker{
			ID:        req.WorkerID,
			Name:      req.Name,
			Host:      req.Host,
			QueueType: req.QueueType,
		}); err != nil {
			return fmt.Errorf("op=workers.heartbeat: %w", err)
		}
	}
	if err := w.Repo.Heartbeat(ctx, req.WorkerID, req.Status, req.CurrentScan); err != nil {
		return fmt.Errorf("op=workers.heartbeat: %w", err)
	}
	return nil
}

// Get returns one worker.
func (w *Workers) Get(ctx domain.Context, id string) (domain.Worker, error) {
	return w.Repo.Get(ctx, id)
}

// List returns all registered workers.
func (w *Workers) List(ctx domain.Context) ([]domain.Worker, error) {
	return w.Repo.List(ctx)
}
