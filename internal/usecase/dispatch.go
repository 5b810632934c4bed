// Package usecase wires domain operations to ports. Handlers call in
// here; nothing in this package knows about HTTP or AMQP specifics.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/observability"
)

// DispatchRequest is a validated request to start a scan.
type DispatchRequest struct {
	Name       string `json:"scan_name" validate:"required,max=200"`
	Target     string `json:"scan_target" validate:"required,max=1024"`
	TargetType string `json:"target_type" validate:"required,max=64"`
	ModuleList string `json:"module_list" validate:"required"`
}

// Dispatch creates scans and hands their tasks to workers. When the
// broker is down it degrades to running the scan in this process with
// results stored directly.
type Dispatch struct {
	Scans      domain.ScanRepository
	Queue      domain.TaskQueue
	Classifier *domain.Classifier
	APIURL     string

	// Local fallback path.
	Engine   domain.Engine
	Sink     domain.ResultSink
	OpenTask func(scanID string) (domain.TaskLocalStore, func(), error)

	now func() time.Time
}

// NewDispatch constructs the dispatcher use case.
func NewDispatch(scans domain.ScanRepository, queue domain.TaskQueue, cl *domain.Classifier, apiURL string) *Dispatch {
	return &Dispatch{Scans: scans, Queue: queue, Classifier: cl, APIURL: apiURL, now: time.Now}
}

// Start validates, classifies, persists, and publishes one scan. The
// scan row is created RUNNING before the task is published so a worker
// that picks the task up instantly still finds the row.
func (d *Dispatch) Start(ctx domain.Context, req DispatchRequest) (domain.Scan, error) {
	req = sanitizeRequest(req)
	if req.Target == "" || req.Name == "" || req.ModuleList == "" {
		return domain.Scan{}, fmt.Errorf("op=dispatch.start: %w: empty field after sanitization", domain.ErrInvalidArgument)
	}

	queueType := d.Classifier.Classify(req.ModuleList)
	now := d.now().UTC()
	scan := domain.Scan{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Target:     req.Target,
		TargetType: req.TargetType,
		Status:     domain.ScanRunning,
		Created:    now,
		Started:    now,
	}
	task := domain.Task{
		ScanID:     scan.ID,
		ScanName:   scan.Name,
		ScanTarget: scan.Target,
		TargetType: scan.TargetType,
		ModuleList: req.ModuleList,
		QueueType:  queueType,
		APIURL:     d.APIURL,
		ResultMode: domain.ResultModeBroker,
	}

	if !d.Queue.Available(ctx) {
		return d.startLocal(ctx, scan, task)
	}

	if err := d.Scans.Create(ctx, scan); err != nil {
		return domain.Scan{}, fmt.Errorf("op=dispatch.start: %w", err)
	}
	log := observability.LoggerFromContext(ctx)
	if err := d.Queue.PreDeclareResultQueue(ctx, scan.ID); err != nil {
		log.Warn("result queue pre-declare failed",
			slog.String("scan_id", scan.ID), slog.Any("error", err))
	}
	if err := d.Queue.Publish(ctx, task); err != nil {
		log.Warn("task publish failed, falling back to local execution",
			slog.String("scan_id", scan.ID), slog.Any("error", err))
		return d.runLocal(ctx, scan, task)
	}
	return scan, nil
}

// startLocal persists the row then runs in-process.
func (d *Dispatch) startLocal(ctx domain.Context, scan domain.Scan, task domain.Task) (domain.Scan, error) {
	if err := d.Scans.Create(ctx, scan); err != nil {
		return domain.Scan{}, fmt.Errorf("op=dispatch.start_local: %w", err)
	}
	return d.runLocal(ctx, scan, task)
}

// runLocal executes the scan in this process with direct result storage.
// Runs detached: the HTTP request returns immediately, same as the
// broker path.
func (d *Dispatch) runLocal(ctx domain.Context, scan domain.Scan, task domain.Task) (domain.Scan, error) {
	if d.Engine == nil || d.Sink == nil || d.OpenTask == nil {
		return domain.Scan{}, fmt.Errorf("op=dispatch.run_local scan_id=%s: %w: no local fallback configured",
			scan.ID, domain.ErrBrokerUnavailable)
	}
	task.ResultMode = domain.ResultModeDirect
	slog.Info("running scan in-process", slog.String("scan_id", scan.ID))

	go func() {
		local, cleanup, err := d.OpenTask(scan.ID)
		if err != nil {
			slog.Error("local scan setup failed", slog.String("scan_id", scan.ID), slog.Any("error", err))
			return
		}
		defer cleanup()
		// Detached from the request context: the scan outlives it.
		bg, stopAbort := context.WithCancel(context.Background())
		go d.relayAbort(bg, scan.ID, local)

		runErr := d.Engine.Run(bg, task, local, d.Sink)
		stopAbort()
		if runErr != nil {
			slog.Error("local scan failed", slog.String("scan_id", scan.ID), slog.Any("error", runErr))
			d.settleLocal(scan.ID, local, domain.LifecycleFailed)
			return
		}
		d.settleLocal(scan.ID, local, "")
	}()
	return scan, nil
}

// relayAbort mirrors an ABORT-REQUESTED on the shared row into the
// task-local store, where the engine polls for it. In broker mode the
// worker's abort bridge does this over HTTP.
func (d *Dispatch) relayAbort(ctx domain.Context, scanID string, local domain.TaskLocalStore) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		scan, err := d.Scans.Get(ctx, scanID)
		switch {
		case err == nil && scan.Status == domain.ScanAbortRequested:
		case errors.Is(err, domain.ErrNotFound):
			// Row deleted mid-run, treated as abort.
		default:
			continue
		}
		if err := local.SetStatus(ctx, scanID, domain.ScanAbortRequested); err == nil {
			return
		}
	}
}

// settleLocal records outcomes the engine does not announce itself. The
// engine publishes FINISHED on a clean run; aborts and failures only
// land in the task-local store.
func (d *Dispatch) settleLocal(scanID string, local domain.TaskLocalStore, fallback domain.Lifecycle) {
	ctx := context.Background()
	lc := fallback
	if scan, err := local.GetScan(ctx, scanID); err == nil {
		switch scan.Status {
		case domain.ScanFinished:
			return
		case domain.ScanAborted:
			lc = domain.LifecycleAborted
		default:
			lc = domain.LifecycleFailed
		}
	} else if lc == "" {
		lc = domain.LifecycleFailed
	}
	if lc == "" {
		return
	}
	if err := d.Sink.PublishLifecycle(ctx, scanID, lc); err != nil {
		slog.Error("local scan settle failed",
			slog.String("scan_id", scanID), slog.Any("error", err))
	}
}

// sanitizeRequest neutralizes markup in user input. Angle brackets are
// escaped; ampersands and quotes pass through so targets like URLs with
// query strings survive. Targets are lowercased except person names.
func sanitizeRequest(req DispatchRequest) DispatchRequest {
	req.Name = sanitizeString(req.Name)
	req.Target = sanitizeString(req.Target)
	req.TargetType = sanitizeString(req.TargetType)
	req.ModuleList = sanitizeString(req.ModuleList)
	if !strings.EqualFold(req.TargetType, "HUMAN_NAME") && !strings.EqualFold(req.TargetType, "USERNAME") {
		req.Target = strings.ToLower(req.Target)
	}
	return req
}

func sanitizeString(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
