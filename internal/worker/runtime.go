package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/adapter/store/sqlite"
	"github.com/oswatch/scanfleet/internal/domain"
)

// taskStore is the runtime's view of a task-local store.
type taskStore interface {
	domain.TaskLocalStore
	Remove() error
}

// Runtime executes one task at a time from the consume loop: it owns the
// task-local store lifecycle, runs the abort bridge alongside the
// engine, and settles the scan's lifecycle message.
type Runtime struct {
	engine  domain.Engine
	sink    domain.ResultSink
	poller  statusPoller
	tracker *StatusTracker

	abortInterval time.Duration

	// Task-local store management, swapped out in tests.
	wipeLocal func(scanID string) error
	openLocal func(scanID string) (taskStore, error)
}

// NewRuntime wires a runtime over the data path.
func NewRuntime(dataPath string, engine domain.Engine, sink domain.ResultSink, poller statusPoller, tracker *StatusTracker, abortInterval time.Duration) *Runtime {
	return &Runtime{
		engine:        engine,
		sink:          sink,
		poller:        poller,
		tracker:       tracker,
		abortInterval: abortInterval,
		wipeLocal: func(scanID string) error {
			return sqlite.WipeTaskLocal(dataPath, scanID)
		},
		openLocal: func(scanID string) (taskStore, error) {
			return sqlite.OpenTaskLocal(dataPath, scanID)
		},
	}
}

// HandleTask runs one scan to completion. A nil return means the task
// was fully handled, whatever the scan's outcome; aborted and failed
// scans report through the lifecycle stream, not through broker
// redelivery. Only setup failures return an error.
func (r *Runtime) HandleTask(ctx domain.Context, t domain.Task) error {
	if t.ScanID == "" {
		return fmt.Errorf("op=runtime.handle: %w: task missing scan_id", domain.ErrInvalidArgument)
	}
	// Runtime-level lines about this task are mirrored into the scan's
	// result stream so the operator sees them next to the engine logs.
	log := slog.New(NewForwardingHandler(slog.Default().Handler(), r.sink, t.ScanID)).
		With(slog.String("scan_id", t.ScanID))

	r.tracker.SetBusy(t.ScanID)
	defer r.tracker.SetIdle()

	// A redelivered task starts from a clean slate; stale task-local
	// state from the previous attempt must not leak in.
	if err := r.wipeLocal(t.ScanID); err != nil {
		return fmt.Errorf("op=runtime.handle: %w", err)
	}
	local, err := r.openLocal(t.ScanID)
	if err != nil {
		return fmt.Errorf("op=runtime.handle: %w", err)
	}

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	bridge := NewAbortBridge(r.poller, local, t.ScanID, r.abortInterval)
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.Run(bridgeCtx)
	}()

	runErr := r.engine.Run(ctx, t, local, r.sink)
	stopBridge()
	<-bridgeDone

	if runErr != nil {
		log.Error("engine run failed", slog.Any("error", runErr))
		r.publishLifecycle(ctx, t.ScanID, domain.LifecycleFailed, log)
		r.removeLocal(local, log)
		return fmt.Errorf("op=runtime.handle: %w", runErr)
	}

	r.settleLifecycle(ctx, t.ScanID, local, log)
	r.removeLocal(local, log)
	return nil
}

// settleLifecycle publishes the terminal lifecycle message for outcomes
// the engine does not announce itself. The engine publishes FINISHED on
// a clean run; aborts and failures only land in the task-local store,
// so the runtime speaks for them.
func (r *Runtime) settleLifecycle(ctx domain.Context, scanID string, local taskStore, log *slog.Logger) {
	scan, err := local.GetScan(ctx, scanID)
	if err != nil {
		log.Error("final status read failed, reporting failure", slog.Any("error", err))
		r.publishLifecycle(ctx, scanID, domain.LifecycleFailed, log)
		return
	}
	switch scan.Status {
	case domain.ScanFinished:
		// Announced by the engine already.
	case domain.ScanAborted:
		r.publishLifecycle(ctx, scanID, domain.LifecycleAborted, log)
	case domain.ScanErrorFailed:
		r.publishLifecycle(ctx, scanID, domain.LifecycleFailed, log)
	default:
		log.Error("engine exited without terminal status, reporting failure",
			slog.String("status", string(scan.Status)))
		r.publishLifecycle(ctx, scanID, domain.LifecycleFailed, log)
	}
}

func (r *Runtime) publishLifecycle(ctx domain.Context, scanID string, lc domain.Lifecycle, log *slog.Logger) {
	// Publish on a detached context so a cancelled task context cannot
	// swallow the terminal message.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.sink.PublishLifecycle(pubCtx, scanID, lc); err != nil {
		log.Error("lifecycle publish failed, supervisor watchdog will settle the scan",
			slog.String("lifecycle", string(lc)), slog.Any("error", err))
	}
}

func (r *Runtime) removeLocal(local taskStore, log *slog.Logger) {
	if err := local.Remove(); err != nil {
		log.Warn("task store cleanup failed", slog.Any("error", err))
	}
}
