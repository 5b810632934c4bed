// Package engine hosts scan modules. The pipeline treats it as opaque:
// given a task it streams events and logs through the result sink,
// records its terminal status in the task-local store, and returns.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// Finding is one raw observation a module hands back to the host. The
// host turns it into a hashed domain.Event.
type Finding struct {
	Type string
	Data string
}

// Module is one scan capability. Modules are independent: one module
// failing never fails the scan.
type Module interface {
	Name() string
	// Run probes the target and returns findings. Implementations honor
	// ctx cancellation; the host checks the abort flag between modules.
	Run(ctx domain.Context, target, targetType string) ([]Finding, error)
}

// Engine runs the modules named in a task's module list sequentially
// against the target.
type Engine struct {
	registry map[string]Module
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithModule registers or replaces a module.
func WithModule(m Module) Option {
	return func(e *Engine) { e.registry[m.Name()] = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine with the built-in module set, then applies opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry: builtinModules(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the task. The terminal status lands in the task-local
// store in every path; the FINISHED lifecycle message is published only
// on a clean full run. Aborted and failed runs leave lifecycle
// publication to the caller, which knows the final status.
func (e *Engine) Run(ctx domain.Context, t domain.Task, local domain.TaskLocalStore, sink domain.ResultSink) error {
	started := e.now()
	if err := local.CreateScan(ctx, domain.Scan{
		ID:         t.ScanID,
		Name:       t.ScanName,
		Target:     t.ScanTarget,
		TargetType: t.TargetType,
		Status:     domain.ScanRunning,
		Created:    started,
		Started:    started,
	}); err != nil {
		return fmt.Errorf("op=engine.run: %w", err)
	}

	e.logf(ctx, sink, t.ScanID, "INFO", "engine", "scan started against %s (%s)", t.ScanTarget, t.TargetType)

	root := e.rootEvent(t)
	if err := sink.PublishEvent(ctx, t.ScanID, root); err != nil {
		e.logf(ctx, sink, t.ScanID, "WARN", "engine", "root event publish failed: %v", err)
	}

	for _, name := range domain.SplitModules(t.ModuleList) {
		if aborted, err := e.abortRequested(ctx, local, t.ScanID); err != nil {
			return e.fail(ctx, t, local, sink, fmt.Errorf("op=engine.abort_check: %w", err))
		} else if aborted {
			return e.abort(ctx, t, local, sink)
		}

		mod, ok := e.registry[name]
		if !ok {
			e.logf(ctx, sink, t.ScanID, "WARN", "engine", "unknown module %s, skipping", name)
			continue
		}
		e.runModule(ctx, t, mod, root.Hash, sink)
	}

	if aborted, err := e.abortRequested(ctx, local, t.ScanID); err != nil {
		return e.fail(ctx, t, local, sink, fmt.Errorf("op=engine.abort_check: %w", err))
	} else if aborted {
		return e.abort(ctx, t, local, sink)
	}

	if err := local.SetStatus(ctx, t.ScanID, domain.ScanFinished); err != nil {
		return fmt.Errorf("op=engine.finish: %w", err)
	}
	e.logf(ctx, sink, t.ScanID, "INFO", "engine", "scan finished")
	if err := sink.PublishLifecycle(ctx, t.ScanID, domain.LifecycleFinished); err != nil {
		slog.Warn("lifecycle publish failed", slog.String("scan_id", t.ScanID), slog.Any("error", err))
	}
	return nil
}

// runModule executes one module and streams its findings. Module errors
// are demoted to scan-level log records.
func (e *Engine) runModule(ctx domain.Context, t domain.Task, mod Module, rootHash string, sink domain.ResultSink) {
	e.logf(ctx, sink, t.ScanID, "INFO", mod.Name(), "module started")
	findings, err := mod.Run(ctx, t.ScanTarget, t.TargetType)
	if err != nil {
		e.logf(ctx, sink, t.ScanID, "ERROR", mod.Name(), "module failed: %v", err)
		return
	}
	for _, f := range findings {
		ev := domain.Event{
			Hash:            EventHash(t.ScanID, mod.Name(), f.Type, f.Data),
			Type:            f.Type,
			Generated:       float64(e.now().UnixNano()) / 1e9,
			Confidence:      100,
			Visibility:      100,
			Risk:            0,
			Module:          mod.Name(),
			Data:            f.Data,
			SourceEventHash: rootHash,
		}
		if err := sink.PublishEvent(ctx, t.ScanID, ev); err != nil {
			e.logf(ctx, sink, t.ScanID, "WARN", mod.Name(), "event publish failed: %v", err)
		}
	}
	e.logf(ctx, sink, t.ScanID, "INFO", mod.Name(), "module produced %d findings", len(findings))
}

func (e *Engine) abortRequested(ctx domain.Context, local domain.TaskLocalStore, scanID string) (bool, error) {
	s, err := local.GetScan(ctx, scanID)
	if err != nil {
		return false, err
	}
	return s.Status == domain.ScanAbortRequested, nil
}

func (e *Engine) abort(ctx domain.Context, t domain.Task, local domain.TaskLocalStore, sink domain.ResultSink) error {
	e.logf(ctx, sink, t.ScanID, "INFO", "engine", "scan aborted on request")
	if err := local.SetStatus(ctx, t.ScanID, domain.ScanAborted); err != nil {
		return fmt.Errorf("op=engine.abort: %w", err)
	}
	return nil
}

func (e *Engine) fail(ctx domain.Context, t domain.Task, local domain.TaskLocalStore, sink domain.ResultSink, cause error) error {
	e.logf(ctx, sink, t.ScanID, "ERROR", "engine", "scan failed: %v", cause)
	if err := local.SetStatus(ctx, t.ScanID, domain.ScanErrorFailed); err != nil {
		slog.Error("failed status write failed", slog.String("scan_id", t.ScanID), slog.Any("error", err))
	}
	return cause
}

// rootEvent seeds the event graph with the scan target itself.
func (e *Engine) rootEvent(t domain.Task) domain.Event {
	return domain.Event{
		Hash:            EventHash(t.ScanID, "engine", t.TargetType, t.ScanTarget),
		Type:            t.TargetType,
		Generated:       float64(e.now().UnixNano()) / 1e9,
		Confidence:      100,
		Visibility:      100,
		Risk:            0,
		Module:          "engine",
		Data:            t.ScanTarget,
		SourceEventHash: domain.SourceHashRoot,
	}
}

func (e *Engine) logf(ctx domain.Context, sink domain.ResultSink, scanID, level, component, format string, args ...any) {
	rec := domain.LogRecord{
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Time:      float64(e.now().UnixNano()) / 1e9,
	}
	if err := sink.PublishLog(ctx, scanID, rec); err != nil {
		slog.Debug("scan log publish failed", slog.String("scan_id", scanID), slog.Any("error", err))
	}
}

// EventHash derives the content hash used for dedup. Stable for the same
// (scan, module, type, data) so a redelivered task regenerates identical
// hashes and the ingest store drops the duplicates.
func EventHash(scanID, module, eventType, data string) string {
	h := sha256.Sum256([]byte(scanID + "\x00" + module + "\x00" + eventType + "\x00" + data))
	return hex.EncodeToString(h[:])
}
