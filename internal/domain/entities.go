// Package domain holds the core entities and ports of the scan pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrPublishFailed     = errors.New("publish failed")
	// ErrStoreTransient marks store failures worth retrying; the result
	// consumer requeues deliveries that fail with it and discards the rest.
	ErrStoreTransient = errors.New("store transient error")
)

// ScanStatus is the server-side status of one scan. Transitions are
// monotonic toward a terminal state; only the supervisor writes terminals.
type ScanStatus string

const (
	ScanCreated        ScanStatus = "CREATED"
	ScanRunning        ScanStatus = "RUNNING"
	ScanAbortRequested ScanStatus = "ABORT-REQUESTED"
	ScanAborted        ScanStatus = "ABORTED"
	ScanFinished       ScanStatus = "FINISHED"
	ScanErrorFailed    ScanStatus = "ERROR-FAILED"
)

// IsTerminal reports whether s is a terminal status.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanAborted, ScanFinished, ScanErrorFailed:
		return true
	}
	return false
}

// IsActive reports whether a scan in this status still has (or may still
// have) a worker producing results for it.
func (s ScanStatus) IsActive() bool {
	return s == ScanRunning || s == ScanAbortRequested
}

// CanTransition reports whether moving from s to next preserves
// monotonicity. Terminal states accept no further transitions, and
// ABORT-REQUESTED cannot be rescinded back to RUNNING.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case ScanCreated:
		return next != ScanCreated
	case ScanRunning:
		return next != ScanCreated && next != ScanRunning
	case ScanAbortRequested:
		return next.IsTerminal()
	}
	return false
}

// Scan is one invocation of the engine against a target. The row is
// created by the dispatcher before the task is published and destroyed
// only by explicit deletion.
type Scan struct {
	ID         string
	Name       string
	Target     string
	TargetType string
	Status     ScanStatus
	Created    time.Time
	Started    time.Time
	Ended      time.Time
}

// Queue types for workload isolation.
const (
	QueueFast = "fast"
	QueueSlow = "slow"
)

// Result modes carried on a task.
const (
	ResultModeBroker = "rabbitmq"
	ResultModeDirect = "direct"
)

// Task is the wire-level description of one scan to run. The module list
// is an opaque CSV of engine module identifiers.
type Task struct {
	ScanID     string `json:"scan_id"`
	ScanName   string `json:"scan_name"`
	ScanTarget string `json:"scan_target"`
	TargetType string `json:"target_type"`
	ModuleList string `json:"module_list"`
	QueueType  string `json:"queue_type"`
	APIURL     string `json:"api_url"`
	ResultMode string `json:"result_mode"`
}

// Worker statuses.
const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerOffline = "offline"
)

// Worker is one registered scan worker. Created on first heartbeat,
// marked offline when stale, deleted by the supervisor sweep.
type Worker struct {
	ID          string
	Name        string
	Host        string
	QueueType   string
	Status      string
	CurrentScan string
	LastSeen    time.Time
	Registered  time.Time
}

// Repositories (ports)

type ScanRepository interface {
	Create(ctx Context, s Scan) error
	Get(ctx Context, id string) (Scan, error)
	List(ctx Context) ([]Scan, error)
	ListByStatus(ctx Context, statuses ...ScanStatus) ([]Scan, error)
	SetStatus(ctx Context, id string, status ScanStatus) error
	SetEnded(ctx Context, id string, status ScanStatus, ended time.Time) error
	Delete(ctx Context, id string) error
}

type EventRepository interface {
	// Store persists an event idempotently: a second call with the same
	// (scan_id, hash) is a no-op. Returns true when a row was inserted.
	Store(ctx Context, scanID string, e Event) (bool, error)
	CountByScan(ctx Context, scanID string) (int, error)
}

type LogRepository interface {
	Append(ctx Context, scanID string, recs ...LogRecord) error
}

// Correlation is one rule match found by the post-scan correlation pass.
type Correlation struct {
	ID         string
	ScanID     string
	RuleID     string
	RuleName   string
	Risk       string
	Title      string
	EventCount int
	Created    time.Time
}

type CorrelationRepository interface {
	Store(ctx Context, c Correlation) error
	ListByScan(ctx Context, scanID string) ([]Correlation, error)
}

type WorkerRepository interface {
	Upsert(ctx Context, w Worker) error
	Heartbeat(ctx Context, id, status, currentScan string) error
	Get(ctx Context, id string) (Worker, error)
	List(ctx Context) ([]Worker, error)
	MarkStaleOffline(ctx Context, maxAge time.Duration) (int, error)
	DeleteOffline(ctx Context, maxAge time.Duration) (int, error)
}

// TaskQueue is the dispatcher side of the broker.
type TaskQueue interface {
	// Available reports whether the broker is reachable right now.
	Available(ctx Context) bool
	// PreDeclareResultQueue declares and binds scan.results.{scanID}
	// before the task is published so early events are not dropped.
	PreDeclareResultQueue(ctx Context, scanID string) error
	// Publish enqueues the task on its queue as a persistent message.
	Publish(ctx Context, t Task) error
}

// ResultSink is where a running scan streams its output.
type ResultSink interface {
	PublishEvent(ctx Context, scanID string, e Event) error
	PublishLog(ctx Context, scanID string, rec LogRecord) error
	PublishLifecycle(ctx Context, scanID string, lc Lifecycle) error
}

// Engine is the scan engine proper, opaque to the pipeline. Given a
// task it emits events through the sink and terminates; the terminal
// status is recorded in the task-local store.
type Engine interface {
	Run(ctx Context, t Task, local TaskLocalStore, sink ResultSink) error
}

// TaskLocalStore is the per-scan store a worker gives the engine. It is
// wiped at task start and removed on completion; the abort bridge writes
// ABORT-REQUESTED into it.
type TaskLocalStore interface {
	CreateScan(ctx Context, s Scan) error
	GetScan(ctx Context, id string) (Scan, error)
	SetStatus(ctx Context, id string, status ScanStatus) error
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
