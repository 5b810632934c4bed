package domain

import "fmt"

// SourceHashRoot marks a seed event with no parent.
const SourceHashRoot = "ROOT"

// Event is one typed observation emitted by a scan module. Hash is stable
// across redeliveries and is the sole uniqueness key; SourceEventHash
// links the event graph by identity only.
type Event struct {
	Hash            string  `json:"hash"`
	Type            string  `json:"type"`
	Generated       float64 `json:"generated"`
	Confidence      int     `json:"confidence"`
	Visibility      int     `json:"visibility"`
	Risk            int     `json:"risk"`
	Module          string  `json:"module"`
	Data            string  `json:"data"`
	SourceEventHash string  `json:"source_event_hash"`
}

// Validate checks the ingestion-path constraints on an event.
func (e Event) Validate() error {
	if e.Hash == "" {
		return fmt.Errorf("%w: event hash is empty", ErrInvalidArgument)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type is empty", ErrInvalidArgument)
	}
	for _, v := range []struct {
		name string
		val  int
	}{{"confidence", e.Confidence}, {"visibility", e.Visibility}, {"risk", e.Risk}} {
		if v.val < 0 || v.val > 100 {
			return fmt.Errorf("%w: %s %d out of range 0..100", ErrInvalidArgument, v.name, v.val)
		}
	}
	return nil
}

// LogRecord is one per-scan structured log line.
type LogRecord struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Component string  `json:"component"`
	Time      float64 `json:"time"`
}

// Lifecycle is a terminal status transition message.
type Lifecycle string

const (
	LifecycleFinished Lifecycle = "FINISHED"
	LifecycleFailed   Lifecycle = "FAILED"
	LifecycleAborted  Lifecycle = "ABORTED"
)

// Status maps a lifecycle message to the scan status the supervisor
// records on receipt.
func (lc Lifecycle) Status() (ScanStatus, bool) {
	switch lc {
	case LifecycleFinished:
		return ScanFinished, true
	case LifecycleFailed:
		return ScanErrorFailed, true
	case LifecycleAborted:
		return ScanAborted, true
	}
	return "", false
}

// ResultMessage is the tagged sum published to scan.results/{scan_id}.
// Exactly one of Event, Lifecycle, Log is non-null.
type ResultMessage struct {
	ScanID    string     `json:"scan_id"`
	Event     *Event     `json:"event"`
	Lifecycle *Lifecycle `json:"lifecycle"`
	Log       *LogRecord `json:"log"`
}

// Kind identifies which branch of a ResultMessage is populated.
type Kind int

const (
	KindInvalid Kind = iota
	KindEvent
	KindLifecycle
	KindLog
)

// Validate enforces the tagged-union invariant and per-branch rules,
// returning the populated branch.
func (m ResultMessage) Validate() (Kind, error) {
	if m.ScanID == "" {
		return KindInvalid, fmt.Errorf("%w: result message missing scan_id", ErrInvalidArgument)
	}
	set := 0
	if m.Event != nil {
		set++
	}
	if m.Lifecycle != nil {
		set++
	}
	if m.Log != nil {
		set++
	}
	if set != 1 {
		return KindInvalid, fmt.Errorf("%w: result message must set exactly one of event, lifecycle, log (got %d)", ErrInvalidArgument, set)
	}
	switch {
	case m.Event != nil:
		if err := m.Event.Validate(); err != nil {
			return KindInvalid, err
		}
		return KindEvent, nil
	case m.Lifecycle != nil:
		if _, ok := m.Lifecycle.Status(); !ok {
			return KindInvalid, fmt.Errorf("%w: unknown lifecycle %q", ErrInvalidArgument, *m.Lifecycle)
		}
		return KindLifecycle, nil
	default:
		return KindLog, nil
	}
}

// EventMessage builds a ResultMessage carrying an event.
func EventMessage(scanID string, e Event) ResultMessage {
	return ResultMessage{ScanID: scanID, Event: &e}
}

// LifecycleMessage builds a ResultMessage carrying a lifecycle transition.
func LifecycleMessage(scanID string, lc Lifecycle) ResultMessage {
	return ResultMessage{ScanID: scanID, Lifecycle: &lc}
}

// LogMessage builds a ResultMessage carrying a log record.
func LogMessage(scanID string, rec LogRecord) ResultMessage {
	return ResultMessage{ScanID: scanID, Log: &rec}
}
