package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/usecase"
)

// Handlers binds the use cases to HTTP.
type Handlers struct {
	Dispatch *usecase.Dispatch
	Scans    *usecase.Scans
	Workers  *usecase.Workers

	validate *validator.Validate
}

// NewHandlers constructs the handler set.
func NewHandlers(dispatch *usecase.Dispatch, scans *usecase.Scans, workers *usecase.Workers) *Handlers {
	return &Handlers{
		Dispatch: dispatch,
		Scans:    scans,
		Workers:  workers,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// scanResponse is the wire form of a scan row.
type scanResponse struct {
	ID         string `json:"scan_id"`
	Name       string `json:"scan_name"`
	Target     string `json:"scan_target"`
	TargetType string `json:"target_type"`
	Status     string `json:"status"`
	Created    string `json:"created"`
	Started    string `json:"started,omitempty"`
	Ended      string `json:"ended,omitempty"`
}

func toScanResponse(s domain.Scan) scanResponse {
	resp := scanResponse{
		ID:         s.ID,
		Name:       s.Name,
		Target:     s.Target,
		TargetType: s.TargetType,
		Status:     string(s.Status),
		Created:    s.Created.UTC().Format(time.RFC3339),
	}
	if !s.Started.IsZero() {
		resp.Started = s.Started.UTC().Format(time.RFC3339)
	}
	if !s.Ended.IsZero() {
		resp.Ended = s.Ended.UTC().Format(time.RFC3339)
	}
	return resp
}

// workerResponse is the wire form of a worker registration.
type workerResponse struct {
	ID          string `json:"worker_id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	QueueType   string `json:"queue_type"`
	Status      string `json:"status"`
	CurrentScan string `json:"current_scan,omitempty"`
	LastSeen    string `json:"last_seen"`
	Registered  string `json:"registered"`
}

func toWorkerResponse(w domain.Worker) workerResponse {
	return workerResponse{
		ID:          w.ID,
		Name:        w.Name,
		Host:        w.Host,
		QueueType:   w.QueueType,
		Status:      w.Status,
		CurrentScan: w.CurrentScan,
		LastSeen:    w.LastSeen.UTC().Format(time.RFC3339),
		Registered:  w.Registered.UTC().Format(time.RFC3339),
	}
}

// CreateScan starts a scan: POST /api/v1/scans
func (h *Handlers) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req usecase.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	scan, err := h.Dispatch.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScanResponse(scan))
}

// GetScan returns one scan: GET /api/v1/scans/{id}
func (h *Handlers) GetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := h.Scans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(scan))
}

// ListScans returns all scans: GET /api/v1/scans
func (h *Handlers) ListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := h.Scans.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]scanResponse, 0, len(scans))
	for _, s := range scans {
		out = append(out, toScanResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// AbortScan requests a cooperative stop: POST /api/v1/scans/{id}/abort
func (h *Handlers) AbortScan(w http.ResponseWriter, r *http.Request) {
	if err := h.Scans.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.ScanAbortRequested)})
}

// DeleteScan removes a scan and its results: DELETE /api/v1/scans/{id}
func (h *Handlers) DeleteScan(w http.ResponseWriter, r *http.Request) {
	if err := h.Scans.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// WorkerHeartbeat upserts a worker registration: POST /api/v1/workers/heartbeat
//
// Responds 204 on success and a bare 500 on failure; workers treat any
// response as delivered and never retry a heartbeat.
func (h *Handlers) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req usecase.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if err := h.Workers.Heartbeat(r.Context(), req); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers returns the registry: GET /api/v1/workers
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Workers.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]workerResponse, 0, len(workers))
	for _, wk := range workers {
		out = append(out, toWorkerResponse(wk))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetWorker returns one worker: GET /api/v1/workers/{id}
func (h *Handlers) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Workers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerResponse(worker))
}

// Healthz is the liveness probe: GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
