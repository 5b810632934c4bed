package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oswatch/scanfleet/internal/domain"
	"github.com/oswatch/scanfleet/internal/usecase"
)

// memScans is a minimal in-memory ScanRepository.
type memScans struct {
	mu    sync.Mutex
	scans map[string]domain.Scan
}

func newMemScans() *memScans { return &memScans{scans: map[string]domain.Scan{}} }

func (r *memScans) Create(_ domain.Context, s domain.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[s.ID]; ok {
		return domain.ErrConflict
	}
	r.scans[s.ID] = s
	return nil
}

func (r *memScans) Get(_ domain.Context, id string) (domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *memScans) List(_ domain.Context) ([]domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Scan, 0, len(r.scans))
	for _, s := range r.scans {
		out = append(out, s)
	}
	return out, nil
}

func (r *memScans) ListByStatus(domain.Context, ...domain.ScanStatus) ([]domain.Scan, error) {
	return nil, nil
}

func (r *memScans) SetStatus(_ domain.Context, id string, status domain.ScanStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status != status && !s.Status.CanTransition(status) {
		return domain.ErrConflict
	}
	s.Status = status
	r.scans[id] = s
	return nil
}

func (r *memScans) SetEnded(ctx domain.Context, id string, status domain.ScanStatus, _ time.Time) error {
	return r.SetStatus(ctx, id, status)
}

func (r *memScans) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.scans, id)
	return nil
}

// memWorkers is a minimal in-memory WorkerRepository.
type memWorkers struct {
	mu      sync.Mutex
	workers map[string]domain.Worker
}

func newMemWorkers() *memWorkers { return &memWorkers{workers: map[string]domain.Worker{}} }

func (r *memWorkers) Upsert(_ domain.Context, w domain.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.Status = domain.WorkerIdle
	r.workers[w.ID] = w
	return nil
}

func (r *memWorkers) Heartbeat(_ domain.Context, id, status, currentScan string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status, w.CurrentScan, w.LastSeen = status, currentScan, time.Now()
	r.workers[id] = w
	return nil
}

func (r *memWorkers) Get(_ domain.Context, id string) (domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, domain.ErrNotFound
	}
	return w, nil
}

func (r *memWorkers) List(_ domain.Context) ([]domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out, nil
}

func (r *memWorkers) MarkStaleOffline(domain.Context, time.Duration) (int, error) { return 0, nil }
func (r *memWorkers) DeleteOffline(domain.Context, time.Duration) (int, error)    { return 0, nil }

// okQueue accepts everything.
type okQueue struct{}

func (okQueue) Available(domain.Context) bool                       { return true }
func (okQueue) PreDeclareResultQueue(domain.Context, string) error  { return nil }
func (okQueue) Publish(domain.Context, domain.Task) error           { return nil }

func newTestRouter(scans *memScans, workers *memWorkers) http.Handler {
	h := NewHandlers(
		usecase.NewDispatch(scans, okQueue{}, domain.NewClassifier(nil), "http://localhost:5001"),
		usecase.NewScans(scans),
		usecase.NewWorkers(workers),
	)
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workers/heartbeat", h.WorkerHeartbeat)
		r.Post("/scans", h.CreateScan)
		r.Get("/scans", h.ListScans)
		r.Get("/scans/{id}", h.GetScan)
		r.Post("/scans/{id}/abort", h.AbortScan)
		r.Delete("/scans/{id}", h.DeleteScan)
		r.Get("/workers", h.ListWorkers)
		r.Get("/workers/{id}", h.GetWorker)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createBody() map[string]string {
	return map[string]string{
		"scan_name":   "nightly recon",
		"scan_target": "example.com",
		"target_type": "INTERNET_NAME",
		"module_list": "m_dnsresolve",
	}
}

func TestCreateScanEndpoint(t *testing.T) {
	router := newTestRouter(newMemScans(), newMemWorkers())

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scans", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var got scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, string(domain.ScanRunning), got.Status)
	assert.Equal(t, "example.com", got.Target)
}

func TestCreateScanRejectsBadBody(t *testing.T) {
	router := newTestRouter(newMemScans(), newMemWorkers())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := createBody()
	body["scan_target"] = ""
	rec = doJSON(t, router, http.MethodPost, "/api/v1/scans", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetScanNotFound(t *testing.T) {
	router := newTestRouter(newMemScans(), newMemWorkers())
	rec := doJSON(t, router, http.MethodGet, "/api/v1/scans/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestAbortScanFlow(t *testing.T) {
	scans := newMemScans()
	router := newTestRouter(scans, newMemWorkers())

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scans", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/scans/"+created.ID+"/abort", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Idempotent while still pending.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/scans/"+created.ID+"/abort", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Conflict once terminal.
	require.NoError(t, scans.SetStatus(context.Background(), created.ID, domain.ScanAborted))
	rec = doJSON(t, router, http.MethodPost, "/api/v1/scans/"+created.ID+"/abort", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteScanEndpoint(t *testing.T) {
	scans := newMemScans()
	router := newTestRouter(scans, newMemWorkers())

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scans", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/scans/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/scans/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	workers := newMemWorkers()
	router := newTestRouter(newMemScans(), workers)

	hb := map[string]string{
		"worker_id": "w1", "name": "worker-1", "host": "host-a",
		"queue_type": "fast", "status": "busy", "current_scan": "s1",
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workers/heartbeat", hb)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workers/w1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got workerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "busy", got.Status)
	assert.Equal(t, "s1", got.CurrentScan)
}

func TestHeartbeatRejectsBadQueueType(t *testing.T) {
	router := newTestRouter(newMemScans(), newMemWorkers())
	hb := map[string]string{
		"worker_id": "w1", "name": "n", "host": "h",
		"queue_type": "turbo", "status": "idle",
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workers/heartbeat", hb)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(newMemScans(), newMemWorkers())
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
