// Package worker implements the scan worker runtime: task execution,
// the abort bridge, heartbeats, and log forwarding.
package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// APIClient talks to the control plane over its REST surface. Workers
// have no direct access to the shared store; scan status and heartbeats
// both go through here.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient builds a client against the control-plane base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ScanStatus fetches the control-plane status of one scan. A deleted
// scan surfaces as ErrNotFound, which the abort bridge treats the same
// as an abort request.
func (c *APIClient) ScanStatus(ctx domain.Context, scanID string) (domain.ScanStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/scans/"+scanID, nil)
	if err != nil {
		return "", fmt.Errorf("op=api.scan_status: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=api.scan_status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("op=api.scan_status scan_id=%s: %w", scanID, domain.ErrNotFound)
	default:
		return "", fmt.Errorf("op=api.scan_status scan_id=%s: unexpected status %d", scanID, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("op=api.scan_status: %w", err)
	}
	return domain.ScanStatus(body.Status), nil
}

// heartbeatPayload mirrors the control plane's heartbeat request.
type heartbeatPayload struct {
	WorkerID    string `json:"worker_id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	QueueType   string `json:"queue_type"`
	Status      string `json:"status"`
	CurrentScan string `json:"current_scan"`
}

// Heartbeat posts one check-in. Any 2xx is success; everything else is
// an error the caller logs and forgets.
func (c *APIClient) Heartbeat(ctx domain.Context, p heartbeatPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=api.heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/workers/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=api.heartbeat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=api.heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=api.heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}
