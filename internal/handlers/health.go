package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"uniclon/internal/scheduler"
	"uniclon/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Ready     bool   `json:"ready"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Mode      string `json:"mode,omitempty"`
	LastBatch string `json:"lastBatch,omitempty"`
	Error     string `json:"error,omitempty"`

	// Queue info
	Queued int `json:"queued"`
	Active int `json:"active"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        true,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	for _, t := range h.queue.Status("") {
		switch t.State {
		case scheduler.StateQueued:
			response.Queued++
		case scheduler.StateActive:
			response.Active++
		}
	}
	if h.modes != nil {
		response.Mode, _ = h.modes.CurrentMode()
	}

	if err := h.pingLedger(r.Context()); err != nil {
		response.Status = statusDegraded
		response.Ready = false
		response.Error = "run ledger unavailable"
	} else if last, err := h.ledger.GetLastBatch(r.Context()); err == nil && !last.IsZero() {
		response.LastBatch = last.Format(time.RFC3339)
	}

	status := http.StatusOK
	if !response.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{"status": "alive"})
	}
}

// ReadinessCheck returns 200 only when the run ledger is reachable
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.pingLedger(r.Context()); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) pingLedger(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.ledger.Ping(ctx)
}
