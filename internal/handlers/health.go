// Package handlers serves the operational HTTP endpoints of the pipeline.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/common/messaging"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/pipeline"
)

// Pipeline is the coordinator view the handlers need.
type Pipeline interface {
	State() pipeline.State
	Health() pipeline.Stats
}

// CursorLister lists committed cursors.
type CursorLister interface {
	List(ctx context.Context) ([]models.CommitCursor, error)
}

type HealthHandler struct {
	pipeline Pipeline
	cursors  CursorLister
	dlq      messaging.Connection
	logger   *logging.Logger
}

// NewHealthHandler creates the handler. dlq is nil unless the dead-letter
// queue depends on a broker connection.
func NewHealthHandler(p Pipeline, cursors CursorLister, dlq messaging.Connection, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{pipeline: p, cursors: cursors, dlq: dlq, logger: logger}
}

// Health reports liveness. Only a failed pipeline is unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.pipeline.Health()
	status, code := "healthy", http.StatusOK
	if h.pipeline.State() == pipeline.StateFailed {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"status":   status,
		"service":  "flowsink",
		"pipeline": stats,
	})
}

// Ready reports whether the pipeline is consuming.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.pipeline.State()
	ready := state == pipeline.StateRunning
	body := map[string]any{"state": state.String()}

	if h.dlq != nil {
		dlqStatus := messaging.CheckConnection(h.dlq)
		body["dlq"] = dlqStatus
		ready = ready && dlqStatus.Connected
	}
	body["ready"] = ready

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, body)
}

// Cursors lists the committed offset of every partition.
func (h *HealthHandler) Cursors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.cursors == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"cursors": []models.CommitCursor{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cursors, err := h.cursors.List(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "Failed to list cursors", logging.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cursor store unavailable"})
		return
	}
	if cursors == nil {
		cursors = []models.CommitCursor{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cursors": cursors})
}

func (h *HealthHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", logging.Error(err))
	}
}
