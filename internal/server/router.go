// Package server exposes health, readiness, cursor and metrics endpoints.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/handlers"
)

// NewRouter constructs a ServeMux with the operational routes registered.
func NewRouter(h *handlers.HealthHandler, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.HandleFunc("/cursors", h.Cursors)

	mux.Handle("/metrics", promhttp.Handler())

	return RequestID(AccessLog(logger)(mux))
}
