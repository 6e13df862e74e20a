package handlers

import (
	"context"
	"net/http"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// RunLog reads the update log
type RunLog interface {
	Latest(ctx context.Context, n int) ([]contracts.UpdateLogEntry, error)
}

// AlertStore reads alert events and monitor states
type AlertStore interface {
	Events(ctx context.Context, monitor string, limit int) ([]contracts.AlertEvent, error)
	States(ctx context.Context) ([]contracts.AlertState, error)
}

// RunHandler serves the update log and the alert history
type RunHandler struct {
	runs   RunLog
	alerts AlertStore
	logger *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs RunLog, alerts AlertStore, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, alerts: alerts, logger: log}
}

// Runs returns the newest update log entries
// GET /api/runs?limit=20
func (h *RunHandler) Runs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.runs.Latest(r.Context(), intParam(r, "limit", 20, 500))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read update log")
		respondError(w, http.StatusInternalServerError, "Failed to read update log")
		return
	}
	if entries == nil {
		entries = []contracts.UpdateLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// Alerts returns the newest alert events, optionally for one monitor
// GET /api/alerts?monitor=&limit=100
func (h *RunHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	events, err := h.alerts.Events(r.Context(), r.URL.Query().Get("monitor"), intParam(r, "limit", 100, 1000))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read alert events")
		respondError(w, http.StatusInternalServerError, "Failed to read alert events")
		return
	}
	if events == nil {
		events = []contracts.AlertEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// States returns the persisted state of every monitor
// GET /api/alerts/states
func (h *RunHandler) States(w http.ResponseWriter, r *http.Request) {
	states, err := h.alerts.States(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read monitor states")
		respondError(w, http.StatusInternalServerError, "Failed to read monitor states")
		return
	}
	if states == nil {
		states = []contracts.AlertState{}
	}
	respondJSON(w, http.StatusOK, states)
}
