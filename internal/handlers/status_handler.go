package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/atelierhq/atelier/internal/common"
	"github.com/atelierhq/atelier/internal/interfaces"
	"github.com/atelierhq/atelier/internal/models"
)

// StatusHandler reports service health and job counters.
type StatusHandler struct {
	storage   interfaces.JobStorage
	wsHandler *WebSocketHandler
	logger    arbor.ILogger
}

// NewStatusHandler creates a status API handler.
func NewStatusHandler(storage interfaces.JobStorage, wsHandler *WebSocketHandler, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		storage:   storage,
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// GetStatusHandler handles GET /api/status.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts := make(map[string]int)
	for _, status := range []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusRetrying,
		models.JobStatusSucceeded,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		count, err := h.storage.CountJobsByStatus(r.Context(), status)
		if err != nil {
			h.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to count jobs")
			continue
		}
		counts[string(status)] = count
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     common.GetVersion(),
		"connections": h.wsHandler.ConnectionCount(),
		"jobs":        counts,
	})
}

// VersionHandler handles GET /api/version.
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}
