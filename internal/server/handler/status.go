package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports the running mode and uptime.
type StatusHandler struct {
	Mode      string
	Venues    []string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, venues []string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, Venues: venues, StartedAt: startedAt}
}

// GetStatus responds with the mode, venues and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"venues":         h.Venues,
		"started_at":     h.StartedAt.UTC(),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
