package handler

import (
	"net/http"

	"github.com/alanyoungcy/convbot/internal/config"
)

// ConfigHandler serves the active configuration with secrets masked.
type ConfigHandler struct {
	cfg config.Config
}

// NewConfigHandler redacts cfg once; the served copy never changes.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: config.RedactedConfig(cfg)}
}

// GetConfig returns the redacted configuration.
// GET /api/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}
