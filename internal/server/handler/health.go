package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// CacheStatus is the part of the market cache the health check reads.
type CacheStatus interface {
	Degraded() bool
	LastRefresh() time.Time
	Len() int
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	cache  CacheStatus
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. cache and checks may be nil.
func NewHealthHandler(cache CacheStatus, checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{cache: cache, checks: checks, logger: logger}
}

// HealthCheck reports "ok", or "degraded" with status 503 when the market
// cache is degraded or a dependency check fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	}
	if h.cache != nil {
		if h.cache.Degraded() {
			status = "degraded"
		}
		body["cache"] = map[string]any{
			"degraded":     h.cache.Degraded(),
			"snapshots":    h.cache.Len(),
			"last_refresh": h.cache.LastRefresh().UTC().Format(time.RFC3339),
		}
	}
	body["status"] = status

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}
