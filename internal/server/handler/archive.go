package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/convbot/internal/domain"
)

const archivePrefix = "archive/"

// ArchiveHandler lists and downloads archived audit objects.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger}
}

// ListArchives returns the archive objects, optionally for one month.
// GET /api/archives?month=2025-01
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := archivePrefix + "arbitrations/"
	if m := r.URL.Query().Get("month"); m != "" {
		prefix += m + "/"
	}
	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": infos})
}

// GetArchive streams one archived JSONL object. Only paths under archive/
// are served.
// GET /api/archives/object?path=archive/arbitrations/2025-01/...jsonl
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, archivePrefix) || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "path must name an object under archive/")
		return
	}
	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to get archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive download interrupted",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}
