package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/convbot/internal/arbiter"
	"github.com/alanyoungcy/convbot/internal/domain"
)

// RecordSource is the arbiter's in-memory record log.
type RecordSource interface {
	Records(limit int) []domain.ArbitrationRecord
	Stats() arbiter.Stats
}

// ArbitrationLog is the durable record log.
type ArbitrationLog interface {
	ListArbitrations(ctx context.Context, opts domain.ListOpts) ([]domain.ArbitrationRecord, error)
}

// StreamReader reads entries from an append-only stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error)
}

// ArbitrationHandler serves arbitration records.
type ArbitrationHandler struct {
	live   RecordSource
	store  ArbitrationLog
	bus    StreamReader
	stream string
	logger *slog.Logger
}

// NewArbitrationHandler creates an ArbitrationHandler. store may be nil.
func NewArbitrationHandler(live RecordSource, store ArbitrationLog, logger *slog.Logger) *ArbitrationHandler {
	return &ArbitrationHandler{live: live, store: store, logger: logger}
}

// WithStream serves source=stream from the named audit stream on bus.
func (h *ArbitrationHandler) WithStream(bus StreamReader, stream string) *ArbitrationHandler {
	h.bus, h.stream = bus, stream
	return h
}

// ListArbitrations returns recent records, newest first. source=store reads
// the durable log and honours offset, since and until. source=stream tails
// the audit stream oldest first from the entry after "after" and returns the
// id to resume from as "next".
// GET /api/arbitrations?limit=50&source=store
// GET /api/arbitrations?source=stream&after=1700000000000-0
func (h *ArbitrationHandler) ListArbitrations(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	if r.URL.Query().Get("source") == "stream" {
		h.tail(w, r, opts.Limit)
		return
	}

	if fromStore(r) {
		if h.store == nil {
			writeError(w, http.StatusNotImplemented, "no audit store configured")
			return
		}
		recs, err := h.store.ListArbitrations(r.Context(), opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list arbitrations failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list arbitrations")
			return
		}
		if recs == nil {
			recs = []domain.ArbitrationRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs, "limit": opts.Limit, "offset": opts.Offset})
		return
	}

	recs := h.live.Records(opts.Limit)
	out := make([]domain.ArbitrationRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out, "limit": opts.Limit})
}

func (h *ArbitrationHandler) tail(w http.ResponseWriter, r *http.Request, limit int) {
	if h.bus == nil {
		writeError(w, http.StatusNotImplemented, "no audit stream configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read audit stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to read audit stream")
		return
	}

	recs := make([]domain.ArbitrationRecord, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		var rec domain.ArbitrationRecord
		if err := json.Unmarshal(m.Payload, &rec); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping undecodable stream entry",
				slog.String("id", m.ID), slog.String("error", err.Error()))
			continue
		}
		recs = append(recs, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "limit": limit, "next": next})
}

// Stats returns the arbiter counters.
// GET /api/arbitrations/stats
func (h *ArbitrationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.live.Stats())
}
