package handler

import (
	"errors"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// SnapshotSource is the read side of the market snapshot cache.
type SnapshotSource interface {
	All() iter.Seq[domain.MarketSnapshot]
	Get(venue, symbol string) (domain.MarketSnapshot, error)
	IsStale(snap domain.MarketSnapshot, now time.Time) bool
	LastRefresh() time.Time
}

// SnapshotHandler serves the cached market snapshots.
type SnapshotHandler struct {
	cache  SnapshotSource
	mirror domain.SnapshotMirror
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(cache SnapshotSource, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{cache: cache, logger: logger}
}

// WithMirror makes GetSnapshot fall back to the shared mirror for symbols
// this process does not cache, such as those of a venue another instance
// trades.
func (h *SnapshotHandler) WithMirror(m domain.SnapshotMirror) *SnapshotHandler {
	h.mirror = m
	return h
}

type snapshotView struct {
	Venue          string    `json:"venue"`
	Symbol         string    `json:"symbol"`
	LastPrice      float64   `json:"last_price"`
	Change24hPct   float64   `json:"change_24h_pct"`
	Volume24h      float64   `json:"volume_24h"`
	VolumeBaseline float64   `json:"volume_baseline"`
	Bid            float64   `json:"bid"`
	Ask            float64   `json:"ask"`
	SpreadBps      *float64  `json:"spread_bps"` // null without a usable book
	CapturedAt     time.Time `json:"captured_at"`
	Stale          bool      `json:"stale"`
	Source         string    `json:"source,omitempty"` // "mirror" when not served from the local cache
}

func (h *SnapshotHandler) view(s domain.MarketSnapshot, now time.Time) snapshotView {
	var spread *float64
	if bps := s.SpreadBps(); !math.IsNaN(bps) && !math.IsInf(bps, 0) {
		spread = &bps
	}
	return snapshotView{
		Venue:          s.Venue,
		Symbol:         s.Symbol,
		LastPrice:      s.LastPrice,
		Change24hPct:   s.Change24hPct,
		Volume24h:      s.Volume24h,
		VolumeBaseline: s.VolumeBaseline,
		Bid:            s.Bid,
		Ask:            s.Ask,
		SpreadBps:      spread,
		CapturedAt:     s.CapturedAt,
		Stale:          h.cache.IsStale(s, now),
	}
}

// ListSnapshots returns every cached snapshot in venue and symbol order,
// optionally for one venue.
// GET /api/snapshots?venue=binance
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("venue")
	now := time.Now()

	out := []snapshotView{}
	for s := range h.cache.All() {
		if venue != "" && s.Venue != venue {
			continue
		}
		out = append(out, h.view(s, now))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots":    out,
		"last_refresh": h.cache.LastRefresh().UTC(),
	})
}

// GetSnapshot returns one snapshot, from the mirror when the local cache
// does not hold it.
// GET /api/snapshots/{venue}/{symbol}
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	venue, symbol := r.PathValue("venue"), r.PathValue("symbol")
	snap, err := h.cache.Get(venue, symbol)
	if errors.Is(err, domain.ErrNotFound) && h.mirror != nil {
		if snap, err = h.mirror.Load(r.Context(), venue, symbol); err == nil {
			v := h.view(snap, time.Now())
			v.Source = "mirror"
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "snapshot not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get snapshot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get snapshot")
		return
	}
	writeJSON(w, http.StatusOK, h.view(snap, time.Now()))
}
