package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// ReceiptSource is the executor's recent receipt ring.
type ReceiptSource interface {
	Recent(limit int) []domain.ExecutionReceipt
	QueueLen() int
}

// ExecutionLog is the durable receipt log.
type ExecutionLog interface {
	ListExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionReceipt, error)
}

// HoldingsSource is the portfolio view.
type HoldingsSource interface {
	Holdings() []domain.HeldAsset
	LastSync() time.Time
}

// ExecutionHandler serves execution receipts and holdings.
type ExecutionHandler struct {
	live      ReceiptSource
	store     ExecutionLog
	portfolio HoldingsSource
	logger    *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. live is nil in monitor
// mode and store is nil without a durable audit backend.
func NewExecutionHandler(live ReceiptSource, store ExecutionLog, portfolio HoldingsSource, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{live: live, store: store, portfolio: portfolio, logger: logger}
}

// ListExecutions returns recent receipts, newest first.
// GET /api/executions?limit=50&source=store
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var receipts []domain.ExecutionReceipt
	switch {
	case fromStore(r) && h.store != nil:
		var err error
		receipts, err = h.store.ListExecutions(r.Context(), opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list executions failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
	case fromStore(r):
		writeError(w, http.StatusNotImplemented, "no audit store configured")
		return
	case h.live != nil:
		recent := h.live.Recent(opts.Limit)
		for i := len(recent) - 1; i >= 0; i-- {
			receipts = append(receipts, recent[i])
		}
	}
	if receipts == nil {
		receipts = []domain.ExecutionReceipt{}
	}

	body := map[string]any{"executions": receipts, "limit": opts.Limit}
	if h.live != nil {
		body["queued"] = h.live.QueueLen()
	}
	writeJSON(w, http.StatusOK, body)
}

type holdingView struct {
	Venue         string `json:"venue"`
	Asset         string `json:"asset"`
	Free          string `json:"free"`
	Locked        string `json:"locked"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CostBasis     string `json:"cost_basis"`
}

// ListHoldings returns the portfolio as last synced.
// GET /api/portfolio
func (h *ExecutionHandler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	held := h.portfolio.Holdings()
	out := make([]holdingView, 0, len(held))
	for _, a := range held {
		out = append(out, holdingView{
			Venue:         a.Venue,
			Asset:         a.Asset,
			Free:          a.Free.String(),
			Locked:        a.Locked.String(),
			AvgEntryPrice: a.AvgEntryPrice.String(),
			CostBasis:     a.CostBasis.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holdings":  out,
		"last_sync": h.portfolio.LastSync().UTC(),
	})
}
