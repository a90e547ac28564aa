package handler

import (
	"net/http"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/strategy"
)

// LayerSource exposes the strategy engine's per-layer state.
type LayerSource interface {
	Info() []strategy.LayerInfo
	Latest(layerID string) []domain.ScoredOpportunity
}

// OpportunityHandler serves the last ranked set of every strategy layer.
type OpportunityHandler struct {
	layers LayerSource
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(layers LayerSource) *OpportunityHandler {
	return &OpportunityHandler{layers: layers}
}

type layerOpportunities struct {
	strategy.LayerInfo
	Opportunities []domain.ScoredOpportunity `json:"opportunities"`
}

// ListOpportunities returns each layer's status and last ranked set.
// GET /api/opportunities?layer=momentum
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("layer")

	out := []layerOpportunities{}
	for _, info := range h.layers.Info() {
		if want != "" && info.ID != want {
			continue
		}
		opps := h.layers.Latest(info.ID)
		if opps == nil {
			opps = []domain.ScoredOpportunity{}
		}
		out = append(out, layerOpportunities{LayerInfo: info, Opportunities: opps})
	}
	if want != "" && len(out) == 0 {
		writeError(w, http.StatusNotFound, "unknown layer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": out})
}
