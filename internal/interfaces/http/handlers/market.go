package handlers

import (
	"net/http"

	"github.com/biomex/biomex/internal/domain"
)

// MarketStatus handles GET /market/status.
func (h *Handlers) MarketStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.engine.MarketStatus())
}

type setMarketStatusRequest struct {
	State  string `json:"state" validate:"required,oneof=open halted closed"`
	Reason string `json:"reason" validate:"max=200"`
}

// SetMarketStatus handles POST /market/status (admin).
func (h *Handlers) SetMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req setMarketStatusRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	s, err := h.engine.SetMarketStatus(r.Context(), domain.MarketState(req.State), req.Reason)
	if err != nil {
		Fail(w, r, err)
		return
	}
	h.audit(r, "market_status_changed", "market", "venue", string(s.State)+": "+s.Reason)
	respond(w, http.StatusOK, s)
}
