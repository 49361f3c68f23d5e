package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
	"github.com/biomex/biomex/internal/pricing"
)

// Quotes handles GET /marketdata/quotes/{instrument_id}. When no LP quote
// is fresh the last trade stands in as a one-sided mark.
func (h *Handlers) Quotes(w http.ResponseWriter, r *http.Request) {
	ins, err := h.risk.Instrument(r.Context(), mux.Vars(r)["instrument_id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	if q, ok := h.pricing.InstrumentQuote(ins); ok {
		respond(w, http.StatusOK, q)
		return
	}
	if mark, ok := h.pricing.Mark(ins); ok {
		respond(w, http.StatusOK, map[string]interface{}{
			"instrument_id": ins.ID,
			"mark":          mark,
			"stale":         true,
		})
		return
	}
	Fail(w, r, fmt.Errorf("no quote for %s: %w", ins.ID, domain.ErrNotFound))
}

type putQuoteRequest struct {
	LP      string          `json:"lp" validate:"required,max=40"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
}

// PutQuote handles POST /marketdata/quotes/{instrument_id} (admin). This
// is the liquidity feed's entry point; each post refreshes the board and
// publishes the derived instrument quote.
func (h *Handlers) PutQuote(w http.ResponseWriter, r *http.Request) {
	var req putQuoteRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	ins, err := h.risk.Instrument(r.Context(), mux.Vars(r)["instrument_id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	q := pricing.Quote{
		LP:           req.LP,
		InstrumentID: ins.ID,
		Bid:          req.Bid,
		Ask:          req.Ask,
		BidSize:      req.BidSize,
		AskSize:      req.AskSize,
	}
	if err := h.pricing.PutQuote(q, ins); err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Depth handles GET /marketdata/depth/{instrument_id}?levels=N.
func (h *Handlers) Depth(w http.ResponseWriter, r *http.Request) {
	ins, err := h.risk.Instrument(r.Context(), mux.Vars(r)["instrument_id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	levels := queryInt(r, "levels", 10)
	if levels < 1 || levels > 50 {
		Fail(w, r, domain.NewValidationError("levels", "must be between 1 and 50"))
		return
	}
	respond(w, http.StatusOK, h.engine.Depth(ins.ID, levels))
}

// Candles handles GET /marketdata/candles/{instrument_id}.
func (h *Handlers) Candles(w http.ResponseWriter, r *http.Request) {
	ins, err := h.risk.Instrument(r.Context(), mux.Vars(r)["instrument_id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = domain.TF1m
	}
	tr := persistence.TimeRange{
		From: queryTime(r, "start_time"),
		To:   queryTime(r, "end_time"),
	}
	cs, err := h.pricing.Candles(r.Context(), ins.ID, tf, tr, queryInt(r, "limit", 100))
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, cs)
}
