package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

// BiomeMarkets handles GET /biome-market/markets.
func (h *Handlers) BiomeMarkets(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.biome.Markets())
}

// BiomeMarket handles GET /biome-market/markets/{biome}.
func (h *Handlers) BiomeMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.biome.Market(domain.Biome(mux.Vars(r)["biome"]))
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, m)
}

// BiomeHistory handles GET /biome-market/markets/{biome}/history.
func (h *Handlers) BiomeHistory(w http.ResponseWriter, r *http.Request) {
	tr := persistence.TimeRange{
		From: queryTime(r, "start_time"),
		To:   queryTime(r, "end_time"),
	}
	pts, err := h.biome.History(r.Context(), domain.Biome(mux.Vars(r)["biome"]), tr, queryInt(r, "limit", 200))
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, pts)
}

type biomeBuyRequest struct {
	Biome     string `json:"biome" validate:"required"`
	AmountBDT int64  `json:"amount_bdt" validate:"required,gt=0"`
}

// BiomeBuy handles POST /biome-market/buy.
func (h *Handlers) BiomeBuy(w http.ResponseWriter, r *http.Request) {
	var req biomeBuyRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	u := UserFrom(r.Context())
	tx, err := h.biome.Buy(r.Context(), u.ID, domain.Biome(req.Biome), req.AmountBDT)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			h.failNeedsFunds(w, r, u, err)
			return
		}
		Fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.BiomeTrade("buy")
	}
	respond(w, http.StatusCreated, tx)
}

type biomeSellRequest struct {
	Biome  string          `json:"biome" validate:"required"`
	Shares decimal.Decimal `json:"shares"`
}

// BiomeSell handles POST /biome-market/sell.
func (h *Handlers) BiomeSell(w http.ResponseWriter, r *http.Request) {
	var req biomeSellRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	if !req.Shares.IsPositive() {
		Fail(w, r, domain.NewValidationError("shares", "must be positive"))
		return
	}
	u := UserFrom(r.Context())
	tx, err := h.biome.Sell(r.Context(), u.ID, domain.Biome(req.Biome), req.Shares)
	if err != nil {
		Fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.BiomeTrade("sell")
	}
	respond(w, http.StatusCreated, tx)
}

// BiomePortfolio handles GET /biome-market/portfolio.
func (h *Handlers) BiomePortfolio(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	views, err := h.biome.Portfolio(r.Context(), u.ID)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, views)
}

// BiomeTransactions handles GET /biome-market/transactions?biome&page&limit.
func (h *Handlers) BiomeTransactions(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	limit := queryInt(r, "limit", 20)
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	f := persistence.TxFilter{
		Source: domain.SourceBiome,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	txs, err := h.repos.Transactions.ListByUser(r.Context(), u.ID, f)
	if err != nil {
		Fail(w, r, err)
		return
	}
	if b := domain.Biome(r.URL.Query().Get("biome")); b != "" {
		kept := txs[:0]
		for _, tx := range txs {
			if tx.Biome == b {
				kept = append(kept, tx)
			}
		}
		txs = kept
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"page":         page,
		"limit":        limit,
		"transactions": txs,
	})
}

type trackAttentionRequest struct {
	Biome          string  `json:"biome" validate:"required"`
	AttentionScore float64 `json:"attention_score" validate:"required,gt=0"`
}

// TrackAttention handles POST /biome-market/track-attention.
func (h *Handlers) TrackAttention(w http.ResponseWriter, r *http.Request) {
	var req trackAttentionRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	u := UserFrom(r.Context())
	if err := h.biome.Track(r.Context(), u.ID, domain.Biome(req.Biome), req.AttentionScore); err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "tracked"})
}
