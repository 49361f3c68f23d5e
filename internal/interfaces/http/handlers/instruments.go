package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

// ListInstruments handles GET /instruments.
func (h *Handlers) ListInstruments(w http.ResponseWriter, r *http.Request) {
	class := domain.AssetClass(r.URL.Query().Get("asset_class"))
	status := domain.InstrumentStatus(r.URL.Query().Get("status"))
	ins, err := h.repos.Instruments.List(r.Context(), class, status)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, ins)
}

// GetInstrument handles GET /instruments/{id}.
func (h *Handlers) GetInstrument(w http.ResponseWriter, r *http.Request) {
	ins, err := h.risk.Instrument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, ins)
}

type createInstrumentRequest struct {
	Symbol      string          `json:"symbol" validate:"required,min=1,max=20"`
	Name        string          `json:"name" validate:"required,max=100"`
	AssetClass  string          `json:"asset_class" validate:"required,oneof=equity forex commodity index crypto derivative"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MaxLeverage int             `json:"max_leverage" validate:"omitempty,min=1"`
	MarginOK    bool            `json:"margin_allowed"`
	ShortOK     bool            `json:"short_allowed"`
}

// CreateInstrument handles POST /instruments (admin).
func (h *Handlers) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	if !req.TickSize.IsPositive() {
		Fail(w, r, domain.NewValidationError("tick_size", "must be positive"))
		return
	}
	if !req.LotSize.IsPositive() {
		Fail(w, r, domain.NewValidationError("lot_size", "must be positive"))
		return
	}
	if req.MaxLeverage == 0 {
		req.MaxLeverage = 1
	}

	now := time.Now().UTC()
	ins := &domain.Instrument{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Name:        req.Name,
		AssetClass:  domain.AssetClass(req.AssetClass),
		TickSize:    req.TickSize,
		LotSize:     req.LotSize,
		MaxLeverage: req.MaxLeverage,
		MarginOK:    req.MarginOK,
		ShortOK:     req.ShortOK,
		Status:      domain.InstrumentActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repos.Instruments.Create(r.Context(), ins); err != nil {
		Fail(w, r, err)
		return
	}
	h.audit(r, "instrument_created", "instrument", ins.ID, ins.Symbol)
	respond(w, http.StatusCreated, ins)
}

type updateInstrumentRequest struct {
	Name        *string          `json:"name" validate:"omitempty,max=100"`
	TickSize    *decimal.Decimal `json:"tick_size"`
	LotSize     *decimal.Decimal `json:"lot_size"`
	MaxLeverage *int             `json:"max_leverage" validate:"omitempty,min=1"`
	MarginOK    *bool            `json:"margin_allowed"`
	ShortOK     *bool            `json:"short_allowed"`
	Status      *string          `json:"status" validate:"omitempty,oneof=active halted closed"`
}

// UpdateInstrument handles PATCH /instruments/{id} (admin).
func (h *Handlers) UpdateInstrument(w http.ResponseWriter, r *http.Request) {
	var req updateInstrumentRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	ins, err := h.repos.Instruments.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		Fail(w, r, err)
		return
	}

	if req.Name != nil {
		ins.Name = *req.Name
	}
	if req.TickSize != nil {
		if !req.TickSize.IsPositive() {
			Fail(w, r, domain.NewValidationError("tick_size", "must be positive"))
			return
		}
		ins.TickSize = *req.TickSize
	}
	if req.LotSize != nil {
		if !req.LotSize.IsPositive() {
			Fail(w, r, domain.NewValidationError("lot_size", "must be positive"))
			return
		}
		ins.LotSize = *req.LotSize
	}
	if req.MaxLeverage != nil {
		ins.MaxLeverage = *req.MaxLeverage
	}
	if req.MarginOK != nil {
		ins.MarginOK = *req.MarginOK
	}
	if req.ShortOK != nil {
		ins.ShortOK = *req.ShortOK
	}
	if req.Status != nil {
		ins.Status = domain.InstrumentStatus(*req.Status)
	}
	ins.UpdatedAt = time.Now().UTC()

	if err := h.repos.Instruments.Update(r.Context(), ins); err != nil {
		Fail(w, r, err)
		return
	}
	h.risk.Invalidate(ins)
	h.audit(r, "instrument_updated", "instrument", ins.ID, ins.Symbol)
	respond(w, http.StatusOK, ins)
}

// DeleteInstrument handles DELETE /instruments/{id} (admin). Listings are
// never dropped from history; delisting closes the instrument so no new
// orders are accepted while trades stay queryable.
func (h *Handlers) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ins, err := h.repos.Instruments.GetByID(r.Context(), id)
	if err != nil {
		Fail(w, r, err)
		return
	}
	if err := h.repos.Instruments.SetStatus(r.Context(), id, domain.InstrumentClosed); err != nil {
		Fail(w, r, err)
		return
	}
	ins.Status = domain.InstrumentClosed
	h.risk.Invalidate(ins)
	h.audit(r, "instrument_delisted", "instrument", id, ins.Symbol)
	respond(w, http.StatusOK, map[string]string{"status": "delisted", "id": id})
}

// audit appends an admin audit entry; failures are logged, never fatal.
func (h *Handlers) audit(r *http.Request, action, entity, entityID, detail string) {
	if h.repos.Audit == nil {
		return
	}
	actor := ""
	if u := UserFrom(r.Context()); u != nil {
		actor = u.ID
	}
	e := &domain.AuditEntry{
		ActorID:   actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.repos.Audit.Insert(r.Context(), e); err != nil {
		log.Error().Err(err).Str("action", action).Msg("http: audit write failed")
	}
}
