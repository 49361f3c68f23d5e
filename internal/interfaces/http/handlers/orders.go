package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/persistence"
)

type placeOrderRequest struct {
	InstrumentID   string          `json:"instrument_id" validate:"required"`
	Side           string          `json:"side" validate:"required,oneof=buy sell"`
	OrderType      string          `json:"order_type" validate:"required,oneof=market limit stop stop_limit trailing_stop iceberg"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TrailingOffset decimal.Decimal `json:"trailing_offset"`
	IcebergVisible decimal.Decimal `json:"iceberg_visible"`
	OCOGroupID     string          `json:"oco_group_id" validate:"max=64"`
	TimeInForce    string          `json:"time_in_force" validate:"omitempty,oneof=GTC DAY IOC FOK"`
	Leverage       int             `json:"leverage" validate:"omitempty,min=1"`
	ClientOrderID  string          `json:"client_order_id" validate:"max=64"`
}

type placeOrderResponse struct {
	Order  *domain.Order  `json:"order"`
	Trades []domain.Trade `json:"trades"`
}

// PlaceOrder handles POST /orders.
func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	if !req.Quantity.IsPositive() {
		Fail(w, r, domain.NewValidationError("quantity", "must be positive"))
		return
	}

	u := UserFrom(r.Context())
	o := &domain.Order{
		UserID:         u.ID,
		InstrumentID:   req.InstrumentID,
		Side:           domain.Side(req.Side),
		Type:           domain.OrderType(req.OrderType),
		Quantity:       req.Quantity,
		Price:          req.Price,
		StopPrice:      req.StopPrice,
		TrailingOffset: req.TrailingOffset,
		IcebergVisible: req.IcebergVisible,
		OCOGroupID:     req.OCOGroupID,
		TimeInForce:    domain.TimeInForce(req.TimeInForce),
		Leverage:       req.Leverage,
		ClientOrderID:  req.ClientOrderID,
	}

	placed, trades, err := h.engine.PlaceOrder(r.Context(), o)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			h.failNeedsFunds(w, r, u, err)
			return
		}
		Fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.OrderPlaced(string(placed.Status))
		h.metrics.TradesExecuted(len(trades))
	}
	respond(w, http.StatusCreated, placeOrderResponse{Order: placed, Trades: trades})
}

// failNeedsFunds decorates an insufficient-funds rejection with a live
// top-up session so the client can send the user straight to the gateway.
func (h *Handlers) failNeedsFunds(w http.ResponseWriter, r *http.Request, u *domain.User, cause error) {
	if h.wallet == nil {
		Fail(w, r, cause)
		return
	}
	snap := h.provider.Snapshot()
	topup, err := h.wallet.InitiateTopup(r.Context(), u.ID, snap.MinTopup)
	if err != nil {
		Fail(w, r, cause)
		return
	}
	respond(w, http.StatusPaymentRequired, errorBody{Error: errorDetail{
		Code:    "PAYMENT_REQUIRED",
		Message: cause.Error(),
		Details: map[string]interface{}{
			"payment_url": topup.PaymentURL,
			"topup_id":    topup.Transaction.ID,
		},
	}})
}

// ListOrders handles GET /orders.
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	f := persistence.OrderFilter{
		InstrumentID: r.URL.Query().Get("instrument_id"),
		Status:       domain.OrderStatus(r.URL.Query().Get("status")),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	orders, err := h.repos.Orders.ListByUser(r.Context(), u.ID, f)
	if err != nil {
		Fail(w, r, err)
		return
	}
	if side := domain.Side(r.URL.Query().Get("side")); side == domain.SideBuy || side == domain.SideSell {
		kept := orders[:0]
		for _, o := range orders {
			if o.Side == side {
				kept = append(kept, o)
			}
		}
		orders = kept
	}
	respond(w, http.StatusOK, orders)
}

// GetOrder handles GET /orders/{id}.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	o, err := h.repos.Orders.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	if o.UserID != u.ID && u.Role != domain.RoleAdmin {
		Fail(w, r, domain.ErrNotFound)
		return
	}
	respond(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /orders/{id}.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	o, err := h.engine.CancelOrder(r.Context(), u.ID, mux.Vars(r)["id"])
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, o)
}

// ListTrades handles GET /trades. With instrument_id it returns the
// public tape; without, the caller's own executions.
func (h *Handlers) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	if insID := r.URL.Query().Get("instrument_id"); insID != "" {
		trades, err := h.repos.Trades.ListByInstrument(r.Context(), insID, limit+offset)
		if err != nil {
			Fail(w, r, err)
			return
		}
		if offset < len(trades) {
			trades = trades[offset:]
		} else {
			trades = nil
		}
		respond(w, http.StatusOK, trades)
		return
	}

	u := UserFrom(r.Context())
	trades, err := h.repos.Trades.ListByUser(r.Context(), u.ID, limit, offset)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, trades)
}

// Margin handles GET /margin: the account's equity, margin usage and
// open positions valued at current marks.
func (h *Handlers) Margin(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	acct, err := h.keeper.Account(r.Context(), u.ID, h.markFunc())
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, acct)
}

// markFunc values positions off the pricing engine, falling back to the
// last trade on the matching engine's tape.
func (h *Handlers) markFunc() margin.MarkFunc {
	return func(ctx context.Context, instrumentID string) (decimal.Decimal, bool) {
		ins, err := h.risk.Instrument(ctx, instrumentID)
		if err != nil {
			return decimal.Zero, false
		}
		if mark, ok := h.pricing.Mark(ins); ok {
			return mark, true
		}
		return h.engine.LastTrade(instrumentID)
	}
}
