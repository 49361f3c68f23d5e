package handlers

import (
	"net/http"
)

type topupRequest struct {
	AmountBDT int64 `json:"amount_bdt" validate:"required,gt=0"`
}

// InitiateTopup handles POST /wallet/topup.
func (h *Handlers) InitiateTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	u := UserFrom(r.Context())
	res, err := h.wallet.InitiateTopup(r.Context(), u.ID, req.AmountBDT)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]interface{}{
		"transaction": res.Transaction,
		"payment_url": res.PaymentURL,
	})
}

type confirmTopupRequest struct {
	GatewayRef    string `json:"gateway_ref" validate:"required"`
	Success       bool   `json:"success"`
	GatewayFeeBDT int64  `json:"gateway_fee_bdt" validate:"min=0"`
}

// ConfirmTopup handles POST /wallet/topup/confirm. This is the gateway
// callback surface; the webhook shim translates processor payloads into
// this shape before calling in.
func (h *Handlers) ConfirmTopup(w http.ResponseWriter, r *http.Request) {
	var req confirmTopupRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	tx, err := h.wallet.ConfirmTopup(r.Context(), req.GatewayRef, req.Success, req.GatewayFeeBDT)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, tx)
}

// Wallet handles GET /wallet.
func (h *Handlers) Wallet(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	view, err := h.wallet.Wallet(r.Context(), u.ID, queryInt(r, "limit", 20))
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}
