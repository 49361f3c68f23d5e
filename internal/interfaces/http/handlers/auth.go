package handlers

import (
	"net/http"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

// Register handles POST /auth/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	u, err := h.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken               string `json:"access_token"`
	RefreshToken              string `json:"refresh_token"`
	PreviousSessionTerminated bool   `json:"previous_session_terminated"`
}

// Login handles POST /auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, loginResponse{
		AccessToken:               res.AccessToken,
		RefreshToken:              res.RefreshToken,
		PreviousSessionTerminated: res.PreviousSessionTerminated,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh handles POST /auth/refresh.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	res, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, loginResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

// Logout handles POST /auth/logout. Requires authentication.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	if err := h.auth.Logout(r.Context(), u.ID); err != nil {
		Fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Me handles GET /auth/me.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, UserFrom(r.Context()))
}
