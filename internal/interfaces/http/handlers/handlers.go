// Package handlers implements the JSON API endpoints. Every handler
// reads its dependencies through the Handlers struct; routing, auth and
// rate limiting happen one layer up in interfaces/http.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/biomex/biomex/internal/auth"
	"github.com/biomex/biomex/internal/biome"
	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/matching"
	"github.com/biomex/biomex/internal/payment"
	"github.com/biomex/biomex/internal/persistence"
	"github.com/biomex/biomex/internal/pricing"
	"github.com/biomex/biomex/internal/risk"
)

// maxBodyBytes caps request bodies; nothing in the API needs more.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// Observer receives trading events for instrumentation. Implementations
// must be cheap and non-blocking; the metrics registry satisfies it.
type Observer interface {
	OrderPlaced(status string)
	TradesExecuted(n int)
	BiomeTrade(op string)
}

// Deps wires the endpoint collaborators. Health and Metrics may be nil.
type Deps struct {
	Auth     *auth.Service
	Wallet   *payment.Service
	Engine   *matching.Engine
	Biome    *biome.Engine
	Pricing  *pricing.Engine
	Risk     *risk.Checker
	Keeper   *margin.Keeper
	Repos    *persistence.Repository
	Provider *config.Provider
	Health   persistence.RepositoryHealth
	Metrics  Observer
}

// Handlers carries the services the endpoints compose.
type Handlers struct {
	auth     *auth.Service
	wallet   *payment.Service
	engine   *matching.Engine
	biome    *biome.Engine
	pricing  *pricing.Engine
	risk     *risk.Checker
	keeper   *margin.Keeper
	repos    *persistence.Repository
	provider *config.Provider
	health   persistence.RepositoryHealth
	metrics  Observer
	started  time.Time
}

// New builds the handler set.
func New(d Deps) *Handlers {
	return &Handlers{
		auth:     d.Auth,
		wallet:   d.Wallet,
		engine:   d.Engine,
		biome:    d.Biome,
		pricing:  d.Pricing,
		risk:     d.Risk,
		keeper:   d.Keeper,
		repos:    d.Repos,
		provider: d.Provider,
		health:   d.Health,
		metrics:  d.Metrics,
		started:  time.Now().UTC(),
	}
}

type ctxKey int

const (
	userKey ctxKey = iota
	claimsKey
)

// WithUser stores the authenticated account on the request context. The
// auth middleware calls it; handlers read it back with UserFrom.
func WithUser(ctx context.Context, u *domain.User, c *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, userKey, u)
	return context.WithValue(ctx, claimsKey, c)
}

// UserFrom returns the authenticated account, or nil on public routes.
func UserFrom(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userKey).(*domain.User)
	return u
}

// ClaimsFrom returns the token claims stored alongside the user.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// errorBody is the uniform non-2xx envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("http: response encode failed")
	}
}

// Fail maps an error onto the envelope. Unknown errors become
// INTERNAL_ERROR with the cause logged, never surfaced.
func Fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, details := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("http: internal error")
		msg = "internal error"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	respond(w, status, errorBody{Error: errorDetail{Code: code, Message: msg, Details: details}})
}

func classify(err error) (int, string, map[string]interface{}) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		details := make(map[string]interface{}, len(ve.Fields))
		for field, msg := range ve.Fields {
			details[field] = msg
		}
		return http.StatusBadRequest, "VALIDATION_ERROR", details
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", nil
	case errors.Is(err, domain.ErrSessionSuperseded):
		return http.StatusUnauthorized, "AUTHENTICATION_ERROR", map[string]interface{}{"reason": "logged out elsewhere"}
	case errors.Is(err, domain.ErrAccountLocked), errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "AUTHENTICATION_ERROR", nil
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrAccountSuspended):
		return http.StatusForbidden, "AUTHORIZATION_ERROR", nil
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", nil
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT", nil
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS", nil
	case errors.Is(err, domain.ErrPaymentRequired):
		return http.StatusPaymentRequired, "PAYMENT_REQUIRED", nil
	case errors.Is(err, domain.ErrMarginInsufficient):
		return http.StatusBadRequest, "MARGIN_INSUFFICIENT", nil
	case errors.Is(err, domain.ErrMarketNotOpen):
		return http.StatusConflict, "MARKET_NOT_OPEN", nil
	case errors.Is(err, domain.ErrBiomeTradingPaused):
		return http.StatusConflict, "MARKET_NOT_OPEN", map[string]interface{}{"reason": "biome trading paused"}
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", nil
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", nil
	}
}

// decode parses and validates a JSON body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", domain.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			return domain.NewValidationError(f.Field(), "failed rule "+f.Tag())
		}
		return fmt.Errorf("invalid request body: %w", domain.ErrValidation)
	}
	return nil
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryTime reads an RFC3339 query parameter; zero when absent or bad.
func queryTime(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NotFound is the router's fallback handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusNotFound, errorBody{Error: errorDetail{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	}})
}
