package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biomex/biomex/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.NewValidationError("quantity", "must be positive"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("wrap: %w", domain.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{domain.ErrUnauthenticated, http.StatusUnauthorized, "AUTHENTICATION_ERROR"},
		{domain.ErrSessionSuperseded, http.StatusUnauthorized, "AUTHENTICATION_ERROR"},
		{domain.ErrAccountLocked, http.StatusUnauthorized, "AUTHENTICATION_ERROR"},
		{domain.ErrForbidden, http.StatusForbidden, "AUTHORIZATION_ERROR"},
		{domain.ErrAccountSuspended, http.StatusForbidden, "AUTHORIZATION_ERROR"},
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
		{domain.ErrPaymentRequired, http.StatusPaymentRequired, "PAYMENT_REQUIRED"},
		{domain.ErrMarginInsufficient, http.StatusBadRequest, "MARGIN_INSUFFICIENT"},
		{domain.ErrMarketNotOpen, http.StatusConflict, "MARKET_NOT_OPEN"},
		{domain.ErrBiomeTradingPaused, http.StatusConflict, "MARKET_NOT_OPEN"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, code, _ := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestFailHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/orders", nil)
	Fail(rec, req, fmt.Errorf("pq: connection refused to 10.0.0.7"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env errorBody
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestFailValidationDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/orders", nil)
	Fail(rec, req, domain.NewValidationError("price", "below tick size"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorBody
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Equal(t, "below tick size", env.Error.Details["price"])
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest("GET", "/trades?limit=25&offset=junk&start_time=2026-03-02T10:00:00Z", nil)
	assert.Equal(t, 25, queryInt(req, "limit", 50))
	assert.Equal(t, 0, queryInt(req, "offset", 0))
	assert.Equal(t, 10, queryTime(req, "start_time").Hour())
	assert.True(t, queryTime(req, "end_time").IsZero())
}
