package domain

import "errors"

// Sentinel errors shared across packages and matched with errors.Is. The
// HTTP layer owns the mapping onto wire error codes and status lines.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrMarginInsufficient = errors.New("insufficient free margin")
	ErrMarketNotOpen      = errors.New("market not open")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("insufficient role")
	ErrPaymentRequired    = errors.New("payment required")
	ErrSessionSuperseded  = errors.New("logged out elsewhere")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrBiomeTradingPaused = errors.New("biome trading paused")
)

// ValidationError carries per-field detail for a VALIDATION_ERROR response.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "validation failed" }

// Is lets callers match any field-level failure against ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a single-field validation failure.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}
