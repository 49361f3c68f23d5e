package auth

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
)

// bcrypt rejects inputs beyond 72 bytes, so the policy caps there.
const maxPasswordLength = 72

// HashPassword produces a bcrypt hash of the plaintext password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword checks the plaintext against the configured policy.
func ValidatePassword(password string, p config.PasswordPolicy) error {
	if len(password) < p.MinLength {
		return domain.NewValidationError("password", fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if len(password) > maxPasswordLength {
		return domain.NewValidationError("password", fmt.Sprintf("must be at most %d characters", maxPasswordLength))
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if p.RequireUpper && !upper {
		return domain.NewValidationError("password", "must contain an uppercase letter")
	}
	if p.RequireLower && !lower {
		return domain.NewValidationError("password", "must contain a lowercase letter")
	}
	if p.RequireDigit && !digit {
		return domain.NewValidationError("password", "must contain a digit")
	}
	return nil
}
