package auth

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
)

// Token kinds carried in the token_type claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims is the JWT payload shared by both token kinds. Subject holds the
// user id; SessionID ties the token to the single live session so a newer
// login invalidates every token minted before it.
type Claims struct {
	Role      domain.Role `json:"role"`
	SessionID string      `json:"session_id"`
	TokenType string      `json:"token_type"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies the HS256 bearer tokens.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock
}

// NewTokens builds a signer from the static auth configuration.
func NewTokens(cfg config.AuthConfig, clk clock.Clock) *Tokens {
	if clk == nil {
		clk = clock.New()
	}
	return &Tokens{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clk,
	}
}

// Issue signs an access and a refresh token bound to the session.
func (t *Tokens) Issue(userID string, role domain.Role, sessionID string) (access, refresh string, err error) {
	access, err = t.sign(userID, role, sessionID, TokenAccess, t.accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = t.sign(userID, role, sessionID, TokenRefresh, t.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (t *Tokens) sign(userID string, role domain.Role, sessionID, kind string, ttl time.Duration) (string, error) {
	now := t.clock.Now()
	claims := Claims{
		Role:      role,
		SessionID: sessionID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the claims. Any
// failure maps to ErrUnauthenticated; callers never learn why a token
// was rejected.
func (t *Tokens) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthenticated)
	}
	return claims, nil
}
