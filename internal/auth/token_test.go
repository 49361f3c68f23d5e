package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
)

func testTokens(secret string) (*Tokens, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	return NewTokens(config.AuthConfig{
		JWTSecret:  secret,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, clk), clk
}

func TestTokenRoundTrip(t *testing.T) {
	tokens, clk := testTokens("secret-a")

	access, refresh, err := tokens.Issue("u-1", domain.RoleAdmin, "s-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := tokens.Parse(access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "u-1" || claims.Role != domain.RoleAdmin || claims.SessionID != "s-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.TokenType != TokenAccess {
		t.Errorf("token type = %s, want access", claims.TokenType)
	}
	if want := clk.Now().Add(15 * time.Minute); !claims.ExpiresAt.Time.Equal(want) {
		t.Errorf("access expiry = %s, want %s", claims.ExpiresAt.Time, want)
	}

	rc, err := tokens.Parse(refresh)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	if rc.TokenType != TokenRefresh {
		t.Errorf("token type = %s, want refresh", rc.TokenType)
	}
	if want := clk.Now().Add(7 * 24 * time.Hour); !rc.ExpiresAt.Time.Equal(want) {
		t.Errorf("refresh expiry = %s, want %s", rc.ExpiresAt.Time, want)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	signer, _ := testTokens("secret-a")
	verifier, _ := testTokens("secret-b")

	access, _, err := signer.Issue("u-1", domain.RoleUser, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.Parse(access); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	tokens, _ := testTokens("secret-a")

	access, _, err := tokens.Issue("u-1", domain.RoleUser, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Parse(access + "x"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
	if _, err := tokens.Parse("not-a-token"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tokens, clk := testTokens("secret-a")

	access, _, err := tokens.Issue("u-1", domain.RoleUser, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Add(15*time.Minute + time.Second)
	if _, err := tokens.Parse(access); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}
