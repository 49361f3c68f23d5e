// Package auth owns accounts and sessions: registration under the
// password policy, bcrypt credential checks with login lockout, and the
// single-session rule where the newest login supersedes every earlier
// token for the same user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Deps wires the service collaborators. Audit is optional.
type Deps struct {
	Users    persistence.UsersRepo
	Sessions SessionStore
	Tokens   *Tokens
	Provider *config.Provider
	Clock    clock.Clock
	Audit    persistence.AuditRepo
}

// Service implements the account lifecycle.
type Service struct {
	users    persistence.UsersRepo
	sessions SessionStore
	tokens   *Tokens
	provider *config.Provider
	clock    clock.Clock
	audit    persistence.AuditRepo
}

// NewService builds the service. A nil Clock falls back to wall time.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Service{
		users:    d.Users,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		provider: d.Provider,
		clock:    d.Clock,
		audit:    d.Audit,
	}
}

// Register creates an account after checking the password policy from the
// current tunables snapshot. New accounts start with a zero balance and
// the default leverage.
func (s *Service) Register(ctx context.Context, username, email, password string) (*domain.User, error) {
	if !usernameRe.MatchString(username) {
		return nil, domain.NewValidationError("username", "must be 3-32 letters, digits or underscores")
	}
	if !emailRe.MatchString(email) {
		return nil, domain.NewValidationError("email", "invalid email address")
	}
	snap := s.provider.Snapshot()
	if err := ValidatePassword(password, snap.Password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		MaxLeverage:  snap.DefaultLeverage,
		MarginState:  domain.MarginNormal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	log.Info().Str("user_id", u.ID).Str("username", username).Msg("auth: account registered")
	return u, nil
}

// LoginResult carries the issued token pair. PreviousSessionTerminated is
// set when this login displaced a live session on another client.
type LoginResult struct {
	User                      *domain.User
	AccessToken               string
	RefreshToken              string
	PreviousSessionTerminated bool
}

// Login verifies credentials, enforces the lockout policy and opens the
// user's single session. Unknown emails and wrong passwords both come
// back as ErrUnauthenticated.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("unknown email: %w", domain.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if u.Suspended {
		return nil, fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
	}

	now := s.clock.Now()
	snap := s.provider.Snapshot()
	failed := u.FailedLogins
	if u.LockedUntil != nil {
		if now.Before(*u.LockedUntil) {
			return nil, fmt.Errorf("locked until %s: %w", u.LockedUntil.Format(time.RFC3339), domain.ErrAccountLocked)
		}
		// The lock has run out; the counter starts over.
		failed = 0
	}

	if !CheckPassword(u.PasswordHash, password) {
		failed++
		var until *time.Time
		if failed >= snap.LoginLockoutThreshold {
			t := now.Add(snap.LoginLockoutDuration)
			until = &t
			s.auditLog(ctx, u.ID, "account_locked", fmt.Sprintf("after %d failed logins", failed))
			log.Warn().Str("user_id", u.ID).Time("until", t).Msg("auth: account locked")
		}
		if err := s.users.RecordLoginFailure(ctx, u.ID, failed, until); err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("auth: failure counter not persisted")
		}
		return nil, fmt.Errorf("wrong password: %w", domain.ErrUnauthenticated)
	}

	if u.FailedLogins > 0 || u.LockedUntil != nil {
		if err := s.users.ResetLoginFailures(ctx, u.ID); err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("auth: failure counter not reset")
		}
	}

	sessionID := uuid.NewString()
	replaced, err := s.sessions.Put(ctx, u.ID, sessionID, snap.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	access, refresh, err := s.tokens.Issue(u.ID, u.Role, sessionID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", u.ID).Bool("superseded", replaced).Msg("auth: login")
	return &LoginResult{
		User:                      u,
		AccessToken:               access,
		RefreshToken:              refresh,
		PreviousSessionTerminated: replaced,
	}, nil
}

// Refresh trades a live refresh token for a fresh pair. The session id is
// kept and its TTL extended, so tokens rotate without counting as a new
// login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.Parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenRefresh {
		return nil, fmt.Errorf("not a refresh token: %w", domain.ErrUnauthenticated)
	}
	if err := s.checkSession(ctx, claims); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if u.Suspended {
		return nil, fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
	}

	snap := s.provider.Snapshot()
	if _, err := s.sessions.Put(ctx, u.ID, claims.SessionID, snap.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	access, refresh, err := s.tokens.Issue(u.ID, u.Role, claims.SessionID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// Authenticate validates a bearer access token against the session store
// and returns the live account. A token from a superseded session fails
// with ErrSessionSuperseded.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, *Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenType != TokenAccess {
		return nil, nil, fmt.Errorf("not an access token: %w", domain.ErrUnauthenticated)
	}
	if err := s.checkSession(ctx, claims); err != nil {
		return nil, nil, err
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account: %w", err)
	}
	if u.Suspended {
		return nil, nil, fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
	}
	return u, claims, nil
}

// Logout drops the user's session; outstanding tokens die with it.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.sessions.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Service) checkSession(ctx context.Context, claims *Claims) error {
	current, err := s.sessions.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("session expired: %w", domain.ErrUnauthenticated)
		}
		return fmt.Errorf("failed to read session: %w", err)
	}
	if current != claims.SessionID {
		return domain.ErrSessionSuperseded
	}
	return nil
}

func (s *Service) auditLog(ctx context.Context, actorID, action, detail string) {
	if s.audit == nil {
		return
	}
	e := &domain.AuditEntry{
		ActorID:   actorID,
		Action:    action,
		Entity:    "user",
		EntityID:  actorID,
		Detail:    detail,
		CreatedAt: s.clock.Now(),
	}
	if err := s.audit.Insert(ctx, e); err != nil {
		log.Error().Err(err).Str("action", action).Msg("auth: audit write failed")
	}
}
