package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/persistence"
)

const userColumns = `id, username, email, password_hash, role, balance, max_leverage,
		margin_state, failed_logins, locked_until, suspended, created_at, updated_at`

// usersRepo implements UsersRepo for PostgreSQL. Balance is read here but
// written only by the ledger.
type usersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsersRepo creates a PostgreSQL users repository.
func NewUsersRepo(db *sqlx.DB, timeout time.Duration) persistence.UsersRepo {
	return &usersRepo{db: db, timeout: timeout}
}

func (r *usersRepo) Create(ctx context.Context, u *domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO users (
			id, username, email, password_hash, role, balance, max_leverage,
			margin_state, failed_logins, locked_until, suspended, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.Balance, u.MaxLeverage,
		u.MarginState, u.FailedLogins, u.LockedUntil, u.Suspended, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			switch pqErr.Constraint {
			case "users_username_key":
				return fmt.Errorf("username %s already taken: %w", u.Username, domain.ErrConflict)
			case "users_email_key":
				return fmt.Errorf("email %s already registered: %w", u.Email, domain.ErrConflict)
			}
			return fmt.Errorf("user %s already exists: %w", u.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *usersRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getWhere(ctx, `id = $1`, id)
}

func (r *usersRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getWhere(ctx, `LOWER(username) = LOWER($1)`, username)
}

func (r *usersRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getWhere(ctx, `LOWER(email) = LOWER($1)`, email)
}

func (r *usersRepo) getWhere(ctx context.Context, where, key string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, key)

	u, err := r.scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// Update persists the mutable account fields. Username and balance are
// deliberately excluded: the first is immutable, the second belongs to
// the ledger.
func (r *usersRepo) Update(ctx context.Context, u *domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE users
		SET email = $2, password_hash = $3, role = $4, max_leverage = $5,
		    margin_state = $6, suspended = $7, updated_at = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.Role, u.MaxLeverage, u.MarginState, u.Suspended)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("email %s already registered: %w", u.Email, domain.ErrConflict)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res, "user", u.ID)
}

func (r *usersRepo) RecordLoginFailure(ctx context.Context, id string, failed int, lockedUntil *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET failed_logins = $2, locked_until = $3, updated_at = NOW() WHERE id = $1`,
		id, failed, lockedUntil)
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}
	return requireRow(res, "user", id)
}

func (r *usersRepo) ResetLoginFailures(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET failed_logins = 0, locked_until = NULL, updated_at = NOW() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return requireRow(res, "user", id)
}

func (r *usersRepo) SetSuspended(ctx context.Context, id string, suspended bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET suspended = $2, updated_at = NOW() WHERE id = $1`,
		id, suspended)
	if err != nil {
		return fmt.Errorf("failed to set suspended: %w", err)
	}
	return requireRow(res, "user", id)
}

func (r *usersRepo) SetMarginState(ctx context.Context, id string, state domain.MarginState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET margin_state = $2, updated_at = NOW() WHERE id = $1`,
		id, state)
	if err != nil {
		return fmt.Errorf("failed to set margin state: %w", err)
	}
	return requireRow(res, "user", id)
}

func (r *usersRepo) List(ctx context.Context, limit, offset int) ([]domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY created_at, id
		LIMIT NULLIF($1, 0) OFFSET $2`

	rows, err := r.db.QueryxContext(ctx, query, clampLimit(limit), clampOffset(offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user rows: %w", err)
	}
	return users, nil
}

func (r *usersRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (r *usersRepo) scanUser(s scanner) (*domain.User, error) {
	var u domain.User
	err := s.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Balance, &u.MaxLeverage,
		&u.MarginState, &u.FailedLogins, &u.LockedUntil, &u.Suspended, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
