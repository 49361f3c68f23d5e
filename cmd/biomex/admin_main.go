package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/biomex/biomex/internal/auth"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/infrastructure/db"
	"github.com/biomex/biomex/internal/persistence/postgres"
)

func runCreateAdmin(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	username, _ := cmd.Flags().GetString("username")
	email, _ := cmd.Flags().GetString("email")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("create-admin needs database persistence; an in-memory admin would vanish on exit")
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer manager.Close()
	if err := postgres.EnsureSchema(ctx, manager.DB()); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	admin := &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		MaxLeverage:  1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := manager.Repository().Users.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	log.Info().Str("id", admin.ID).Str("username", username).Msg("admin account created")
	return nil
}

// promptPassword reads the password twice from the terminal without echo.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("create-admin requires an interactive terminal for the password prompt")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	return string(first), nil
}
