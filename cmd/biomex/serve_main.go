package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	redisv8 "github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/biomex/biomex/internal/auth"
	"github.com/biomex/biomex/internal/biome"
	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/infrastructure/db"
	httpapi "github.com/biomex/biomex/internal/interfaces/http"
	"github.com/biomex/biomex/internal/interfaces/http/handlers"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/margin"
	"github.com/biomex/biomex/internal/matching"
	"github.com/biomex/biomex/internal/payment"
	"github.com/biomex/biomex/internal/persistence"
	"github.com/biomex/biomex/internal/persistence/memory"
	"github.com/biomex/biomex/internal/persistence/postgres"
	"github.com/biomex/biomex/internal/pricing"
	"github.com/biomex/biomex/internal/ratelimit"
	"github.com/biomex/biomex/internal/risk"
	"github.com/biomex/biomex/internal/stream"
)

const shutdownGrace = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	forceFake, _ := cmd.Flags().GetBool("fake-gateway")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: Postgres when configured, in-process maps otherwise.
	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer manager.Close()

	clk := clock.New()

	var repos *persistence.Repository
	var led ledger.Ledger
	if manager.IsEnabled() {
		if err := postgres.EnsureSchema(ctx, manager.DB()); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
		repos = manager.Repository()
		led = ledger.NewPostgres(manager.DB(), cfg.Database.QueryTimeout, clk)
		log.Info().Msg("serve: postgres persistence enabled")
	} else {
		repos = memory.NewRepository()
		led = ledger.NewMemory(repos.Transactions, clk)
		log.Warn().Msg("serve: running on in-memory persistence, state is lost on exit")
	}

	provider := config.NewProvider(cfg.Tunables)
	hub := stream.NewHub()
	metrics := httpapi.NewMetricsRegistry()

	// Engines.
	pricingEngine := pricing.NewEngine(repos.Candles, repos.CorporateActions, provider, clk, hub)
	riskChecker := risk.NewChecker(repos.Instruments, provider)
	keeper := margin.NewKeeper(led, repos.Positions, clk)
	engine := matching.NewEngine(matching.Deps{
		Ledger:   led,
		Keeper:   keeper,
		Risk:     riskChecker,
		Orders:   repos.Orders,
		Trades:   repos.Trades,
		Market:   repos.Market,
		Users:    repos.Users,
		Provider: provider,
		Clock:    clk,
		Hub:      hub,
		Ticks:    pricingEngine,
		Marks:    pricingEngine,
	})
	monitor := margin.NewMonitor(keeper, repos.Users, engine, riskChecker, pricingEngine, hub, provider, clk)
	biomeEngine := biome.NewEngine(biome.Deps{
		Repo:     repos.Biome,
		Ledger:   led,
		Users:    repos.Users,
		Provider: provider,
		Clock:    clk,
		Hub:      hub,
	})

	// Auth. Sessions and rate-limit counters move to Redis when it is
	// configured so several API processes can share them.
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = randomSecret()
		log.Warn().Msg("serve: auth.jwt_secret not set, generated an ephemeral one; tokens will not survive a restart")
	}
	tokens := auth.NewTokens(cfg.Auth, clk)

	var sessions auth.SessionStore
	var limitStore ratelimit.Store
	if cfg.Redis.Enabled {
		sessions = auth.NewRedisStore(redisv8.NewClient(&redisv8.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		limitStore = ratelimit.NewRedisStore(redisv9.NewClient(&redisv9.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), clk)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("serve: redis sessions and rate limits enabled")
	} else {
		sessions = auth.NewMemoryStore(clk)
		limitStore = ratelimit.NewMemoryStore(clk)
	}
	authSvc := auth.NewService(auth.Deps{
		Users:    repos.Users,
		Sessions: sessions,
		Tokens:   tokens,
		Provider: provider,
		Clock:    clk,
		Audit:    repos.Audit,
	})
	limiter := ratelimit.NewLimiter(provider, limitStore)
	defer limiter.Close()

	// Wallet and the payment gateway bridge.
	var gateway payment.Gateway
	if forceFake || cfg.Gateway.BaseURL == "" {
		gateway = payment.NewFakeGateway()
		log.Warn().Msg("serve: using fake payment gateway, top-ups auto-approve")
	} else {
		gateway = payment.NewHTTPGateway(cfg.Gateway)
		log.Info().Str("gateway", cfg.Gateway.Name).Msg("serve: payment gateway client ready")
	}
	wallet := payment.NewService(payment.Deps{
		Gateway:      gateway,
		Transactions: repos.Transactions,
		Ledger:       led,
		Users:        repos.Users,
		Provider:     provider,
		Clock:        clk,
	})

	// Recovery before traffic: positions, open books, biome pools.
	if err := keeper.Load(ctx); err != nil {
		return fmt.Errorf("margin recovery failed: %w", err)
	}
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("order book recovery failed: %w", err)
	}
	if err := biomeEngine.Load(ctx); err != nil {
		return fmt.Errorf("biome market recovery failed: %w", err)
	}

	h := handlers.New(handlers.Deps{
		Auth:     authSvc,
		Wallet:   wallet,
		Engine:   engine,
		Biome:    biomeEngine,
		Pricing:  pricingEngine,
		Risk:     riskChecker,
		Keeper:   keeper,
		Repos:    repos,
		Provider: provider,
		Health:   manager.Health(),
		Metrics:  metrics,
	})
	server := httpapi.NewServer(httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, httpapi.Deps{
		Handlers: h,
		Auth:     authSvc,
		Limiter:  limiter,
		Hub:      hub,
		Metrics:  metrics,
	})

	// Background loops.
	go engine.Run(ctx)
	go pricingEngine.Run(ctx)
	go func() {
		if err := biomeEngine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("serve: biome loop exited")
		}
	}()
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("serve: margin monitor exited")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("serve: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("serve: shutdown did not drain cleanly")
	}
	return nil
}

// loadConfig reads the YAML file, or falls back to defaults when the
// default path does not exist so a fresh checkout runs out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
		cfg := config.DefaultConfig()
		return &cfg, nil
	}
	return config.Load(path)
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
