// Package http is the REST and websocket boundary of the venue. Routing,
// middleware and transport live here; the endpoints themselves are in the
// handlers subpackage.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/biomex/biomex/internal/auth"
	"github.com/biomex/biomex/internal/interfaces/http/handlers"
	"github.com/biomex/biomex/internal/ratelimit"
	"github.com/biomex/biomex/internal/stream"
)

// Config holds the server's listen and timeout settings.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns a local-only development configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Deps wires the server's collaborators. Metrics and Hub may be nil.
type Deps struct {
	Handlers *handlers.Handlers
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Hub      *stream.Hub
	Metrics  *MetricsRegistry
}

// Server is the HTTP and websocket front end.
type Server struct {
	config   Config
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	hub      *stream.Hub
	metrics  *MetricsRegistry
}

// NewServer builds the router and wires every route.
func NewServer(config Config, d Deps) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		config:   config,
		router:   mux.NewRouter(),
		handlers: d.Handlers,
		auth:     d.Auth,
		limiter:  d.Limiter,
		hub:      d.Hub,
		metrics:  d.Metrics,
	}
	if s.hub != nil && s.metrics != nil {
		s.hub.SetDropHook(func(channel string) {
			s.metrics.StreamDropped.WithLabelValues(channel).Inc()
		})
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	// Operational surface: no auth, no timeout wrapper so metrics
	// scrapes and websocket upgrades are not cut short.
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	// Public auth surface.
	authRoutes := api.PathPrefix("/auth").Subrouter()
	authRoutes.Use(s.rateLimitMiddleware("auth"))
	authRoutes.HandleFunc("/register", s.handlers.Register).Methods("POST")
	authRoutes.HandleFunc("/login", s.handlers.Login).Methods("POST")
	authRoutes.HandleFunc("/refresh", s.handlers.Refresh).Methods("POST")

	// Authenticated auth surface.
	session := api.PathPrefix("/auth").Subrouter()
	session.Use(s.authMiddleware, s.rateLimitMiddleware("auth"))
	session.HandleFunc("/logout", s.handlers.Logout).Methods("POST")
	session.HandleFunc("/me", s.handlers.Me).Methods("GET")

	// Public market data.
	md := api.PathPrefix("").Subrouter()
	md.Use(s.rateLimitMiddleware("market_data"))
	md.HandleFunc("/instruments", s.handlers.ListInstruments).Methods("GET")
	md.HandleFunc("/instruments/{id}", s.handlers.GetInstrument).Methods("GET")
	md.HandleFunc("/market/status", s.handlers.MarketStatus).Methods("GET")
	md.HandleFunc("/marketdata/quotes/{instrument_id}", s.handlers.Quotes).Methods("GET")
	md.HandleFunc("/marketdata/depth/{instrument_id}", s.handlers.Depth).Methods("GET")
	md.HandleFunc("/marketdata/candles/{instrument_id}", s.handlers.Candles).Methods("GET")
	md.HandleFunc("/trades", s.handlers.ListTrades).Methods("GET").Queries("instrument_id", "{instrument_id}")
	md.HandleFunc("/biome-market/markets", s.handlers.BiomeMarkets).Methods("GET")
	md.HandleFunc("/biome-market/markets/{biome}", s.handlers.BiomeMarket).Methods("GET")
	md.HandleFunc("/biome-market/markets/{biome}/history", s.handlers.BiomeHistory).Methods("GET")

	// Admin venue controls.
	admin := api.PathPrefix("").Subrouter()
	admin.Use(s.authMiddleware, s.adminMiddleware, s.rateLimitMiddleware("default"))
	admin.HandleFunc("/instruments", s.handlers.CreateInstrument).Methods("POST")
	admin.HandleFunc("/instruments/{id}", s.handlers.UpdateInstrument).Methods("PATCH")
	admin.HandleFunc("/instruments/{id}", s.handlers.DeleteInstrument).Methods("DELETE")
	admin.HandleFunc("/market/status", s.handlers.SetMarketStatus).Methods("POST")
	admin.HandleFunc("/marketdata/quotes/{instrument_id}", s.handlers.PutQuote).Methods("POST")

	// Trading.
	orders := api.PathPrefix("").Subrouter()
	orders.Use(s.authMiddleware, s.rateLimitMiddleware("orders"))
	orders.HandleFunc("/orders", s.handlers.PlaceOrder).Methods("POST")
	orders.HandleFunc("/orders", s.handlers.ListOrders).Methods("GET")
	orders.HandleFunc("/orders/{id}", s.handlers.GetOrder).Methods("GET")
	orders.HandleFunc("/orders/{id}", s.handlers.CancelOrder).Methods("DELETE")
	orders.HandleFunc("/trades", s.handlers.ListTrades).Methods("GET")
	orders.HandleFunc("/margin", s.handlers.Margin).Methods("GET")

	// Biome share market.
	biomeRoutes := api.PathPrefix("/biome-market").Subrouter()
	biomeRoutes.Use(s.authMiddleware, s.rateLimitMiddleware("biome"))
	biomeRoutes.HandleFunc("/buy", s.handlers.BiomeBuy).Methods("POST")
	biomeRoutes.HandleFunc("/sell", s.handlers.BiomeSell).Methods("POST")
	biomeRoutes.HandleFunc("/portfolio", s.handlers.BiomePortfolio).Methods("GET")
	biomeRoutes.HandleFunc("/transactions", s.handlers.BiomeTransactions).Methods("GET")
	biomeRoutes.HandleFunc("/track-attention", s.handlers.TrackAttention).Methods("POST")

	// Wallet.
	wallet := api.PathPrefix("/wallet").Subrouter()
	wallet.Use(s.authMiddleware, s.rateLimitMiddleware("wallet"))
	wallet.HandleFunc("/topup", s.handlers.InitiateTopup).Methods("POST")
	wallet.HandleFunc("", s.handlers.Wallet).Methods("GET")

	// Gateway callback: authenticated by the gateway's reference, not a
	// user token; the webhook shim upstream verifies the signature.
	callback := api.PathPrefix("/wallet").Subrouter()
	callback.Use(s.rateLimitMiddleware("wallet"))
	callback.HandleFunc("/topup/confirm", s.handlers.ConfirmTopup).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Start blocks serving requests until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http: server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http: server shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
