// Package biome runs the seven-market share economy. Prices are not
// quoted by participants: each market's share price is its cash divided
// by its issued shares, and a periodic redistribution cycle moves a
// slice of the total cash between markets in proportion to the
// attention users paid them since the previous cycle.
//
// The engine owns the market rows, the holdings and the attention
// scores. One mutex guards the market vector and the attention map; a
// striped per-user lock serializes each user's trades so holding
// read-modify-writes never race themselves.
package biome

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/persistence"
)

// userStripes sizes the per-user lock table.
const userStripes = 64

// allChannel carries the full market vector after every cycle.
const allChannel = "biome_market_all"

// eventMarketUpdate names every biome market stream event.
const eventMarketUpdate = "biome_market_update"

// Publisher pushes market events to stream subscribers; the hub
// implements it.
type Publisher interface {
	Publish(channel, eventType string, data interface{})
}

// Deps wires the engine's collaborators. Users and Hub may be nil.
type Deps struct {
	Repo     persistence.BiomeRepo
	Ledger   ledger.Ledger
	Users    persistence.UsersRepo
	Provider *config.Provider
	Clock    clock.Clock
	Hub      Publisher
}

// Engine is the biome share market core.
type Engine struct {
	repo     persistence.BiomeRepo
	ledger   ledger.Ledger
	users    persistence.UsersRepo
	provider *config.Provider
	clock    clock.Clock
	hub      Publisher

	mu      sync.Mutex
	markets map[domain.Biome]*domain.BiomeMarket
	scores  map[string]*domain.Attention

	userMu [userStripes]sync.Mutex
}

// NewEngine builds an engine around its dependencies.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Engine{
		repo:     d.Repo,
		ledger:   d.Ledger,
		users:    d.Users,
		provider: d.Provider,
		clock:    d.Clock,
		hub:      d.Hub,
		markets:  make(map[domain.Biome]*domain.BiomeMarket),
		scores:   make(map[string]*domain.Attention),
	}
}

// Load restores market and attention state from the store, seeding any
// biome that has no row yet with the configured initial cash and share
// count. Market attention is recomputed from the user rows so the two
// never disagree after a restart.
func (e *Engine) Load(ctx context.Context) error {
	snap := e.provider.Snapshot()
	ms, err := e.repo.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load biome markets: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range ms {
		m := ms[i]
		e.markets[m.Biome] = &m
	}

	now := e.clock.Now().UTC()
	seeded := 0
	for _, b := range domain.Biomes() {
		if _, ok := e.markets[b]; ok {
			continue
		}
		m := &domain.BiomeMarket{
			Biome:              b,
			Cash:               snap.BiomeInitialCash,
			TotalShares:        snap.BiomeInitialShares,
			LastRedistribution: now,
			UpdatedAt:          now,
		}
		if err := e.repo.UpsertMarket(ctx, m); err != nil {
			return fmt.Errorf("failed to seed biome market %s: %w", b, err)
		}
		e.markets[b] = m
		seeded++
	}

	atts, err := e.repo.ListAttention(ctx)
	if err != nil {
		return fmt.Errorf("failed to load attention scores: %w", err)
	}
	for _, m := range e.markets {
		m.Attention = 0
	}
	e.scores = make(map[string]*domain.Attention, len(atts))
	for i := range atts {
		a := atts[i]
		e.scores[attKey(a.UserID, a.Biome)] = &a
		if m := e.markets[a.Biome]; m != nil {
			m.Attention += a.Score
		}
	}

	log.Info().Int("seeded", seeded).Int("attention_rows", len(atts)).
		Msg("biome: markets loaded")
	return nil
}

// Run drives the redistribution cycle until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.provider.Snapshot().RedistributionInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("biome: redistribution started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("biome: redistribution stopped")
			return nil
		case <-ticker.C:
			if err := e.Redistribute(ctx); err != nil {
				log.Error().Err(err).Msg("biome: redistribution cycle failed")
			}
		}
	}
}

// Markets returns the live market vector in canonical order.
func (e *Engine) Markets() []domain.BiomeMarket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marketsLocked()
}

// Market returns one live market.
func (e *Engine) Market(b domain.Biome) (domain.BiomeMarket, error) {
	if !domain.ValidBiome(b) {
		return domain.BiomeMarket{}, fmt.Errorf("unknown biome %q: %w", b, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[b]
	if !ok {
		return domain.BiomeMarket{}, fmt.Errorf("biome market %s not loaded: %w", b, domain.ErrNotFound)
	}
	return *m, nil
}

// HoldingView is a holding joined with the market's live price.
type HoldingView struct {
	domain.Holding
	Price      decimal.Decimal `json:"price"`
	Value      int64           `json:"value_bdt"`
	Unrealized int64           `json:"unrealized_pnl_bdt"`
}

// Portfolio returns a user's holdings valued at current prices.
func (e *Engine) Portfolio(ctx context.Context, userID string) ([]HoldingView, error) {
	hs, err := e.repo.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HoldingView, 0, len(hs))
	for _, h := range hs {
		v := HoldingView{Holding: h}
		if m := e.markets[h.Biome]; m != nil {
			v.Price = m.Price()
			v.Value = domain.FloorMoney(h.Shares.Mul(v.Price))
			v.Unrealized = v.Value - h.Invested
		}
		out = append(out, v)
	}
	return out, nil
}

// Holders returns the largest positions in one biome.
func (e *Engine) Holders(ctx context.Context, b domain.Biome, limit int) ([]domain.Holding, error) {
	if !domain.ValidBiome(b) {
		return nil, fmt.Errorf("unknown biome %q: %w", b, domain.ErrNotFound)
	}
	return e.repo.ListHolders(ctx, b, limit)
}

// History returns price-history samples for one biome, oldest first.
func (e *Engine) History(ctx context.Context, b domain.Biome, tr persistence.TimeRange, limit int) ([]domain.PricePoint, error) {
	if !domain.ValidBiome(b) {
		return nil, fmt.Errorf("unknown biome %q: %w", b, domain.ErrNotFound)
	}
	return e.repo.ListPriceHistory(ctx, b, tr, limit)
}

// marketsLocked snapshots the vector in canonical order.
func (e *Engine) marketsLocked() []domain.BiomeMarket {
	out := make([]domain.BiomeMarket, 0, len(e.markets))
	for _, b := range domain.Biomes() {
		if m := e.markets[b]; m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// stripe returns the lock serializing one user's trades.
func (e *Engine) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &e.userMu[h.Sum32()%userStripes]
}

func attKey(userID string, b domain.Biome) string {
	return userID + "\x00" + string(b)
}

func (e *Engine) publish(channel string, data interface{}) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(channel, eventMarketUpdate, data)
}

// publishMarket announces one market's new state on its room and the
// aggregate room.
func (e *Engine) publishMarket(m domain.BiomeMarket) {
	e.publish("biome_market:"+string(m.Biome), m)
	e.publish(allChannel, m)
}

// publishAllLocked announces the whole vector after a redistribution.
func (e *Engine) publishAllLocked() {
	ms := e.marketsLocked()
	e.publish(allChannel, ms)
	for _, m := range ms {
		e.publish("biome_market:"+string(m.Biome), m)
	}
}
