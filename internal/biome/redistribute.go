package biome

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
)

// Redistribute runs one attention-weighted cash reallocation. Every
// biome surrenders its cash-weighted slice of the pool, then receives
// a grant proportional to its share of total attention; price moves are
// clamped and attention resets for the next cycle.
func (e *Engine) Redistribute(ctx context.Context) error {
	snap := e.provider.Snapshot()
	if snap.BiomePricesFrozen {
		return nil
	}
	now := e.clock.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	order := domain.Biomes()
	var tmc int64
	var ta float64
	for _, b := range order {
		m, ok := e.markets[b]
		if !ok {
			return fmt.Errorf("biome market %s not loaded: %w", b, domain.ErrNotFound)
		}
		tmc += m.Cash
		ta += m.Attention
	}
	pool := domain.PercentOf(tmc, snap.RedistributionPoolPercent/100)

	if ta == 0 || pool == 0 {
		// Idle cycle: no price move, but attention still resets so
		// stale scores cannot pile up across quiet periods.
		for _, b := range order {
			e.markets[b].LastRedistribution = now
			e.markets[b].UpdatedAt = now
		}
		e.clearAttentionLocked(ctx)
		return e.persistMarketsLocked(ctx)
	}

	proposed := make(map[domain.Biome]int64, len(order))
	var allocated int64
	for _, b := range order {
		m := e.markets[b]
		give := domain.FloorMoney(decimal.NewFromInt(pool).
			Mul(decimal.NewFromInt(m.Cash)).Div(decimal.NewFromInt(tmc)))
		grant := domain.FloorMoney(decimal.NewFromInt(pool).
			Mul(decimal.NewFromFloat(m.Attention / ta)))
		next, _ := clampCash(m.Cash, m.Cash-give+grant, m.TotalShares, snap.MaxPriceMovePercent)
		proposed[b] = next
		allocated += next
	}

	// Flooring leaves a few units unassigned; they land on the
	// highest-attention biome, spilling down the attention ranking when
	// a clamp bound blocks them. A cycle where every biome sits on its
	// clamp keeps the residual out of circulation entirely.
	if drift := tmc - allocated; drift != 0 {
		if left := e.absorbDriftLocked(proposed, drift, snap.MaxPriceMovePercent, order); left != 0 {
			log.Warn().Int64("residual", left).
				Msg("biome: price clamp saturated, cash residual unallocated")
		}
	}

	history := make([]domain.PricePoint, 0, len(order))
	for _, b := range order {
		m := e.markets[b]
		m.Cash = proposed[b]
		m.LastRedistribution = now
		m.UpdatedAt = now
		history = append(history, domain.PricePoint{
			Biome:     b,
			Price:     m.Price(),
			Cash:      m.Cash,
			Attention: m.Attention,
			At:        now,
		})
	}
	e.clearAttentionLocked(ctx)

	if err := e.persistMarketsLocked(ctx); err != nil {
		return err
	}
	if err := e.repo.InsertPricePoints(ctx, history); err != nil {
		log.Error().Err(err).Msg("biome: price history not persisted")
	}
	e.publishAllLocked()

	log.Debug().Int64("pool", pool).Float64("attention", ta).
		Msg("biome: redistribution applied")
	return nil
}

// clampCash bounds the implied price move to ±capPct of the previous
// price and back-solves the cash that lands exactly on the bound,
// rounded banker's at the last minor unit.
func clampCash(oldCash, newCash, shares int64, capPct float64) (int64, bool) {
	if shares <= 0 {
		return newCash, false
	}
	sh := decimal.NewFromInt(shares)
	oldPrice := decimal.NewFromInt(oldCash).Div(sh)
	newPrice := decimal.NewFromInt(newCash).Div(sh)
	span := oldPrice.Mul(decimal.NewFromFloat(capPct / 100))
	hi := oldPrice.Add(span)
	lo := oldPrice.Sub(span)
	if lo.IsNegative() {
		lo = decimal.Zero
	}
	switch {
	case newPrice.GreaterThan(hi):
		return domain.MoneyFromDecimal(hi.Mul(sh)), true
	case newPrice.LessThan(lo):
		return domain.MoneyFromDecimal(lo.Mul(sh)), true
	}
	return newCash, false
}

// absorbDriftLocked distributes drift across biomes in descending
// attention order (canonical order breaking ties), never pushing any
// biome past its own clamp bound. Returns whatever could not be placed.
func (e *Engine) absorbDriftLocked(proposed map[domain.Biome]int64, drift int64, capPct float64, order []domain.Biome) int64 {
	ranked := make([]domain.Biome, len(order))
	copy(ranked, order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return e.markets[ranked[i]].Attention > e.markets[ranked[j]].Attention
	})
	for _, b := range ranked {
		if drift == 0 {
			break
		}
		m := e.markets[b]
		target := proposed[b] + drift
		next, _ := clampCash(m.Cash, target, m.TotalShares, capPct)
		drift = target - next
		proposed[b] = next
	}
	return drift
}

func (e *Engine) clearAttentionLocked(ctx context.Context) {
	for _, m := range e.markets {
		m.Attention = 0
	}
	e.scores = make(map[string]*domain.Attention)
	if err := e.repo.ClearAttention(ctx); err != nil {
		log.Error().Err(err).Msg("biome: attention rows not cleared")
	}
}

func (e *Engine) persistMarketsLocked(ctx context.Context) error {
	if err := e.repo.ReplaceMarkets(ctx, e.marketsLocked()); err != nil {
		return fmt.Errorf("failed to persist biome markets: %w", err)
	}
	return nil
}
