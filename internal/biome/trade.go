package biome

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
)

// Buy spends amount BDT on biome shares at the current price. The trade
// fee comes on top of the amount and lands in platform revenue; the
// amount itself becomes market cash, with matching shares issued so the
// buy never moves the price. Returns the journalled transaction.
func (e *Engine) Buy(ctx context.Context, userID string, b domain.Biome, amount int64) (*domain.Transaction, error) {
	snap := e.provider.Snapshot()
	if snap.BiomeTradingPaused {
		return nil, domain.ErrBiomeTradingPaused
	}
	if !domain.ValidBiome(b) {
		return nil, domain.NewValidationError("biome", "unknown biome")
	}
	if amount <= 0 {
		return nil, domain.NewValidationError("amount_bdt", "must be positive")
	}
	if err := e.checkAccount(ctx, userID); err != nil {
		return nil, err
	}

	lock := e.stripe(userID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	m, ok := e.markets[b]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("biome market %s not loaded: %w", b, domain.ErrNotFound)
	}
	tradeCap := domain.PercentOf(m.Cash, snap.MaxTransactionPercent/100)
	price := m.Price()
	e.mu.Unlock()

	if amount > tradeCap {
		return nil, domain.NewValidationError("amount_bdt",
			fmt.Sprintf("exceeds per-trade cap of %d", tradeCap))
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("biome market %s is drained: %w", b, domain.ErrConflict)
	}

	shares := decimal.NewFromInt(amount).Div(price)
	fee := domain.PercentOf(amount, snap.BiomeTradeFeePercent/100)
	now := e.clock.Now().UTC()

	journal := []domain.Transaction{{
		Type:          domain.TxBiomeBuy,
		BuyerID:       userID,
		Biome:         b,
		Amount:        amount,
		PlatformFee:   fee,
		Shares:        shares,
		PricePerShare: price,
	}}
	err := e.ledger.Settle(ctx, ledger.Settlement{
		Debits:   []ledger.Leg{{UserID: userID, Amount: amount + fee}},
		Platform: fee,
		Journal:  journal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to settle biome buy: %w", err)
	}

	if err := e.addShares(ctx, userID, b, shares, amount, now); err != nil {
		// The user paid but holds nothing; put the money back.
		rerr := e.ledger.Settle(ctx, ledger.Settlement{
			Credits:  []ledger.Leg{{UserID: userID, Amount: amount + fee}},
			Platform: -fee,
			Journal: []domain.Transaction{{
				Type:          domain.TxBiomeBuy,
				Status:        domain.TxRefunded,
				BuyerID:       userID,
				Biome:         b,
				Amount:        amount,
				PlatformFee:   fee,
				Shares:        shares,
				PricePerShare: price,
				Note:          "reversal: holding write failed",
			}},
		})
		if rerr != nil {
			log.Error().Err(rerr).Str("user_id", userID).Str("biome", string(b)).
				Int64("amount", amount+fee).Msg("biome: buy reversal failed")
		}
		return nil, fmt.Errorf("failed to register biome shares: %w", err)
	}

	// New shares issue at the traded price, so the buy itself is
	// price-neutral; only the redistribution cycle moves prices.
	mint := shares.RoundBank(0).IntPart()
	e.mu.Lock()
	m.Cash += amount
	m.TotalShares += mint
	m.UpdatedAt = now
	snapshot := *m
	e.mu.Unlock()

	if err := e.repo.UpsertMarket(ctx, &snapshot); err != nil {
		log.Error().Err(err).Str("biome", string(b)).Msg("biome: market row not persisted")
	}
	e.publishMarket(snapshot)
	return &journal[0], nil
}

// Sell converts shares back to BDT at the current price. The gross
// leaves market cash; the user is credited gross minus the trade fee.
func (e *Engine) Sell(ctx context.Context, userID string, b domain.Biome, shares decimal.Decimal) (*domain.Transaction, error) {
	snap := e.provider.Snapshot()
	if snap.BiomeTradingPaused {
		return nil, domain.ErrBiomeTradingPaused
	}
	if !domain.ValidBiome(b) {
		return nil, domain.NewValidationError("biome", "unknown biome")
	}
	if !shares.IsPositive() {
		return nil, domain.NewValidationError("shares", "must be positive")
	}
	if err := e.checkAccount(ctx, userID); err != nil {
		return nil, err
	}

	lock := e.stripe(userID)
	lock.Lock()
	defer lock.Unlock()

	h, err := e.repo.GetHolding(ctx, userID, b)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load holding: %w", err)
	}
	if h == nil || h.Shares.LessThan(shares) {
		return nil, fmt.Errorf("insufficient shares in %s: %w", b, domain.ErrInsufficientFunds)
	}
	orig := *h
	now := e.clock.Now().UTC()

	// Price, gross and the cash debit stay under one lock so concurrent
	// sells can never take more cash than the market holds.
	e.mu.Lock()
	m, ok := e.markets[b]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("biome market %s not loaded: %w", b, domain.ErrNotFound)
	}
	price := m.Price()
	gross := domain.FloorMoney(shares.Mul(price))
	if gross > m.Cash {
		e.mu.Unlock()
		return nil, fmt.Errorf("market cash %d cannot cover %d: %w", m.Cash, gross, domain.ErrConflict)
	}
	// The sold shares retire at the traded price, mirroring the issue on
	// buy; the sale leaves the price where it was.
	burn := shares.RoundBank(0).IntPart()
	if burn >= m.TotalShares {
		burn = m.TotalShares - 1
	}
	m.Cash -= gross
	m.TotalShares -= burn
	m.UpdatedAt = now
	snapshot := *m
	e.mu.Unlock()

	restoreMarket := func() {
		e.mu.Lock()
		m.Cash += gross
		m.TotalShares += burn
		m.UpdatedAt = e.clock.Now().UTC()
		e.mu.Unlock()
	}

	fee := domain.PercentOf(gross, snap.BiomeTradeFeePercent/100)
	net := gross - fee
	pnl := domain.MoneyFromDecimal(price.Sub(orig.AvgPrice()).Mul(shares))

	// The average entry price survives a partial sale; invested shrinks
	// in proportion to the shares leaving.
	remaining := h.Shares.Sub(shares)
	if remaining.IsZero() {
		h.Invested = 0
	} else {
		h.Invested = domain.MoneyFromDecimal(
			decimal.NewFromInt(h.Invested).Mul(remaining).Div(h.Shares))
	}
	h.Shares = remaining
	h.UpdatedAt = now
	if err := e.repo.UpsertHolding(ctx, h); err != nil {
		restoreMarket()
		return nil, fmt.Errorf("failed to update holding: %w", err)
	}

	journal := []domain.Transaction{{
		Type:          domain.TxBiomeSell,
		SellerID:      userID,
		Biome:         b,
		Amount:        gross,
		PlatformFee:   fee,
		Shares:        shares,
		PricePerShare: price,
		Note:          fmt.Sprintf("realized pnl %d", pnl),
	}}
	s := ledger.Settlement{Platform: fee, Journal: journal}
	if net > 0 {
		s.Credits = []ledger.Leg{{UserID: userID, Amount: net}}
	}
	if err := e.ledger.Settle(ctx, s); err != nil {
		if rerr := e.repo.UpsertHolding(ctx, &orig); rerr != nil {
			log.Error().Err(rerr).Str("user_id", userID).Str("biome", string(b)).
				Msg("biome: holding restore failed")
		}
		restoreMarket()
		return nil, fmt.Errorf("failed to settle biome sell: %w", err)
	}

	if err := e.repo.UpsertMarket(ctx, &snapshot); err != nil {
		log.Error().Err(err).Str("biome", string(b)).Msg("biome: market row not persisted")
	}
	e.publishMarket(snapshot)
	return &journal[0], nil
}

// Track adds attention to a (user, biome) pair and to the market's
// accumulated score. With a decay factor below 1 the accumulated score
// ages before the new one lands, so earlier activity in a cycle counts
// for less; at the default factor of 1 tracks sum as-is.
func (e *Engine) Track(ctx context.Context, userID string, b domain.Biome, score float64) error {
	if !domain.ValidBiome(b) {
		return domain.NewValidationError("biome", "unknown biome")
	}
	if score <= 0 || math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.NewValidationError("attention_score", "must be a positive number")
	}

	snap := e.provider.Snapshot()
	now := e.clock.Now().UTC()

	e.mu.Lock()
	m, ok := e.markets[b]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("biome market %s not loaded: %w", b, domain.ErrNotFound)
	}
	key := attKey(userID, b)
	a, ok := e.scores[key]
	if !ok {
		a = &domain.Attention{UserID: userID, Biome: b}
		e.scores[key] = a
	}
	if a.Score > 0 && !a.LastActivity.IsZero() {
		decayed := decayScore(a.Score, now.Sub(a.LastActivity),
			snap.RedistributionInterval, snap.AttentionDecayFactor)
		m.Attention += decayed - a.Score
		a.Score = decayed
	}
	a.Score += score
	a.LastActivity = now
	m.Attention += score
	row := *a
	e.mu.Unlock()

	if err := e.repo.UpsertAttention(ctx, &row); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("biome", string(b)).
			Msg("biome: attention row not persisted")
	}
	return nil
}

// decayScore halves nothing and loses nothing at factor 1; below 1 it
// shrinks a score exponentially in units of the redistribution interval.
func decayScore(score float64, elapsed, interval time.Duration, factor float64) float64 {
	if factor <= 0 || factor >= 1 || interval <= 0 || elapsed <= 0 {
		return score
	}
	return score * math.Pow(factor, elapsed.Seconds()/interval.Seconds())
}

// checkAccount blocks suspended accounts from trading when a user store
// is wired.
func (e *Engine) checkAccount(ctx context.Context, userID string) error {
	if e.users == nil {
		return nil
	}
	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if u.Suspended {
		return fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
	}
	return nil
}

// addShares folds a purchase into the user's holding.
func (e *Engine) addShares(ctx context.Context, userID string, b domain.Biome, shares decimal.Decimal, amount int64, now time.Time) error {
	h, err := e.repo.GetHolding(ctx, userID, b)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to load holding: %w", err)
	}
	if h == nil {
		h = &domain.Holding{UserID: userID, Biome: b, Shares: decimal.Zero}
	}
	h.Shares = h.Shares.Add(shares)
	h.Invested += amount
	h.UpdatedAt = now
	if err := e.repo.UpsertHolding(ctx, h); err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}
