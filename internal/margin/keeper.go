// Package margin tracks leveraged exposure: positions netted per
// (account, instrument), the equity and margin-level arithmetic over
// them, and the monitor that walks accounts into margin call and
// liquidation.
//
// Margin collateral is not a ledger account. Opening debits
// notional/leverage out of the balance and records it on the position;
// closing credits it back plus or minus the realized result, with the
// platform account absorbing the other side.
package margin

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/persistence"
)

// MarkFunc resolves the current mark price for an instrument. A false
// return means no price is available; the position then values at entry.
type MarkFunc func(ctx context.Context, instrumentID string) (decimal.Decimal, bool)

// Account is one account's margin snapshot at a set of mark prices.
type Account struct {
	UserID        string         `json:"user_id"`
	Balance       int64          `json:"balance"`
	Equity        int64          `json:"equity"`
	UsedMargin    int64          `json:"used_margin"`
	FreeMargin    int64          `json:"free_margin"`
	MarginLevel   float64        `json:"margin_level"`
	UnrealizedPnL int64          `json:"unrealized_pnl"`
	Positions     []PositionView `json:"positions"`
}

// PositionView decorates a position with its mark-price valuation.
type PositionView struct {
	domain.Position
	Mark          decimal.Decimal `json:"mark_price"`
	UnrealizedPnL int64           `json:"unrealized_pnl"`
}

// Keeper nets leveraged fills into positions and owns the margin money
// motion around them. It is safe for concurrent use; state is held in
// memory with a write-behind positions repo for recovery.
type Keeper struct {
	mu        sync.RWMutex
	positions map[string]map[string]*domain.Position

	ledger ledger.Ledger
	repo   persistence.PositionsRepo
	clock  clock.Clock
}

// NewKeeper creates a keeper. repo may be nil; positions then live only
// in process.
func NewKeeper(led ledger.Ledger, repo persistence.PositionsRepo, clk clock.Clock) *Keeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Keeper{
		positions: make(map[string]map[string]*domain.Position),
		ledger:    led,
		repo:      repo,
		clock:     clk,
	}
}

// Load primes the keeper from persisted open positions at startup.
func (k *Keeper) Load(ctx context.Context) error {
	if k.repo == nil {
		return nil
	}
	open, err := k.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range open {
		p := open[i]
		if k.positions[p.UserID] == nil {
			k.positions[p.UserID] = make(map[string]*domain.Position)
		}
		k.positions[p.UserID][p.InstrumentID] = &p
	}
	return nil
}

// marginFor is the collateral requirement, rounded up so it always
// covers the notional.
func marginFor(notional int64, leverage int) int64 {
	if leverage <= 1 {
		return notional
	}
	lev := int64(leverage)
	return (notional + lev - 1) / lev
}

// ApplyFill folds one leveraged fill into the account's position on the
// instrument. A fill in the position's direction extends it, debiting
// additional margin; an opposing fill closes quantity first, settling
// margin and realized PnL back to the balance, and opens the flip side
// with any excess. Returns the realized PnL in BDT minor units.
func (k *Keeper) ApplyFill(ctx context.Context, userID string, ins *domain.Instrument, side domain.Side, price, qty decimal.Decimal, leverage int) (int64, error) {
	dir := domain.PositionLong
	if side == domain.SideSell {
		dir = domain.PositionShort
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	pos := k.positionLocked(userID, ins.ID)
	if pos == nil || pos.Side == dir {
		return 0, k.extendLocked(ctx, userID, ins, dir, price, qty, leverage)
	}
	return k.reduceLocked(ctx, userID, ins, pos, dir, price, qty, leverage)
}

func (k *Keeper) positionLocked(userID, instrumentID string) *domain.Position {
	return k.positions[userID][instrumentID]
}

func (k *Keeper) extendLocked(ctx context.Context, userID string, ins *domain.Instrument, dir domain.PositionSide, price, qty decimal.Decimal, leverage int) error {
	notional := domain.MoneyFromDecimal(price.Mul(qty))
	add := marginFor(notional, leverage)

	err := k.ledger.Settle(ctx, ledger.Settlement{
		Debits: []ledger.Leg{{UserID: userID, Amount: add}},
		Journal: []domain.Transaction{{
			Type:         domain.TxOrderReserve,
			BuyerID:      userID,
			InstrumentID: ins.ID,
			Amount:       add,
			Note:         fmt.Sprintf("margin for %s %s %s @ %s %dx", dir, qty, ins.Symbol, price, leverage),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to reserve margin: %w", err)
	}

	now := k.clock.Now().UTC()
	pos := k.positionLocked(userID, ins.ID)
	if pos == nil {
		pos = &domain.Position{
			ID:           uuid.NewString(),
			UserID:       userID,
			InstrumentID: ins.ID,
			Side:         dir,
			Quantity:     qty,
			EntryPrice:   price,
			Leverage:     leverage,
			MarginUsed:   add,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		if k.positions[userID] == nil {
			k.positions[userID] = make(map[string]*domain.Position)
		}
		k.positions[userID][ins.ID] = pos
	} else {
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(qty)).Div(total)
		pos.Quantity = total
		pos.Leverage = leverage
		pos.MarginUsed += add
		pos.UpdatedAt = now
	}
	k.persistLocked(ctx, pos)
	return nil
}

func (k *Keeper) reduceLocked(ctx context.Context, userID string, ins *domain.Instrument, pos *domain.Position, dir domain.PositionSide, price, qty decimal.Decimal, leverage int) (int64, error) {
	closeQty := decimal.Min(qty, pos.Quantity)
	full := closeQty.Equal(pos.Quantity)

	var diff decimal.Decimal
	if pos.Side == domain.PositionLong {
		diff = price.Sub(pos.EntryPrice)
	} else {
		diff = pos.EntryPrice.Sub(price)
	}
	gross := domain.MoneyFromDecimal(diff.Mul(closeQty))

	swapShare := pos.SwapAccrued
	marginShare := pos.MarginUsed
	if !full {
		frac := closeQty.Div(pos.Quantity)
		swapShare = domain.FloorMoney(decimal.NewFromInt(pos.SwapAccrued).Mul(frac))
		marginShare = domain.FloorMoney(decimal.NewFromInt(pos.MarginUsed).Mul(frac))
	}
	realized := gross - swapShare

	// The account gets its collateral share back adjusted by the result;
	// the platform side absorbs the mirror. A loss past the collateral
	// pays out nothing (the gap stays with the platform).
	payout := marginShare + realized
	if payout < 0 {
		payout = 0
	}
	s := ledger.Settlement{
		Platform: marginShare - payout,
		Journal: []domain.Transaction{{
			Type:         domain.TxRealizedPnL,
			BuyerID:      userID,
			InstrumentID: ins.ID,
			Amount:       payout,
			Note:         fmt.Sprintf("close %s of %s %s @ %s, pnl %+d", closeQty, pos.Side, ins.Symbol, price, realized),
		}},
	}
	if payout > 0 {
		s.Credits = []ledger.Leg{{UserID: userID, Amount: payout}}
	}
	if err := k.ledger.Settle(ctx, s); err != nil {
		return 0, fmt.Errorf("failed to settle position close: %w", err)
	}

	now := k.clock.Now().UTC()
	if full {
		delete(k.positions[userID], ins.ID)
		if k.repo != nil {
			if err := k.repo.Delete(ctx, userID, ins.ID); err != nil {
				log.Warn().Err(err).Str("user", userID).Str("instrument", ins.ID).
					Msg("margin: position delete not persisted")
			}
		}
	} else {
		pos.Quantity = pos.Quantity.Sub(closeQty)
		pos.MarginUsed -= marginShare
		pos.SwapAccrued -= swapShare
		pos.UpdatedAt = now
		k.persistLocked(ctx, pos)
	}

	// Excess quantity flips the position.
	if rem := qty.Sub(closeQty); rem.IsPositive() {
		if err := k.extendLocked(ctx, userID, ins, dir, price, rem, leverage); err != nil {
			return realized, err
		}
	}
	return realized, nil
}

func (k *Keeper) persistLocked(ctx context.Context, pos *domain.Position) {
	if k.repo == nil {
		return
	}
	cp := *pos
	if err := k.repo.Upsert(ctx, &cp); err != nil {
		log.Warn().Err(err).Str("user", pos.UserID).Str("instrument", pos.InstrumentID).
			Msg("margin: position not persisted")
	}
}

// AccrueSwap books overnight financing onto an open position. The charge
// settles against the payout when the position closes.
func (k *Keeper) AccrueSwap(ctx context.Context, userID, instrumentID string, amount int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	pos := k.positionLocked(userID, instrumentID)
	if pos == nil {
		return fmt.Errorf("no open position for %s on %s: %w", userID, instrumentID, domain.ErrNotFound)
	}
	pos.SwapAccrued += amount
	pos.UpdatedAt = k.clock.Now().UTC()
	k.persistLocked(ctx, pos)
	return nil
}

// Position returns a copy of the account's position on an instrument.
func (k *Keeper) Position(userID, instrumentID string) (domain.Position, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pos := k.positionLocked(userID, instrumentID)
	if pos == nil {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of the account's open positions.
func (k *Keeper) Positions(userID string) []domain.Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]domain.Position, 0, len(k.positions[userID]))
	for _, pos := range k.positions[userID] {
		out = append(out, *pos)
	}
	return out
}

// ActiveUsers lists accounts that currently hold positions.
func (k *Keeper) ActiveUsers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.positions))
	for id, m := range k.positions {
		if len(m) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Account computes the margin snapshot: equity is balance plus
// unrealized PnL at marks, free margin is equity minus used margin, and
// margin level is equity over used margin in percent (zero when nothing
// is on margin).
func (k *Keeper) Account(ctx context.Context, userID string, marks MarkFunc) (Account, error) {
	balance, err := k.ledger.Balance(ctx, userID)
	if err != nil {
		return Account{}, fmt.Errorf("failed to read balance: %w", err)
	}

	positions := k.Positions(userID)
	acct := Account{
		UserID:    userID,
		Balance:   balance,
		Positions: make([]PositionView, 0, len(positions)),
	}
	for _, pos := range positions {
		mark := pos.EntryPrice
		if marks != nil {
			if m, ok := marks(ctx, pos.InstrumentID); ok {
				mark = m
			}
		}
		pnl := pos.UnrealizedPnL(mark)
		acct.UnrealizedPnL += pnl
		acct.UsedMargin += pos.MarginUsed
		acct.Positions = append(acct.Positions, PositionView{Position: pos, Mark: mark, UnrealizedPnL: pnl})
	}

	acct.Equity = balance + acct.UnrealizedPnL
	acct.FreeMargin = acct.Equity - acct.UsedMargin
	if acct.UsedMargin > 0 {
		acct.MarginLevel = float64(acct.Equity) / float64(acct.UsedMargin) * 100
	}
	return acct, nil
}

// CheckOpen verifies the account's free margin covers a new exposure of
// the given notional at the given leverage.
func (k *Keeper) CheckOpen(ctx context.Context, userID string, notional int64, leverage int, marks MarkFunc) error {
	acct, err := k.Account(ctx, userID, marks)
	if err != nil {
		return err
	}
	need := marginFor(notional, leverage)
	if acct.FreeMargin < need {
		return fmt.Errorf("need %d margin, free %d: %w", need, acct.FreeMargin, domain.ErrMarginInsufficient)
	}
	return nil
}

// InstrumentNotional values the account's position on one instrument at
// the given mark, for exposure checks.
func (k *Keeper) InstrumentNotional(userID, instrumentID string, mark decimal.Decimal) int64 {
	pos, ok := k.Position(userID, instrumentID)
	if !ok {
		return 0
	}
	return domain.MoneyFromDecimal(mark.Mul(pos.Quantity))
}
