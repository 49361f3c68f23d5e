package margin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/persistence"
)

const monitorWorkers = 8

// Trader is the slice of the matching engine the monitor drives during
// liquidation.
type Trader interface {
	// CancelAllOrders cancels every working order the user has, refunding
	// reservations, and reports how many were cancelled.
	CancelAllOrders(ctx context.Context, userID string) (int, error)

	// ClosePosition force-closes a position with a market order on the
	// opposite side.
	ClosePosition(ctx context.Context, pos domain.Position) error
}

// InstrumentSource resolves instruments for mark lookups.
type InstrumentSource interface {
	Instrument(ctx context.Context, id string) (*domain.Instrument, error)
}

// MarkSource produces current mark prices.
type MarkSource interface {
	Mark(ins *domain.Instrument) (decimal.Decimal, bool)
}

// Publisher pushes margin state changes to the account's private stream.
type Publisher interface {
	Publish(channel, eventType string, data interface{})
}

// Monitor sweeps margined accounts on an interval, moving them between
// NORMAL, MARGIN_CALL and LIQUIDATING as their margin level crosses the
// configured thresholds, and force-closing positions when it must.
type Monitor struct {
	keeper      *Keeper
	users       persistence.UsersRepo
	trader      Trader
	instruments InstrumentSource
	marks       MarkSource
	publisher   Publisher
	provider    *config.Provider
	clock       clock.Clock

	mu     sync.Mutex
	states map[string]domain.MarginState
}

// NewMonitor wires a monitor. publisher may be nil.
func NewMonitor(keeper *Keeper, users persistence.UsersRepo, trader Trader, instruments InstrumentSource, marks MarkSource, publisher Publisher, provider *config.Provider, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		keeper:      keeper,
		users:       users,
		trader:      trader,
		instruments: instruments,
		marks:       marks,
		publisher:   publisher,
		provider:    provider,
		clock:       clk,
		states:      make(map[string]domain.MarginState),
	}
}

// Run sweeps until the context is cancelled. Evaluations fan out over a
// small worker pool so one slow account does not stall the sweep.
func (m *Monitor) Run(ctx context.Context) error {
	pool, err := ants.NewPool(monitorWorkers)
	if err != nil {
		return fmt.Errorf("failed to start margin workers: %w", err)
	}
	defer pool.Release()

	interval := m.provider.Snapshot().MarginCheckInterval
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("margin: monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("margin: monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx, pool)
		}
	}
}

// Sweep evaluates every account with open positions. pool may be nil;
// evaluation then runs inline.
func (m *Monitor) Sweep(ctx context.Context, pool *ants.Pool) {
	users := m.keeper.ActiveUsers()
	if len(users) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, userID := range users {
		uid := userID
		wg.Add(1)
		run := func() {
			defer wg.Done()
			if err := m.Evaluate(ctx, uid); err != nil {
				log.Error().Err(err).Str("user", uid).Msg("margin: evaluation failed")
			}
		}
		if pool == nil {
			run()
			continue
		}
		if err := pool.Submit(run); err != nil {
			wg.Done()
			log.Error().Err(err).Str("user", uid).Msg("margin: worker submit failed")
		}
	}
	wg.Wait()
}

// Evaluate recomputes one account's margin level and applies any state
// transition it implies.
func (m *Monitor) Evaluate(ctx context.Context, userID string) error {
	acct, err := m.keeper.Account(ctx, userID, m.markFunc())
	if err != nil {
		return err
	}
	if acct.UsedMargin == 0 {
		m.setState(ctx, userID, acct, domain.MarginNormal)
		return nil
	}

	snap := m.provider.Snapshot()
	switch {
	case acct.MarginLevel < snap.LiquidationLevel:
		return m.liquidate(ctx, userID, acct, snap)
	case acct.MarginLevel < snap.MarginCallLevel:
		m.marginCall(ctx, userID, acct)
	default:
		m.setState(ctx, userID, acct, domain.MarginNormal)
	}
	return nil
}

// markFunc adapts the mark source to the keeper's valuation callback.
func (m *Monitor) markFunc() MarkFunc {
	if m.marks == nil || m.instruments == nil {
		return nil
	}
	return func(ctx context.Context, instrumentID string) (decimal.Decimal, bool) {
		ins, err := m.instruments.Instrument(ctx, instrumentID)
		if err != nil {
			return decimal.Zero, false
		}
		return m.marks.Mark(ins)
	}
}

func (m *Monitor) marginCall(ctx context.Context, userID string, acct Account) {
	if !m.setState(ctx, userID, acct, domain.MarginCall) {
		return
	}
	log.Warn().Str("user", userID).Float64("level", acct.MarginLevel).Msg("margin: margin call")
	err := m.keeper.ledger.Settle(ctx, ledger.Settlement{
		Journal: []domain.Transaction{{
			Type:    domain.TxMarginCall,
			BuyerID: userID,
			Note:    fmt.Sprintf("margin level %.2f%%", acct.MarginLevel),
		}},
	})
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("margin: margin call journal failed")
	}
}

// liquidate cancels the account's working orders and closes positions
// worst-first until the margin level clears the margin call threshold
// or nothing is left to close.
func (m *Monitor) liquidate(ctx context.Context, userID string, acct Account, snap *config.Snapshot) error {
	first := m.setState(ctx, userID, acct, domain.MarginLiquidating)
	log.Warn().Str("user", userID).Float64("level", acct.MarginLevel).Msg("margin: liquidating")

	if first && m.trader != nil {
		if n, err := m.trader.CancelAllOrders(ctx, userID); err != nil {
			log.Error().Err(err).Str("user", userID).Msg("margin: order cancel during liquidation failed")
		} else if n > 0 {
			log.Info().Str("user", userID).Int("orders", n).Msg("margin: cancelled working orders")
		}
	}
	if m.trader == nil {
		return fmt.Errorf("no trader wired, cannot close positions for %s", userID)
	}

	// One pass per position plus a final re-read; each close changes the
	// level, so re-evaluate after every fill.
	attempts := len(acct.Positions) + 1
	for i := 0; i < attempts; i++ {
		views := acct.Positions
		if len(views) == 0 {
			break
		}
		sort.Slice(views, func(a, b int) bool {
			return views[a].UnrealizedPnL < views[b].UnrealizedPnL
		})

		worst := views[0]
		if err := m.trader.ClosePosition(ctx, worst.Position); err != nil {
			// Skip this position this sweep; a halted instrument must not
			// block closing the others.
			log.Error().Err(err).Str("user", userID).Str("instrument", worst.InstrumentID).
				Msg("margin: forced close failed")
			acct.Positions = views[1:]
			continue
		}

		err := m.keeper.ledger.Settle(ctx, ledger.Settlement{
			Journal: []domain.Transaction{{
				Type:          domain.TxLiquidation,
				BuyerID:       userID,
				InstrumentID:  worst.InstrumentID,
				Shares:        worst.Quantity,
				PricePerShare: worst.Mark,
				Note:          fmt.Sprintf("forced close %s %s", worst.Side, worst.InstrumentID),
			}},
		})
		if err != nil {
			log.Error().Err(err).Str("user", userID).Msg("margin: liquidation journal failed")
		}

		var aerr error
		acct, aerr = m.keeper.Account(ctx, userID, m.markFunc())
		if aerr != nil {
			return aerr
		}
		if acct.UsedMargin == 0 || acct.MarginLevel > snap.MarginCallLevel {
			break
		}
	}

	if acct.UsedMargin == 0 || acct.MarginLevel > snap.MarginCallLevel {
		m.setState(ctx, userID, acct, domain.MarginNormal)
	}
	return nil
}

// setState records a state transition, persists it and notifies the
// account's private stream. Returns false when the state is unchanged.
func (m *Monitor) setState(ctx context.Context, userID string, acct Account, next domain.MarginState) bool {
	m.mu.Lock()
	prev, seen := m.states[userID]
	if seen && prev == next {
		m.mu.Unlock()
		return false
	}
	if !seen && next == domain.MarginNormal {
		// Nothing to announce for an account that was never flagged.
		m.states[userID] = next
		m.mu.Unlock()
		return false
	}
	m.states[userID] = next
	m.mu.Unlock()

	if m.users != nil {
		if err := m.users.SetMarginState(ctx, userID, next); err != nil {
			log.Error().Err(err).Str("user", userID).Msg("margin: state update not persisted")
		}
	}
	if m.publisher != nil {
		m.publisher.Publish("margin:"+userID, "margin_state", map[string]interface{}{
			"user_id":      userID,
			"state":        next,
			"margin_level": acct.MarginLevel,
			"equity":       acct.Equity,
			"used_margin":  acct.UsedMargin,
			"at":           m.clock.Now().UTC().Format(time.RFC3339),
		})
	}
	return true
}

// State reports the monitor's last known state for an account.
func (m *Monitor) State(userID string) domain.MarginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[userID]; ok {
		return s
	}
	return domain.MarginNormal
}
