package payment

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/biomex/biomex/internal/config"
	"github.com/biomex/biomex/internal/domain"
	"github.com/biomex/biomex/internal/ledger"
	"github.com/biomex/biomex/internal/persistence"
)

// Deps wires the wallet collaborators. Users is optional; without it the
// suspension gate is skipped.
type Deps struct {
	Gateway      Gateway
	Transactions persistence.TransactionsRepo
	Ledger       ledger.Ledger
	Users        persistence.UsersRepo
	Provider     *config.Provider
	Clock        clock.Clock
}

// Service runs the wallet: top-up sessions against the payment gateway,
// the gateway confirmation callback and the balance view.
type Service struct {
	gateway  Gateway
	txs      persistence.TransactionsRepo
	ledger   ledger.Ledger
	users    persistence.UsersRepo
	provider *config.Provider
	clock    clock.Clock
}

// NewService builds the wallet service.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Service{
		gateway:  d.Gateway,
		txs:      d.Transactions,
		ledger:   d.Ledger,
		users:    d.Users,
		provider: d.Provider,
		clock:    d.Clock,
	}
}

// TopupResult is the initiation response: the pending journal row plus
// the URL the client must visit to pay.
type TopupResult struct {
	Transaction *domain.Transaction
	PaymentURL  string
}

// InitiateTopup validates the amount against the snapshot bounds, records
// a pending TOPUP row and opens a gateway session for it. The balance
// moves only when the gateway confirms.
func (s *Service) InitiateTopup(ctx context.Context, userID string, amount int64) (*TopupResult, error) {
	snap := s.provider.Snapshot()
	if amount < snap.MinTopup {
		return nil, domain.NewValidationError("amount_bdt", fmt.Sprintf("below minimum top-up of %d", snap.MinTopup))
	}
	if amount > snap.MaxTopup {
		return nil, domain.NewValidationError("amount_bdt", fmt.Sprintf("above maximum top-up of %d", snap.MaxTopup))
	}
	if s.users != nil {
		u, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		if u.Suspended {
			return nil, fmt.Errorf("account suspended: %w", domain.ErrAccountSuspended)
		}
	}

	tx := &domain.Transaction{
		ID:        ksuid.New().String(),
		Type:      domain.TxTopup,
		Status:    domain.TxPending,
		BuyerID:   userID,
		Amount:    amount,
		Gateway:   s.gateway.Name(),
		CreatedAt: s.clock.Now(),
	}
	if err := s.txs.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record top-up: %w", err)
	}

	res, err := s.gateway.Initiate(ctx, InitiateRequest{Ref: tx.ID, UserID: userID, Amount: amount})
	if err != nil {
		tx.Status = domain.TxFailed
		if uerr := s.txs.Update(ctx, tx); uerr != nil {
			log.Error().Err(uerr).Str("tx_id", tx.ID).Msg("payment: failed top-up row not updated")
		}
		return nil, fmt.Errorf("failed to initiate top-up: %w", err)
	}

	tx.GatewayRef = res.GatewayRef
	if err := s.txs.Update(ctx, tx); err != nil {
		// The gateway session exists but its callback would find no row;
		// surface the error so the client opens a fresh session.
		return nil, fmt.Errorf("failed to attach gateway reference: %w", err)
	}
	log.Info().
		Str("tx_id", tx.ID).
		Str("gateway_ref", res.GatewayRef).
		Int64("amount_bdt", amount).
		Msg("payment: top-up initiated")
	return &TopupResult{Transaction: tx, PaymentURL: res.PaymentURL}, nil
}

// ConfirmTopup applies the gateway's callback verdict. Completed rows are
// immutable, so a replayed success callback returns the stored row
// without crediting twice.
func (s *Service) ConfirmTopup(ctx context.Context, gatewayRef string, success bool, gatewayFee int64) (*domain.Transaction, error) {
	tx, err := s.txs.GetByGatewayRef(ctx, gatewayRef)
	if err != nil {
		return nil, fmt.Errorf("failed to find top-up for ref %s: %w", gatewayRef, err)
	}
	if tx.Type != domain.TxTopup {
		return nil, fmt.Errorf("transaction %s is not a top-up: %w", tx.ID, domain.ErrConflict)
	}
	switch tx.Status {
	case domain.TxPending:
	case domain.TxCompleted:
		return tx, nil
	default:
		return nil, fmt.Errorf("top-up %s already %s: %w", tx.ID, tx.Status, domain.ErrConflict)
	}

	tx.GatewayFee = gatewayFee
	if !success {
		tx.Status = domain.TxFailed
		if err := s.txs.Update(ctx, tx); err != nil {
			return nil, fmt.Errorf("failed to mark top-up failed: %w", err)
		}
		log.Info().Str("tx_id", tx.ID).Msg("payment: top-up failed at gateway")
		return tx, nil
	}

	now := s.clock.Now()
	tx.Status = domain.TxCompleted
	tx.CompletedAt = &now
	if err := s.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to complete top-up: %w", err)
	}
	if err := s.ledger.Credit(ctx, tx.BuyerID, tx.Amount); err != nil {
		return nil, fmt.Errorf("failed to credit top-up: %w", err)
	}
	log.Info().
		Str("tx_id", tx.ID).
		Str("user_id", tx.BuyerID).
		Int64("amount_bdt", tx.Amount).
		Msg("payment: top-up completed")
	return tx, nil
}

// WalletView is the balance plus recent activity.
type WalletView struct {
	Balance      int64                `json:"balance_bdt"`
	Transactions []domain.Transaction `json:"transactions"`
}

// Wallet returns the user's balance and newest transactions.
func (s *Service) Wallet(ctx context.Context, userID string, limit int) (*WalletView, error) {
	if limit <= 0 {
		limit = 20
	}
	bal, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	txs, err := s.txs.ListByUser(ctx, userID, persistence.TxFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return &WalletView{Balance: bal, Transactions: txs}, nil
}
