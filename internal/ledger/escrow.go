package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pixelpets/backend/internal/audit"
	"github.com/pixelpets/backend/internal/models"
	"github.com/pixelpets/backend/internal/observability"
	"github.com/pixelpets/backend/internal/worker"
)

// EscrowManager reserves a slice of a holder's balance for a pending trade.
// Every fund movement goes through the engine, so escrow operations inherit
// its serialization and idempotency; the hold row itself transitions out of
// Active exactly once via the store's conditional update.
//
// Resolution order: the status transition wins the race first,
// then the credit is posted under an escrow-derived reference. A crash between
// the two is healed by retrying the resolution: the credit reference makes
// the second attempt a no-op replay.
type EscrowManager struct {
	engine  *Engine
	store   AccountStore
	holds   EscrowStore
	audit   *audit.Logger
	metrics *observability.Metrics
}

func NewEscrowManager(engine *Engine, store AccountStore, holds EscrowStore, auditLog *audit.Logger, metrics *observability.Metrics) *EscrowManager {
	return &EscrowManager{engine: engine, store: store, holds: holds, audit: auditLog, metrics: metrics}
}

// Hold debits amount from the holder's available balance and opens an Active
// escrow. The counterparty is fixed at hold time: it is the account credited
// if the trade completes.
func (m *EscrowManager) Hold(ctx context.Context, userID, counterpartyID string, amount int64, purpose string, ttl time.Duration) (models.EscrowHold, error) {
	if amount <= 0 {
		return models.EscrowHold{}, errors.New("escrow amount must be positive")
	}
	if counterpartyID == "" || counterpartyID == userID {
		return models.EscrowHold{}, errors.New("escrow requires a distinct counterparty")
	}
	if ttl <= 0 {
		return models.EscrowHold{}, errors.New("escrow ttl must be positive")
	}

	escrowID := uuid.NewString()
	now := time.Now()

	if _, err := m.engine.Execute(ctx, Request{
		UserID:      userID,
		Delta:       -amount,
		Kind:        models.EntryEscrowHold,
		ReferenceID: "escrow:hold:" + escrowID,
		Description: purpose,
	}); err != nil {
		return models.EscrowHold{}, err
	}

	hold := models.EscrowHold{
		EscrowID:       escrowID,
		UserID:         userID,
		CounterpartyID: counterpartyID,
		Amount:         amount,
		Purpose:        purpose,
		Status:         models.EscrowActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := m.holds.Create(ctx, hold); err != nil {
		// The debit landed but the hold row did not. Unwind the debit so no
		// funds are stranded outside an auditable hold.
		if _, uerr := m.engine.Execute(ctx, Request{
			UserID:      userID,
			Delta:       amount,
			Kind:        models.EntryEscrowForfeit,
			ReferenceID: "escrow:unwind:" + escrowID,
			Description: "escrow hold unwound: " + purpose,
		}); uerr != nil {
			return models.EscrowHold{}, fmt.Errorf("escrow create failed and unwind failed (%v): %w", uerr, err)
		}
		return models.EscrowHold{}, err
	}

	if m.metrics != nil {
		m.metrics.EscrowsOpened.Inc()
	}
	return hold, nil
}

// Release completes the trade: the escrowed amount is credited to the
// counterparty and the hold becomes Released. Idempotent on escrowID.
func (m *EscrowManager) Release(ctx context.Context, escrowID string) (models.EscrowHold, error) {
	return m.resolve(ctx, escrowID, models.EscrowReleased, "")
}

// Forfeit cancels the trade: the escrowed amount returns to the holder and
// the hold becomes Forfeited. Idempotent on escrowID.
func (m *EscrowManager) Forfeit(ctx context.Context, escrowID, reason string) (models.EscrowHold, error) {
	return m.resolve(ctx, escrowID, models.EscrowForfeited, reason)
}

// Expire times out an Active hold past its deadline, crediting the holder
// back. Called by the sweep; safe to race with Release/Forfeit because only
// one transition out of Active can win.
func (m *EscrowManager) Expire(ctx context.Context, escrowID string) (models.EscrowHold, error) {
	return m.resolve(ctx, escrowID, models.EscrowExpired, "hold expired")
}

func (m *EscrowManager) resolve(ctx context.Context, escrowID string, target models.EscrowStatus, reason string) (models.EscrowHold, error) {
	hold, err := m.holds.Get(ctx, escrowID)
	if err != nil {
		return models.EscrowHold{}, err
	}

	if hold.Status == target {
		// Already resolved this way: make sure the credit exists (heals a
		// crash between transition and credit), then report success.
		if err := m.credit(ctx, hold, target, reason); err != nil {
			return models.EscrowHold{}, err
		}
		return hold, nil
	}
	if hold.Status.Terminal() {
		return models.EscrowHold{}, fmt.Errorf("escrow %s is %s: %w", escrowID, hold.Status, ErrInvalidEscrowState)
	}

	ok, err := m.holds.Resolve(ctx, escrowID, models.EscrowActive, target, time.Now())
	if err != nil {
		return models.EscrowHold{}, err
	}
	if !ok {
		// Lost the transition race; reread and re-evaluate once.
		hold, err = m.holds.Get(ctx, escrowID)
		if err != nil {
			return models.EscrowHold{}, err
		}
		if hold.Status == target {
			if err := m.credit(ctx, hold, target, reason); err != nil {
				return models.EscrowHold{}, err
			}
			return hold, nil
		}
		return models.EscrowHold{}, fmt.Errorf("escrow %s is %s: %w", escrowID, hold.Status, ErrInvalidEscrowState)
	}

	if err := m.credit(ctx, hold, target, reason); err != nil {
		return models.EscrowHold{}, err
	}

	hold, err = m.holds.Get(ctx, escrowID)
	if err != nil {
		return models.EscrowHold{}, err
	}
	if m.audit != nil {
		m.audit.EscrowResolved(hold)
	}
	if m.metrics != nil {
		m.metrics.EscrowsResolved.WithLabelValues(string(target)).Inc()
	}
	return hold, nil
}

// credit posts the terminal fund movement for a hold. Release pays the
// counterparty; Forfeit and Expired return the funds to the holder. The
// reference is derived from the escrow ID, so replays are no-ops.
func (m *EscrowManager) credit(ctx context.Context, hold models.EscrowHold, target models.EscrowStatus, reason string) error {
	var req Request
	switch target {
	case models.EscrowReleased:
		req = Request{
			UserID:      hold.CounterpartyID,
			Delta:       hold.Amount,
			Kind:        models.EntryEscrowRelease,
			ReferenceID: "escrow:release:" + hold.EscrowID,
			Description: "escrow released: " + hold.Purpose,
		}
	case models.EscrowForfeited:
		desc := "escrow forfeited: " + hold.Purpose
		if reason != "" {
			desc += " (" + reason + ")"
		}
		req = Request{
			UserID:      hold.UserID,
			Delta:       hold.Amount,
			Kind:        models.EntryEscrowForfeit,
			ReferenceID: "escrow:forfeit:" + hold.EscrowID,
			Description: desc,
		}
	case models.EscrowExpired:
		req = Request{
			UserID:      hold.UserID,
			Delta:       hold.Amount,
			Kind:        models.EntryEscrowForfeit,
			ReferenceID: "escrow:expire:" + hold.EscrowID,
			Description: "escrow expired: " + hold.Purpose,
		}
	default:
		return fmt.Errorf("escrow %s: %s is not a terminal status", hold.EscrowID, target)
	}
	_, err := m.engine.Execute(ctx, req)
	return err
}

// Wallet is the caller-facing balance view: stored balance is spendable,
// Active holds remain part of the user's total.
func (m *EscrowManager) Wallet(ctx context.Context, userID string) (models.WalletView, error) {
	account, _, err := m.store.Get(ctx, userID)
	if err != nil {
		return models.WalletView{}, err
	}
	escrowed, err := m.holds.SumActiveByUser(ctx, userID)
	if err != nil {
		return models.WalletView{}, err
	}
	return models.WalletView{
		UserID:    userID,
		Available: account.Balance,
		Escrowed:  escrowed,
		Total:     account.Balance + escrowed,
	}, nil
}

// Sweeper periodically expires Active holds past their deadline. Work is
// fanned out per hold on the pool; the scan itself is cancellable between
// holds without breaking any single hold's atomicity.
type Sweeper struct {
	escrow    *EscrowManager
	holds     EscrowStore
	pool      *worker.Pool
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewSweeper(escrow *EscrowManager, holds EscrowStore, pool *worker.Pool, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		escrow:    escrow,
		holds:     holds,
		pool:      pool,
		interval:  interval,
		batchSize: batchSize,
		log:       observability.NewLogger("escrow-sweeper"),
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires one batch of overdue holds.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.escrow.metrics != nil {
		s.escrow.metrics.SweepRuns.Inc()
	}

	expired, err := s.holds.ListExpired(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("listing expired holds failed")
		return
	}

	var wg sync.WaitGroup
	for _, hold := range expired {
		if ctx.Err() != nil {
			break
		}
		escrowID := hold.EscrowID
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			if _, err := s.escrow.Expire(ctx, escrowID); err != nil {
				// A concurrent Release/Forfeit winning the transition is fine.
				if errors.Is(err, ErrInvalidEscrowState) {
					return
				}
				s.log.Error().Err(err).Str("escrow_id", escrowID).Msg("expiry failed")
				return
			}
			if s.escrow.metrics != nil {
				s.escrow.metrics.SweepExpired.Inc()
			}
		})
	}
	wg.Wait()
}
