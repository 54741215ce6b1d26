package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixelpets/backend/internal/audit"
	"github.com/pixelpets/backend/internal/models"
	"github.com/pixelpets/backend/internal/observability"
)

// ReconcileReport compares the stored balance against the balance rebuilt
// from ledger history. Discrepancy = store - ledger; zero means clean.
type ReconcileReport struct {
	UserID            string `json:"user_id"`
	BalanceInStore    int64  `json:"balance_in_store"`
	BalanceFromLedger int64  `json:"balance_from_ledger"`
	Discrepancy       int64  `json:"discrepancy"`
}

// ReconciliationService recomputes balances from the append-only log and
// reports drift against the account store. It never corrects silently:
// repairs are explicit adjustment entries posted through the engine, so every
// balance change stays audit-visible.
type ReconciliationService struct {
	store   AccountStore
	log     LedgerLog
	engine  *Engine
	audit   *audit.Logger
	metrics *observability.Metrics
}

func NewReconciliationService(store AccountStore, log LedgerLog, engine *Engine, auditLog *audit.Logger, metrics *observability.Metrics) *ReconciliationService {
	return &ReconciliationService{store: store, log: log, engine: engine, audit: auditLog, metrics: metrics}
}

// Reconcile checks one account. The O(n) history scan is the cost of keeping
// the log checkpoint-free.
func (r *ReconciliationService) Reconcile(ctx context.Context, userID string) (ReconcileReport, error) {
	account, _, err := r.store.Get(ctx, userID)
	if err != nil {
		return ReconcileReport{}, err
	}
	fromLedger, err := r.log.SumDeltas(ctx, userID)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		UserID:            userID,
		BalanceInStore:    account.Balance,
		BalanceFromLedger: fromLedger,
		Discrepancy:       account.Balance - fromLedger,
	}

	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
		r.metrics.ReconcileDriftAbs.Set(absFloat(report.Discrepancy))
	}
	if report.Discrepancy != 0 {
		if r.audit != nil {
			r.audit.Drift(userID, account.Balance, fromLedger)
		}
		if r.metrics != nil {
			r.metrics.ReconcileDrifted.Inc()
		}
	}
	return report, nil
}

// ReconcileAll scans every known account, checking ctx between accounts so a
// long run can be cancelled without interrupting a single account's check.
func (r *ReconciliationService) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	userIDs, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifted []ReconcileReport
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		report, err := r.Reconcile(ctx, userID)
		if err != nil {
			return drifted, err
		}
		if report.Discrepancy != 0 {
			drifted = append(drifted, report)
		}
	}
	return drifted, nil
}

// Repair posts an explicit adjustment entry bringing the ledger in line with
// the stored balance. The direction restores conservation: a store balance
// above the ledger sum gets an AdjustmentCredit entry (the ledger was missing
// a credit), below gets an AdjustmentDebit. The report only names the account;
// the discrepancy is recomputed under the account lock, so entries landing
// after the report was built cannot make the adjustment stale.
func (r *ReconciliationService) Repair(ctx context.Context, report ReconcileReport, reason string) (models.LedgerEntry, error) {
	if report.Discrepancy == 0 {
		return models.LedgerEntry{}, fmt.Errorf("account %s has no drift to repair", report.UserID)
	}

	// The adjustment documents the discrepancy in the ledger without moving
	// the stored balance again; the store already holds the value the ledger
	// is being reconciled toward. Recompute and append under the account lock
	// so the sequence chain stays consistent with concurrent executions.
	release, err := r.engine.serializer.TryAcquire(ctx, report.UserID, r.engine.lockWait)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	defer release()

	account, _, err := r.store.Get(ctx, report.UserID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	fromLedger, err := r.log.SumDeltas(ctx, report.UserID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	discrepancy := account.Balance - fromLedger
	if discrepancy == 0 {
		return models.LedgerEntry{}, fmt.Errorf("account %s has no drift to repair", report.UserID)
	}

	kind := models.EntryAdjustmentCredit
	if discrepancy < 0 {
		kind = models.EntryAdjustmentDebit
	}

	entry := models.LedgerEntry{
		EntryID:      uuid.NewString(),
		UserID:       report.UserID,
		Sequence:     account.Version + 1,
		Delta:        discrepancy,
		BalanceAfter: account.Balance,
		Kind:         kind,
		ReferenceID:  fmt.Sprintf("reconcile:%s:%d", report.UserID, account.Version),
		Description:  "reconciliation repair: " + reason,
		CreatedAt:    time.Now(),
	}

	// Bump the version so the sequence chain stays monotonic even though the
	// balance is unchanged.
	ok, err := r.store.CompareAndSwap(ctx, report.UserID, account.Version, account.Balance, account.Version+1)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if !ok {
		return models.LedgerEntry{}, ErrConcurrencyConflict
	}

	written, err := r.log.Append(ctx, entry)
	if err != nil {
		return models.LedgerEntry{}, err
	}

	if r.audit != nil {
		r.audit.Entry(written)
	}
	if r.metrics != nil {
		r.metrics.ReconcileRepairs.Inc()
		r.metrics.TransactionsApplied.WithLabelValues(string(kind)).Inc()
	}
	return written, nil
}

func absFloat(v int64) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}
