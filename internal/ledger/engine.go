package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pixelpets/backend/internal/audit"
	"github.com/pixelpets/backend/internal/models"
	"github.com/pixelpets/backend/internal/observability"
)

const (
	defaultLockWait   = 2 * time.Second
	defaultCASRetries = 3
)

// Request is a single-step balance change.
type Request struct {
	UserID      string
	Delta       int64 // positive = earn, negative = spend
	Kind        models.EntryKind
	ReferenceID string
	Description string
}

// Engine applies validated balance changes under per-account serialization,
// with caller-keyed idempotency and all-or-nothing multi-step commits.
// AccountStore rows are only ever mutated here, through CompareAndSwap, while
// holding the account's serializer lock.
type Engine struct {
	store      AccountStore
	log        LedgerLog
	serializer *AccountSerializer
	refCache   ReferenceCache
	audit      *audit.Logger
	metrics    *observability.Metrics
	lockWait   time.Duration
	casRetries int
}

// EngineOptions carries the optional collaborators and tunables. Zero values
// get defaults (2s lock wait, 3 CAS retries, no cache, no metrics).
type EngineOptions struct {
	LockWait   time.Duration
	CASRetries int
	RefCache   ReferenceCache
	Audit      *audit.Logger
	Metrics    *observability.Metrics
}

func NewEngine(store AccountStore, log LedgerLog, serializer *AccountSerializer, opts EngineOptions) *Engine {
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = defaultCASRetries
	}
	return &Engine{
		store:      store,
		log:        log,
		serializer: serializer,
		refCache:   opts.RefCache,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		lockWait:   opts.LockWait,
		casRetries: opts.CASRetries,
	}
}

// Execute applies one balance change. Retried requests carrying the same
// ReferenceID return the originally written entry without re-mutating
// anything. Failure paths other than the storage layer leave zero side
// effects.
func (e *Engine) Execute(ctx context.Context, req Request) (models.LedgerEntry, error) {
	start := time.Now()

	if err := validateRequest(req); err != nil {
		return models.LedgerEntry{}, err
	}

	// Fast replay path: a cache hit lets a retried request answer without
	// contending for the account lock. The cache is advisory only; the
	// authoritative duplicate check happens under the lock below.
	if e.refCache != nil {
		if _, ok := e.refCache.GetEntryID(ctx, req.UserID, req.ReferenceID); ok {
			if prior, found, err := e.log.GetByReference(ctx, req.UserID, req.ReferenceID); err == nil && found {
				e.countReplay()
				return prior, nil
			}
		}
	}

	lockStart := time.Now()
	release, err := e.serializer.TryAcquire(ctx, req.UserID, e.lockWait)
	if err != nil {
		e.reject(req, err)
		return models.LedgerEntry{}, err
	}
	defer release()
	if e.metrics != nil {
		e.metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())
	}

	prior, found, err := e.log.GetByReference(ctx, req.UserID, req.ReferenceID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if found {
		e.countReplay()
		e.cachePut(ctx, prior)
		return prior, nil
	}

	entry, err := e.apply(ctx, req)
	if err != nil {
		e.reject(req, err)
		return models.LedgerEntry{}, err
	}

	e.committed(entry)
	if e.metrics != nil {
		e.metrics.ExecuteDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}
	return entry, nil
}

// apply performs the read, validate, CAS, append cycle for one step.
// The caller must hold the account's serializer lock.
func (e *Engine) apply(ctx context.Context, req Request) (models.LedgerEntry, error) {
	for attempt := 0; attempt < e.casRetries; attempt++ {
		account, _, err := e.store.Get(ctx, req.UserID)
		if err != nil {
			return models.LedgerEntry{}, err
		}

		if req.Delta < 0 && account.Balance+req.Delta < 0 {
			return models.LedgerEntry{}, ErrInsufficientBalance
		}

		newBalance := account.Balance + req.Delta
		newVersion := account.Version + 1

		ok, err := e.store.CompareAndSwap(ctx, req.UserID, account.Version, newBalance, newVersion)
		if err != nil {
			return models.LedgerEntry{}, err
		}
		if !ok {
			// Store-level anomaly: someone mutated the row despite the
			// serializer lock. Reread and retry.
			if e.metrics != nil {
				e.metrics.CASRetries.Inc()
			}
			continue
		}

		entry := models.LedgerEntry{
			EntryID:      uuid.NewString(),
			UserID:       req.UserID,
			Sequence:     newVersion,
			Delta:        req.Delta,
			BalanceAfter: newBalance,
			Kind:         req.Kind,
			ReferenceID:  req.ReferenceID,
			Description:  req.Description,
			CreatedAt:    time.Now(),
		}

		written, err := e.log.Append(ctx, entry)
		if errors.Is(err, ErrDuplicateReference) {
			// Lost a race we should not be able to lose (duplicate check ran
			// under the same lock). Honor idempotency anyway.
			prior, found, gerr := e.log.GetByReference(ctx, req.UserID, req.ReferenceID)
			if gerr == nil && found {
				return prior, nil
			}
			return models.LedgerEntry{}, err
		}
		if err != nil {
			// CAS already applied; the missing entry will surface as drift
			// in reconciliation.
			return models.LedgerEntry{}, fmt.Errorf("ledger append after balance write: %w", err)
		}
		return written, nil
	}
	return models.LedgerEntry{}, ErrConcurrencyConflict
}

// ExecuteAtomic commits the ordered steps all-or-nothing. Locks for every
// involved account are taken in ascending user order so concurrent
// multi-account transactions cannot deadlock. Every step is validated against
// projected balances before the first write; a mid-commit CAS failure is
// reversed with compensating adjustment entries tagged with transactionID and
// reported as ErrPartialFailureRecovered.
func (e *Engine) ExecuteAtomic(ctx context.Context, transactionID string, steps []models.TransactionStep) ([]models.LedgerEntry, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("atomic transaction %s has no steps", transactionID)
	}
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	seenRefs := make(map[string]int, len(steps))
	for i, step := range steps {
		if err := validateRequest(Request(step)); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		// Two steps sharing a (user, reference) pair can never both commit:
		// the second append would collide with the first. Refuse up front,
		// before any lock or write.
		key := refKey(step.UserID, step.ReferenceID)
		if j, dup := seenRefs[key]; dup {
			return nil, fmt.Errorf("steps %d and %d share reference %q for user %s: %w",
				j, i, step.ReferenceID, step.UserID, ErrDuplicateReference)
		}
		seenRefs[key] = i
	}

	release, err := e.acquireAll(ctx, steps)
	if err != nil {
		if e.metrics != nil {
			e.metrics.AtomicRejected.WithLabelValues("busy").Inc()
		}
		return nil, err
	}
	defer release()

	// Idempotent replay: all steps already written means a completed retry.
	// A partial overlap is ambiguous (it indicates a previously compensated
	// run or a reference collision) and is refused outright.
	priors, present, err := e.priorEntries(ctx, steps)
	if err != nil {
		return nil, err
	}
	if present == len(steps) {
		e.countReplay()
		return priors, nil
	}
	if present > 0 {
		if e.metrics != nil {
			e.metrics.AtomicRejected.WithLabelValues("reference_overlap").Inc()
		}
		return nil, fmt.Errorf("atomic transaction %s: %d of %d references already used: %w",
			transactionID, present, len(steps), ErrDuplicateReference)
	}

	// Validate every step against projected balances before any write.
	// Multiple steps against the same account accumulate.
	projected := make(map[string]int64)
	for i, step := range steps {
		balance, ok := projected[step.UserID]
		if !ok {
			account, _, err := e.store.Get(ctx, step.UserID)
			if err != nil {
				return nil, err
			}
			balance = account.Balance
		}
		if step.Delta < 0 && balance+step.Delta < 0 {
			if e.metrics != nil {
				e.metrics.AtomicRejected.WithLabelValues("insufficient_balance").Inc()
			}
			return nil, fmt.Errorf("step %d (%s): %w", i, step.UserID, ErrInsufficientBalance)
		}
		projected[step.UserID] = balance + step.Delta
	}

	// Commit phase.
	applied := make([]models.LedgerEntry, 0, len(steps))
	for i, step := range steps {
		entry, err := e.apply(ctx, Request(step))
		if err != nil {
			return nil, e.compensate(ctx, transactionID, applied, i, err)
		}
		applied = append(applied, entry)
		e.committed(entry)
	}

	if e.metrics != nil {
		e.metrics.AtomicCommitted.Inc()
	}
	return applied, nil
}

// compensate reverses already-applied steps in reverse order by appending
// adjustment entries. Locks are still held, so the reversal restores exactly
// the pre-transaction balances.
func (e *Engine) compensate(ctx context.Context, transactionID string, applied []models.LedgerEntry, failedStep int, cause error) error {
	compensations := make([]models.LedgerEntry, 0, len(applied))
	for i := len(applied) - 1; i >= 0; i-- {
		orig := applied[i]
		kind := models.EntryAdjustmentCredit
		if orig.Delta > 0 {
			kind = models.EntryAdjustmentDebit
		}
		comp, err := e.apply(ctx, Request{
			UserID:      orig.UserID,
			Delta:       -orig.Delta,
			Kind:        kind,
			ReferenceID: fmt.Sprintf("adjust:%s:%d", transactionID, i),
			Description: fmt.Sprintf("compensation for transaction %s entry %s", transactionID, orig.EntryID),
		})
		if err != nil {
			// Reversal itself hit the storage layer. Funds are not lost,
			// the applied entries are in the ledger, but manual
			// reconciliation is required now.
			return fmt.Errorf("compensation failed after step %d (%v): %w", failedStep, cause, err)
		}
		compensations = append(compensations, comp)
	}

	if e.audit != nil {
		e.audit.Compensated(transactionID, compensations)
	}
	if e.metrics != nil {
		e.metrics.AtomicCompensated.Inc()
	}
	return fmt.Errorf("transaction %s step %d failed (%v): %w", transactionID, failedStep, cause, ErrPartialFailureRecovered)
}

// acquireAll takes the per-account locks for all involved users in ascending
// order, releasing everything already held if any acquisition times out.
func (e *Engine) acquireAll(ctx context.Context, steps []models.TransactionStep) (func(), error) {
	seen := make(map[string]bool, len(steps))
	users := make([]string, 0, len(steps))
	for _, step := range steps {
		if !seen[step.UserID] {
			seen[step.UserID] = true
			users = append(users, step.UserID)
		}
	}
	sort.Strings(users)

	releases := make([]func(), 0, len(users))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, userID := range users {
		release, err := e.serializer.TryAcquire(ctx, userID, e.lockWait)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (e *Engine) priorEntries(ctx context.Context, steps []models.TransactionStep) ([]models.LedgerEntry, int, error) {
	entries := make([]models.LedgerEntry, 0, len(steps))
	present := 0
	for _, step := range steps {
		prior, found, err := e.log.GetByReference(ctx, step.UserID, step.ReferenceID)
		if err != nil {
			return nil, 0, err
		}
		if found {
			present++
			entries = append(entries, prior)
		}
	}
	return entries, present, nil
}

func (e *Engine) committed(entry models.LedgerEntry) {
	e.cachePutBackground(entry)
	if e.audit != nil {
		e.audit.Entry(entry)
	}
	if e.metrics != nil {
		e.metrics.TransactionsApplied.WithLabelValues(string(entry.Kind)).Inc()
	}
}

func (e *Engine) reject(req Request, reason error) {
	if e.audit != nil {
		e.audit.Rejected(req.UserID, req.ReferenceID, req.Kind, reason)
	}
	if e.metrics != nil {
		e.metrics.TransactionsRejected.WithLabelValues(string(req.Kind), reasonLabel(reason)).Inc()
	}
}

func (e *Engine) countReplay() {
	if e.metrics != nil {
		e.metrics.IdempotentReplays.Inc()
	}
}

func (e *Engine) cachePut(ctx context.Context, entry models.LedgerEntry) {
	if e.refCache != nil {
		e.refCache.PutEntryID(ctx, entry.UserID, entry.ReferenceID, entry.EntryID)
	}
}

func (e *Engine) cachePutBackground(entry models.LedgerEntry) {
	if e.refCache != nil {
		e.refCache.PutEntryID(context.Background(), entry.UserID, entry.ReferenceID, entry.EntryID)
	}
}

func validateRequest(req Request) error {
	if req.UserID == "" {
		return errors.New("user id required")
	}
	if req.ReferenceID == "" {
		return errors.New("reference id required")
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("unknown entry kind %q", req.Kind)
	}
	return nil
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate_reference"
	default:
		return "storage"
	}
}
