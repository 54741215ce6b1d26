package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pixelpets/backend/internal/models"
)

// In-memory store implementations. They back the engine's concurrency tests
// and the standalone development mode; the Postgres implementations are the
// production path. Both sides honor the same contracts, in particular the
// version check on CompareAndSwap and the (user, reference) uniqueness on
// Append.

type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]models.Account)}
}

func (s *MemoryAccountStore) Get(_ context.Context, userID string) (models.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[userID]
	if !ok {
		return models.Account{UserID: userID}, false, nil
	}
	return account, true, nil
}

func (s *MemoryAccountStore) CompareAndSwap(_ context.Context, userID string, expectedVersion, newBalance, newVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[userID]
	if !ok {
		if expectedVersion != 0 {
			return false, nil
		}
	} else if current.Version != expectedVersion {
		return false, nil
	}

	s.accounts[userID] = models.Account{
		UserID:    userID,
		Balance:   newBalance,
		Version:   newVersion,
		UpdatedAt: time.Now(),
	}
	return true, nil
}

func (s *MemoryAccountStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type MemoryLedgerLog struct {
	mu      sync.RWMutex
	entries map[string][]models.LedgerEntry // userID -> entries in sequence order
	byRef   map[string]models.LedgerEntry   // userID + "\x00" + referenceID
}

func NewMemoryLedgerLog() *MemoryLedgerLog {
	return &MemoryLedgerLog{
		entries: make(map[string][]models.LedgerEntry),
		byRef:   make(map[string]models.LedgerEntry),
	}
}

func refKey(userID, referenceID string) string {
	return userID + "\x00" + referenceID
}

func (l *MemoryLedgerLog) Append(_ context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := refKey(entry.UserID, entry.ReferenceID)
	if _, exists := l.byRef[key]; exists {
		return models.LedgerEntry{}, ErrDuplicateReference
	}
	l.entries[entry.UserID] = append(l.entries[entry.UserID], entry)
	l.byRef[key] = entry
	return entry, nil
}

func (l *MemoryLedgerLog) GetByReference(_ context.Context, userID, referenceID string) (models.LedgerEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byRef[refKey(userID, referenceID)]
	return entry, ok, nil
}

func (l *MemoryLedgerLog) ListByUser(_ context.Context, userID string, rng ListRange) ([]models.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.LedgerEntry
	for _, entry := range l.entries[userID] {
		if entry.Sequence <= rng.AfterSequence {
			continue
		}
		out = append(out, entry)
		if rng.Limit > 0 && len(out) == rng.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedgerLog) SumDeltas(_ context.Context, userID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum int64
	for _, entry := range l.entries[userID] {
		sum += entry.Delta
	}
	return sum, nil
}

type MemoryEscrowStore struct {
	mu    sync.RWMutex
	holds map[string]models.EscrowHold
}

func NewMemoryEscrowStore() *MemoryEscrowStore {
	return &MemoryEscrowStore{holds: make(map[string]models.EscrowHold)}
}

func (s *MemoryEscrowStore) Create(_ context.Context, hold models.EscrowHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[hold.EscrowID] = hold
	return nil
}

func (s *MemoryEscrowStore) Get(_ context.Context, escrowID string) (models.EscrowHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hold, ok := s.holds[escrowID]
	if !ok {
		return models.EscrowHold{}, ErrEscrowNotFound
	}
	return hold, nil
}

func (s *MemoryEscrowStore) Resolve(_ context.Context, escrowID string, from, to models.EscrowStatus, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, ok := s.holds[escrowID]
	if !ok || hold.Status != from {
		return false, nil
	}
	hold.Status = to
	hold.ResolvedAt = &resolvedAt
	s.holds[escrowID] = hold
	return true, nil
}

func (s *MemoryEscrowStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]models.EscrowHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EscrowHold
	for _, hold := range s.holds {
		if hold.Status == models.EscrowActive && !hold.ExpiresAt.After(asOf) {
			out = append(out, hold)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEscrowStore) SumActiveByUser(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, hold := range s.holds {
		if hold.UserID == userID && hold.Status == models.EscrowActive {
			sum += hold.Amount
		}
	}
	return sum, nil
}
