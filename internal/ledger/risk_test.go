package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelpets/backend/internal/models"
)

func entryAt(kind models.EntryKind, delta, balanceAfter int64, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: balanceAfter,
		CreatedAt:    at,
	}
}

func TestScoreWindowInsufficientHistory(t *testing.T) {
	score := ScoreWindow("alice", []models.LedgerEntry{
		entryAt(models.EntryEarn, 100, 100, time.Now()),
	})
	assert.Equal(t, 0, score.Score)
	assert.Contains(t, score.Factors, "insufficient history")
}

func TestScoreWindowNormalActivity(t *testing.T) {
	base := time.Now()
	var entries []models.LedgerEntry
	balance := int64(0)
	for i := 0; i < 10; i++ {
		balance += 50
		entries = append(entries, entryAt(models.EntryEarn, 50, balance, base.Add(time.Duration(i)*time.Hour)))
	}
	// A couple of small, well-spaced spends.
	balance -= 20
	entries = append(entries, entryAt(models.EntrySpend, -20, balance, base.Add(11*time.Hour)))
	balance -= 20
	entries = append(entries, entryAt(models.EntrySpend, -20, balance, base.Add(20*time.Hour)))

	score := ScoreWindow("alice", entries)
	assert.Equal(t, 0, score.Score)
	assert.Empty(t, score.Factors)
}

func TestScoreWindowHighFrequencySpending(t *testing.T) {
	base := time.Now()
	entries := []models.LedgerEntry{
		entryAt(models.EntryEarn, 1000, 1000, base),
	}
	balance := int64(1000)
	for i := 0; i < 12; i++ {
		balance -= 10
		entries = append(entries, entryAt(models.EntrySpend, -10, balance, base.Add(time.Duration(i)*10*time.Second)))
	}

	score := ScoreWindow("alice", entries)
	assert.Equal(t, 40, score.Score)
	assert.Contains(t, score.Factors, "high-frequency spending")
}

func TestScoreWindowRepeatedLargeSpends(t *testing.T) {
	base := time.Now()
	entries := []models.LedgerEntry{
		entryAt(models.EntryEarn, 1000, 1000, base),
		entryAt(models.EntrySpend, -600, 400, base.Add(1*time.Hour)),
		entryAt(models.EntryEarn, 600, 1000, base.Add(2*time.Hour)),
		entryAt(models.EntrySpend, -700, 300, base.Add(10*time.Hour)),
		entryAt(models.EntryEarn, 100, 400, base.Add(11*time.Hour)),
	}

	score := ScoreWindow("alice", entries)
	assert.Equal(t, 30, score.Score)
	assert.Contains(t, score.Factors, "repeated large spends")
}

func TestScoreWindowHighForfeitureRate(t *testing.T) {
	base := time.Now()
	entries := []models.LedgerEntry{
		entryAt(models.EntryEarn, 1000, 1000, base),
	}
	balance := int64(1000)
	for i := 0; i < 4; i++ {
		balance -= 100
		entries = append(entries, entryAt(models.EntryEscrowHold, -100, balance, base.Add(time.Duration(i)*time.Hour)))
	}
	for i := 0; i < 2; i++ {
		balance += 100
		entries = append(entries, entryAt(models.EntryEscrowForfeit, 100, balance, base.Add(time.Duration(10+i)*time.Hour)))
	}

	score := ScoreWindow("alice", entries)
	assert.Equal(t, 30, score.Score)
	assert.Contains(t, score.Factors, "high escrow forfeiture rate")
}

func TestScoreWindowCapsAtHundred(t *testing.T) {
	base := time.Now()
	entries := []models.LedgerEntry{
		entryAt(models.EntryEarn, 1000, 1000, base),
	}
	balance := int64(1000)
	// Burst of large spends.
	for i := 0; i < 12; i++ {
		balance -= 500
		if balance < 0 {
			balance = 0
		}
		entries = append(entries, entryAt(models.EntrySpend, -500, balance, base.Add(time.Duration(i)*time.Second)))
	}
	// Forfeit-heavy escrow history.
	for i := 0; i < 4; i++ {
		entries = append(entries, entryAt(models.EntryEscrowHold, -10, balance, base.Add(time.Duration(20+i)*time.Second)))
		entries = append(entries, entryAt(models.EntryEscrowForfeit, 10, balance, base.Add(time.Duration(30+i)*time.Second)))
	}

	score := ScoreWindow("alice", entries)
	assert.Equal(t, 100, score.Score)
	assert.Len(t, score.Factors, 3)
}

// recordingLedgerLog captures the range of each ListByUser call.
type recordingLedgerLog struct {
	*MemoryLedgerLog
	ranges []ListRange
}

func (l *recordingLedgerLog) ListByUser(ctx context.Context, userID string, rng ListRange) ([]models.LedgerEntry, error) {
	l.ranges = append(l.ranges, rng)
	return l.MemoryLedgerLog.ListByUser(ctx, userID, rng)
}

func TestScorerReadsBoundedTailWindow(t *testing.T) {
	store := NewMemoryAccountStore()
	log := &recordingLedgerLog{MemoryLedgerLog: NewMemoryLedgerLog()}
	engine := NewEngine(store, log, NewAccountSerializer(), EngineOptions{})
	ctx := context.Background()

	seedBalance(t, engine, "alice", 10000)
	for i := 0; i < 20; i++ {
		_, err := engine.Execute(ctx, Request{
			UserID: "alice", Delta: 10, Kind: models.EntryEarn,
			ReferenceID: fmt.Sprintf("earn:%d", i),
		})
		require.NoError(t, err)
	}

	scorer := NewRiskScorer(store, log, 10)
	score, err := scorer.Score(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", score.UserID)
	assert.Equal(t, 0, score.Score)

	// 21 entries exist (seed plus 20 earns); the scorer must ask only for the
	// last 10, not the full history.
	require.NotEmpty(t, log.ranges)
	last := log.ranges[len(log.ranges)-1]
	assert.Equal(t, int64(11), last.AfterSequence)
	assert.Equal(t, 10, last.Limit)
}

func TestScorerShortHistoryStartsAtZero(t *testing.T) {
	store := NewMemoryAccountStore()
	log := &recordingLedgerLog{MemoryLedgerLog: NewMemoryLedgerLog()}
	engine := NewEngine(store, log, NewAccountSerializer(), EngineOptions{})
	ctx := context.Background()
	seedBalance(t, engine, "alice", 100)

	scorer := NewRiskScorer(store, log, 50)
	score, err := scorer.Score(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, score.Score)
	assert.Contains(t, score.Factors, "insufficient history")

	last := log.ranges[len(log.ranges)-1]
	assert.Equal(t, int64(0), last.AfterSequence)
}

func TestMaxBurst(t *testing.T) {
	base := time.Now()
	times := []time.Time{
		base,
		base.Add(time.Minute),
		base.Add(2 * time.Minute),
		base.Add(30 * time.Minute),
		base.Add(31 * time.Minute),
	}
	assert.Equal(t, 3, maxBurst(times, 5*time.Minute))
	assert.Equal(t, 0, maxBurst(nil, 5*time.Minute))
}
