package ledger

import (
	"context"
	"time"

	"github.com/pixelpets/backend/internal/models"
)

// RiskScore is the result of a pattern scan over a user's recent ledger
// window. Score is 0..100; 0 is neutral. Factors name the patterns that
// contributed.
type RiskScore struct {
	UserID  string   `json:"user_id"`
	Score   int      `json:"score"`
	Factors []string `json:"factors"`
}

// RiskScorer is a stateless, read-only analyzer over ledger history. It
// never blocks or influences transaction processing; thin history degrades
// to a neutral score instead of an error.
type RiskScorer struct {
	store      AccountStore
	log        LedgerLog
	windowSize int
}

const (
	riskMinHistory      = 5
	riskSpendBurst      = 10              // spends within burstWindow
	riskBurstWindow     = 5 * time.Minute
	riskLargeSpendRatio = 0.5 // single spend vs peak balance in window
)

func NewRiskScorer(store AccountStore, log LedgerLog, windowSize int) *RiskScorer {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &RiskScorer{store: store, log: log, windowSize: windowSize}
}

// Score inspects the most recent window of the user's ledger. The account's
// version equals its last entry sequence, so the read starts windowSize
// entries from the tail instead of scanning the whole history.
func (r *RiskScorer) Score(ctx context.Context, userID string) (RiskScore, error) {
	account, _, err := r.store.Get(ctx, userID)
	if err != nil {
		return RiskScore{}, err
	}
	after := account.Version - int64(r.windowSize)
	if after < 0 {
		after = 0
	}
	entries, err := r.log.ListByUser(ctx, userID, ListRange{AfterSequence: after, Limit: r.windowSize})
	if err != nil {
		return RiskScore{}, err
	}
	return ScoreWindow(userID, entries), nil
}

// ScoreWindow is the pure scoring function over an entry window, ordered by
// sequence ascending.
func ScoreWindow(userID string, entries []models.LedgerEntry) RiskScore {
	score := RiskScore{UserID: userID, Factors: []string{}}

	if len(entries) < riskMinHistory {
		score.Factors = append(score.Factors, "insufficient history")
		return score
	}

	var (
		spendTimes  []time.Time
		spendCount  int
		forfeits    int
		holds       int
		peakBalance int64
		largeSpends int
	)

	for _, entry := range entries {
		if entry.BalanceAfter > peakBalance {
			peakBalance = entry.BalanceAfter
		}
		switch entry.Kind {
		case models.EntrySpend:
			spendCount++
			spendTimes = append(spendTimes, entry.CreatedAt)
			if peakBalance > 0 && float64(-entry.Delta) >= riskLargeSpendRatio*float64(peakBalance) {
				largeSpends++
			}
		case models.EntryEscrowHold:
			holds++
		case models.EntryEscrowForfeit:
			forfeits++
		}
	}

	// High-frequency spending: many spends packed into a short burst.
	if burst := maxBurst(spendTimes, riskBurstWindow); burst >= riskSpendBurst {
		score.Score += 40
		score.Factors = append(score.Factors, "high-frequency spending")
	}

	if largeSpends >= 2 {
		score.Score += 30
		score.Factors = append(score.Factors, "repeated large spends")
	}

	// Escrow forfeiture rate: trades that keep falling through.
	if holds >= 3 && float64(forfeits) >= 0.5*float64(holds) {
		score.Score += 30
		score.Factors = append(score.Factors, "high escrow forfeiture rate")
	}

	if score.Score > 100 {
		score.Score = 100
	}
	return score
}

// maxBurst returns the largest number of timestamps falling inside any
// sliding window of the given width. Times arrive in ledger order, which is
// creation order per account.
func maxBurst(times []time.Time, window time.Duration) int {
	best := 0
	start := 0
	for end := range times {
		for times[end].Sub(times[start]) > window {
			start++
		}
		if n := end - start + 1; n > best {
			best = n
		}
	}
	return best
}
