package audit

import (
	"github.com/rs/zerolog"

	"github.com/pixelpets/backend/internal/models"
	"github.com/pixelpets/backend/internal/observability"
)

// Logger emits one structured record per balance mutation so the operational
// log can be cross-checked against the ledger itself.
type Logger struct {
	log zerolog.Logger
}

func NewLogger() *Logger {
	return &Logger{log: observability.NewLogger("audit")}
}

func (a *Logger) Entry(entry models.LedgerEntry) {
	a.log.Info().
		Str("event_type", "LEDGER_ENTRY").
		Str("entry_id", entry.EntryID).
		Str("user_id", entry.UserID).
		Int64("sequence", entry.Sequence).
		Int64("delta", entry.Delta).
		Int64("balance_after", entry.BalanceAfter).
		Str("kind", string(entry.Kind)).
		Str("reference_id", entry.ReferenceID).
		Msg("ledger entry committed")
}

func (a *Logger) Rejected(userID, referenceID string, kind models.EntryKind, reason error) {
	a.log.Warn().
		Str("event_type", "REJECTED").
		Str("user_id", userID).
		Str("reference_id", referenceID).
		Str("kind", string(kind)).
		Err(reason).
		Msg("transaction rejected")
}

// Compensated is logged loudly: two ledger entries now exist for one logical
// step and audit reads must treat the pair as a no-op.
func (a *Logger) Compensated(transactionID string, entries []models.LedgerEntry) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EntryID)
	}
	a.log.Error().
		Str("event_type", "COMPENSATED").
		Str("transaction_id", transactionID).
		Strs("compensating_entries", ids).
		Msg("partial atomic commit reversed with compensating entries")
}

func (a *Logger) EscrowResolved(hold models.EscrowHold) {
	a.log.Info().
		Str("event_type", "ESCROW_"+string(hold.Status)).
		Str("escrow_id", hold.EscrowID).
		Str("user_id", hold.UserID).
		Str("counterparty_id", hold.CounterpartyID).
		Int64("amount", hold.Amount).
		Msg("escrow resolved")
}

func (a *Logger) Drift(userID string, stored, fromLedger int64) {
	a.log.Error().
		Str("event_type", "DRIFT").
		Str("user_id", userID).
		Int64("balance_in_store", stored).
		Int64("balance_from_ledger", fromLedger).
		Int64("discrepancy", stored-fromLedger).
		Msg("reconciliation found drift")
}
