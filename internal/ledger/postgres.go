package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pixelpets/backend/internal/models"
)

const pqUniqueViolation = "23505"

// PostgresAccountStore keeps account rows in the accounts table and mutates
// them with optimistic version checks.
type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (s *PostgresAccountStore) Get(ctx context.Context, userID string) (models.Account, bool, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, version, updated_at
		FROM accounts
		WHERE user_id = $1`, userID).
		Scan(&account.UserID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{UserID: userID}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("get account %s: %w", userID, err)
	}
	return account, true, nil
}

func (s *PostgresAccountStore) CompareAndSwap(ctx context.Context, userID string, expectedVersion, newBalance, newVersion int64) (bool, error) {
	if expectedVersion == 0 {
		// First write for this user creates the row. A concurrent creator
		// loses the conflict and reports a failed swap, not an error.
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (user_id, balance, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, newBalance, newVersion, time.Now())
		if err != nil {
			return false, fmt.Errorf("create account %s: %w", userID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		return rows == 1, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = $2, updated_at = $3
		WHERE user_id = $4 AND version = $5`,
		newBalance, newVersion, time.Now(), userID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("cas account %s: %w", userID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *PostgresAccountStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PostgresLedgerLog appends to the ledger_entries table. A unique index on
// (user_id, reference_id) enforces idempotency at the storage layer.
type PostgresLedgerLog struct {
	db *sql.DB
}

func NewPostgresLedgerLog(db *sql.DB) *PostgresLedgerLog {
	return &PostgresLedgerLog{db: db}
}

func (l *PostgresLedgerLog) Append(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, user_id, sequence, delta, balance_after, kind, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.EntryID, entry.UserID, entry.Sequence, entry.Delta, entry.BalanceAfter,
		string(entry.Kind), entry.ReferenceID, entry.Description, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return models.LedgerEntry{}, ErrDuplicateReference
		}
		return models.LedgerEntry{}, fmt.Errorf("append ledger entry for %s: %w", entry.UserID, err)
	}
	return entry, nil
}

func (l *PostgresLedgerLog) GetByReference(ctx context.Context, userID, referenceID string) (models.LedgerEntry, bool, error) {
	entry, err := l.scanOne(l.db.QueryRowContext(ctx, `
		SELECT entry_id, user_id, sequence, delta, balance_after, kind, reference_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND reference_id = $2`, userID, referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("get entry by reference: %w", err)
	}
	return entry, true, nil
}

func (l *PostgresLedgerLog) ListByUser(ctx context.Context, userID string, rng ListRange) ([]models.LedgerEntry, error) {
	query := `
		SELECT entry_id, user_id, sequence, delta, balance_after, kind, reference_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND sequence > $2
		ORDER BY sequence ASC`
	args := []any{userID, rng.AfterSequence}
	if rng.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, rng.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var kind string
		if err := rows.Scan(&entry.EntryID, &entry.UserID, &entry.Sequence, &entry.Delta,
			&entry.BalanceAfter, &kind, &entry.ReferenceID, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Kind = models.EntryKind(kind)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (l *PostgresLedgerLog) SumDeltas(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum deltas for %s: %w", userID, err)
	}
	return sum, nil
}

func (l *PostgresLedgerLog) scanOne(row *sql.Row) (models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var kind string
	err := row.Scan(&entry.EntryID, &entry.UserID, &entry.Sequence, &entry.Delta,
		&entry.BalanceAfter, &kind, &entry.ReferenceID, &entry.Description, &entry.CreatedAt)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	entry.Kind = models.EntryKind(kind)
	return entry, nil
}

// PostgresEscrowStore persists holds in the escrow_holds table.
type PostgresEscrowStore struct {
	db *sql.DB
}

func NewPostgresEscrowStore(db *sql.DB) *PostgresEscrowStore {
	return &PostgresEscrowStore{db: db}
}

func (s *PostgresEscrowStore) Create(ctx context.Context, hold models.EscrowHold) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (escrow_id, user_id, counterparty_id, amount, purpose, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		hold.EscrowID, hold.UserID, hold.CounterpartyID, hold.Amount, hold.Purpose,
		string(hold.Status), hold.CreatedAt, hold.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create escrow %s: %w", hold.EscrowID, err)
	}
	return nil
}

func (s *PostgresEscrowStore) Get(ctx context.Context, escrowID string) (models.EscrowHold, error) {
	var hold models.EscrowHold
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT escrow_id, user_id, counterparty_id, amount, purpose, status, created_at, expires_at, resolved_at
		FROM escrow_holds
		WHERE escrow_id = $1`, escrowID).
		Scan(&hold.EscrowID, &hold.UserID, &hold.CounterpartyID, &hold.Amount, &hold.Purpose,
			&status, &hold.CreatedAt, &hold.ExpiresAt, &hold.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EscrowHold{}, ErrEscrowNotFound
	}
	if err != nil {
		return models.EscrowHold{}, fmt.Errorf("get escrow %s: %w", escrowID, err)
	}
	hold.Status = models.EscrowStatus(status)
	return hold, nil
}

func (s *PostgresEscrowStore) Resolve(ctx context.Context, escrowID string, from, to models.EscrowStatus, resolvedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE escrow_holds
		SET status = $1, resolved_at = $2
		WHERE escrow_id = $3 AND status = $4`,
		string(to), resolvedAt, escrowID, string(from))
	if err != nil {
		return false, fmt.Errorf("resolve escrow %s: %w", escrowID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *PostgresEscrowStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.EscrowHold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT escrow_id, user_id, counterparty_id, amount, purpose, status, created_at, expires_at, resolved_at
		FROM escrow_holds
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`, string(models.EscrowActive), asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()

	var holds []models.EscrowHold
	for rows.Next() {
		var hold models.EscrowHold
		var status string
		if err := rows.Scan(&hold.EscrowID, &hold.UserID, &hold.CounterpartyID, &hold.Amount,
			&hold.Purpose, &status, &hold.CreatedAt, &hold.ExpiresAt, &hold.ResolvedAt); err != nil {
			return nil, err
		}
		hold.Status = models.EscrowStatus(status)
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

func (s *PostgresEscrowStore) SumActiveByUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM escrow_holds
		WHERE user_id = $1 AND status = $2`, userID, string(models.EscrowActive)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum active escrows for %s: %w", userID, err)
	}
	return sum, nil
}
