package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelpets/backend/internal/models"
)

func TestPostgresAccountStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresAccountStore(db)

	t.Run("existing account", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}).
			AddRow("alice", int64(250), int64(7), time.Now())
		mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, version, updated_at")).
			WithArgs("alice").
			WillReturnRows(rows)

		account, found, err := store.Get(context.Background(), "alice")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(250), account.Balance)
		assert.Equal(t, int64(7), account.Version)
	})

	t.Run("unknown account yields zero value", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, balance, version, updated_at")).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version", "updated_at"}))

		account, found, err := store.Get(context.Background(), "ghost")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, "ghost", account.UserID)
		assert.Equal(t, int64(0), account.Balance)
		assert.Equal(t, int64(0), account.Version)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAccountStoreCompareAndSwap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresAccountStore(db)

	t.Run("version match updates", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts")).
			WithArgs(int64(150), int64(8), sqlmock.AnyArg(), "alice", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.CompareAndSwap(context.Background(), "alice", 7, 150, 8)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("stale version fails swap", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts")).
			WithArgs(int64(150), int64(8), sqlmock.AnyArg(), "alice", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := store.CompareAndSwap(context.Background(), "alice", 7, 150, 8)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("version zero inserts", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
			WithArgs("bob", int64(100), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.CompareAndSwap(context.Background(), "bob", 0, 100, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("concurrent creation loses conflict", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
			WithArgs("bob", int64(100), int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := store.CompareAndSwap(context.Background(), "bob", 0, 100, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerLogAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	log := NewPostgresLedgerLog(db)

	entry := models.LedgerEntry{
		EntryID:      "e-1",
		UserID:       "alice",
		Sequence:     3,
		Delta:        -40,
		BalanceAfter: 60,
		Kind:         models.EntrySpend,
		ReferenceID:  "order-9",
		Description:  "toy purchase",
		CreatedAt:    time.Now(),
	}

	t.Run("append succeeds", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
			WithArgs(entry.EntryID, entry.UserID, entry.Sequence, entry.Delta, entry.BalanceAfter,
				"SPEND", entry.ReferenceID, entry.Description, entry.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		written, err := log.Append(context.Background(), entry)
		require.NoError(t, err)
		assert.Equal(t, entry.EntryID, written.EntryID)
	})

	t.Run("unique violation maps to duplicate reference", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
			WillReturnError(&pq.Error{Code: "23505"})

		_, err := log.Append(context.Background(), entry)
		assert.ErrorIs(t, err, ErrDuplicateReference)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerLogListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	log := NewPostgresLedgerLog(db)

	cols := []string{"entry_id", "user_id", "sequence", "delta", "balance_after", "kind", "reference_id", "description", "created_at"}

	t.Run("unbounded list", func(t *testing.T) {
		rows := sqlmock.NewRows(cols).
			AddRow("e-1", "alice", int64(1), int64(100), int64(100), "EARN", "r1", "", time.Now()).
			AddRow("e-2", "alice", int64(2), int64(-30), int64(70), "SPEND", "r2", "", time.Now())
		mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
			WithArgs("alice", int64(0)).
			WillReturnRows(rows)

		entries, err := log.ListByUser(context.Background(), "alice", ListRange{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.EntryEarn, entries[0].Kind)
		assert.Equal(t, int64(2), entries[1].Sequence)
	})

	t.Run("limit adds third argument", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
			WithArgs("alice", int64(5), 10).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := log.ListByUser(context.Background(), "alice", ListRange{AfterSequence: 5, Limit: 10})
		require.NoError(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEscrowStoreResolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresEscrowStore(db)

	now := time.Now()

	t.Run("transition from active wins", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE escrow_holds")).
			WithArgs("RELEASED", now, "esc-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := store.Resolve(context.Background(), "esc-1", models.EscrowActive, models.EscrowReleased, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("already terminal loses", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE escrow_holds")).
			WithArgs("FORFEITED", now, "esc-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := store.Resolve(context.Background(), "esc-1", models.EscrowActive, models.EscrowForfeited, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEscrowStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresEscrowStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_holds")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"escrow_id"}))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}
