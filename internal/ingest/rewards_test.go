package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelpets/backend/internal/ledger"
)

func TestParseRewardEvent(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		evt, err := ParseRewardEvent([]byte(`{"user_id":"alice","amount":50,"reference_id":"game-1","source":"mini-game"}`))
		require.NoError(t, err)
		assert.Equal(t, "alice", evt.UserID)
		assert.Equal(t, int64(50), evt.Amount)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseRewardEvent([]byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := ParseRewardEvent([]byte(`{"amount":50,"reference_id":"r"}`))
		assert.Error(t, err)
	})

	t.Run("missing reference", func(t *testing.T) {
		_, err := ParseRewardEvent([]byte(`{"user_id":"alice","amount":50}`))
		assert.Error(t, err)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := ParseRewardEvent([]byte(`{"user_id":"alice","amount":-5,"reference_id":"r"}`))
		assert.Error(t, err)
	})
}

func TestHandleAppliesEarn(t *testing.T) {
	store := ledger.NewMemoryAccountStore()
	log := ledger.NewMemoryLedgerLog()
	engine := ledger.NewEngine(store, log, ledger.NewAccountSerializer(), ledger.EngineOptions{})
	c := NewRewardConsumer(nil, engine, nil)
	ctx := context.Background()

	payload := []byte(`{"user_id":"alice","amount":25,"reference_id":"login-2026-09-01","source":"daily-login"}`)

	c.handle(ctx, payload)
	c.handle(ctx, payload) // redelivery must not double-credit

	account, _, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), account.Balance)

	entry, found, err := log.GetByReference(ctx, "alice", "login-2026-09-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "reward: daily-login", entry.Description)
}

func TestHandleDropsMalformed(t *testing.T) {
	store := ledger.NewMemoryAccountStore()
	engine := ledger.NewEngine(store, ledger.NewMemoryLedgerLog(), ledger.NewAccountSerializer(), ledger.EngineOptions{})
	c := NewRewardConsumer(nil, engine, nil)

	c.handle(context.Background(), []byte(`{"user_id":"alice"}`))

	ids, err := store.ListUserIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
