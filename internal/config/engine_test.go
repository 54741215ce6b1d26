package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEngineConfigDefaults(t *testing.T) {
	cfg := LoadEngineConfig()

	assert.Equal(t, 2*time.Second, cfg.LockWait)
	assert.Equal(t, 3, cfg.CASRetries)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, 4, cfg.SweepWorkers)
	assert.Equal(t, 200, cfg.RiskWindowSize)
	assert.Equal(t, 10*time.Minute, cfg.DefaultEscrowTTL)
}

func TestLoadEngineConfigOverrides(t *testing.T) {
	t.Setenv("ENGINE_LOCK_WAIT", "500ms")
	t.Setenv("ENGINE_CAS_RETRIES", "5")
	t.Setenv("ESCROW_SWEEP_BATCH", "not-a-number")

	cfg := LoadEngineConfig()

	assert.Equal(t, 500*time.Millisecond, cfg.LockWait)
	assert.Equal(t, 5, cfg.CASRetries)
	assert.Equal(t, 100, cfg.SweepBatchSize, "bad values fall back to the default")
}
