package config

import (
	"os"
	"strconv"
	"time"
)

type EngineConfig struct {
	LockWait         time.Duration
	CASRetries       int
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepWorkers     int
	RiskWindowSize   int
	DefaultEscrowTTL time.Duration
}

func LoadEngineConfig() *EngineConfig {
	return &EngineConfig{
		LockWait:         getEnvAsDuration("ENGINE_LOCK_WAIT", 2*time.Second),
		CASRetries:       getEnvAsInt("ENGINE_CAS_RETRIES", 3),
		SweepInterval:    getEnvAsDuration("ESCROW_SWEEP_INTERVAL", 30*time.Second),
		SweepBatchSize:   getEnvAsInt("ESCROW_SWEEP_BATCH", 100),
		SweepWorkers:     getEnvAsInt("ESCROW_SWEEP_WORKERS", 4),
		RiskWindowSize:   getEnvAsInt("RISK_WINDOW_SIZE", 200),
		DefaultEscrowTTL: getEnvAsDuration("ESCROW_DEFAULT_TTL", 10*time.Minute),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
