package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("relay")
	require.NoError(t, err)

	assert.Equal(t, "relay", cfg.Service.Name)
	assert.Equal(t, 8081, cfg.Service.Port)
	assert.Equal(t, time.Hour, cfg.Pairing.CodeTTL)
	assert.Equal(t, 24*time.Hour, cfg.Relay.Retention)
	assert.Equal(t, int64(1<<20), cfg.Transfer.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Transfer.FallbackDeadline)
	assert.Equal(t, 3, cfg.Transfer.MaxRetryAttempts)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("RELAY_BACKEND", "redis")
	t.Setenv("FALLBACK_DEADLINE", "750ms")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("MAX_PARALLEL_CHUNKS", "not-a-number")

	cfg, err := Load("sendanywhere")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Transfer.FallbackDeadline)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.Transfer.ICEServers)
	assert.Equal(t, 4, cfg.Transfer.MaxParallelChunks)
}

func TestValidate(t *testing.T) {
	t.Setenv("RELAY_BACKEND", "s3")
	_, err := Load("relay")
	assert.Error(t, err)

	t.Setenv("RELAY_BACKEND", "memory")
	t.Setenv("CHUNK_SIZE", "16777216")
	_, err = Load("relay")
	assert.Error(t, err)
}
