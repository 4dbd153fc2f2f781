package bootstrap

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lyzr/sendanywhere/common/config"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load("test")
	require.NoError(t, err)
	return cfg
}

func TestSetup_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port

	ctx := context.Background()
	c, err := Setup(ctx, "test",
		WithoutDB(),
		WithoutTelemetry(),
		WithCustomConfig(cfg),
		WithCustomLogger(logger.Discard()),
	)
	require.NoError(t, err)
	require.NotNil(t, c.Redis)
	assert.NoError(t, c.Health(ctx))

	require.NoError(t, c.Shutdown(ctx))
}

func TestSetup_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Port = 1

	_, err := Setup(context.Background(), "test",
		WithoutDB(),
		WithoutTelemetry(),
		WithCustomConfig(cfg),
		WithCustomLogger(logger.Discard()),
	)
	assert.Error(t, err)
}

func TestShutdown_RunsCleanupLIFO(t *testing.T) {
	c := &Components{Logger: logger.Discard()}

	var order []int
	c.OnShutdown(func() error { order = append(order, 1); return nil })
	c.OnShutdown(func() error { order = append(order, 2); return errors.New("boom") })
	c.OnShutdown(func() error { order = append(order, 3); return nil })

	err := c.Shutdown(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []int{3, 2, 1}, order)
}
