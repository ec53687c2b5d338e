package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/config"
)

func testRedisConfig(addr string) config.RedisConfig {
	return config.RedisConfig{
		Address:  addr,
		PoolSize: 2,
	}
}

func TestRedisClient_Health(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc, err := NewRedisClient(testRedisConfig(mr.Addr()))
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.Health(ctx))

	stats := rc.GetStats()
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))

	mr.Close()
	assert.Error(t, rc.Health(ctx))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(testRedisConfig(addr))
	assert.Error(t, err)
}
