package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(Config{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]int{"a": 1}))
	var out map[string]int
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrMiss)
	assert.NoError(t, c.Delete(ctx, "k"))
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
	assert.False(t, c.Enabled())
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *RedisCache
	var out string
	assert.ErrorIs(t, c.Get(context.Background(), "k", &out), ErrMiss)
	assert.NoError(t, c.Set(context.Background(), "k", "v"))
	assert.False(t, c.Enabled())
}

func TestDeckKey(t *testing.T) {
	id := uuid.MustParse("7d3c0f5e-2b1a-4c8e-9f00-1a2b3c4d5e6f")
	assert.Equal(t, "deck:7d3c0f5e-2b1a-4c8e-9f00-1a2b3c4d5e6f", DeckKey(id))
}
