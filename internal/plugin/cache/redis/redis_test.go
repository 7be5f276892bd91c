package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/plugin/cache/redis"
	"github.com/chirino/chat-memory/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisWindowCache(t *testing.T) {
	ctx := context.Background()
	c, err := redis.LoadFromURL(ctx, containers.Redis(t), time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	_, ok, err := c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	turns := []model.Turn{{Role: model.RoleHuman, Content: "Hello"}, {Role: model.RoleAI, Content: "Hi there!"}}
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, 0, turns))
	require.NoError(t, c.Set(ctx, "c2", "alice", 2, 0, turns))

	got, ok, err := c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, turns, got)

	_, ok, err = c.Get(ctx, "c1", "bob", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Invalidate(ctx, "c1", "c2"))
	_, ok, err = c.Get(ctx, "c2", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// A fill tagged with the generation from before the invalidation is ignored.
	gen, err := c.Generation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, 0, turns))
	_, ok, err = c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "c1", "alice", 2, gen, turns))
	_, ok, err = c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}
