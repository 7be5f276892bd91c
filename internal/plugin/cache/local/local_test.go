package local

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	c, err := New(time.Minute)
	require.NoError(t, err)

	turns := []model.Turn{{Role: model.RoleHuman, Content: "Hello"}, {Role: model.RoleAI, Content: "Hi there!"}}
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, 0, turns))
	c.Wait()

	got, ok, err := c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, turns, got)

	_, ok, _ = c.Get(ctx, "c1", "bob", 2)
	assert.False(t, ok, "other users never hit")
	_, ok, _ = c.Get(ctx, "c1", "alice", 5)
	assert.False(t, ok, "a different window size misses")

	require.NoError(t, c.Invalidate(ctx, "c1"))
	_, ok, _ = c.Get(ctx, "c1", "alice", 2)
	assert.False(t, ok)
}

func TestLocalCacheDropsStaleFill(t *testing.T) {
	ctx := context.Background()
	c, err := New(time.Minute)
	require.NoError(t, err)

	gen, err := c.Generation(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "c1"))

	stale := []model.Turn{{Role: model.RoleHuman, Content: "Hello"}}
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, gen, stale))
	c.Wait()
	_, ok, _ := c.Get(ctx, "c1", "alice", 2)
	assert.False(t, ok, "a window read before the invalidation is never served")

	current, err := c.Generation(ctx, "c1")
	require.NoError(t, err)
	assert.Greater(t, current, gen)
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, current, stale))
	c.Wait()
	_, ok, _ = c.Get(ctx, "c1", "alice", 2)
	assert.True(t, ok)
}
