package infinispan

import (
	"context"
	"testing"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfinispanWindowCache(t *testing.T) {
	ispn := containers.Infinispan(t)
	cfg := config.DefaultConfig()
	cfg.CacheType = "infinispan"
	cfg.InfinispanHost = ispn.Addr
	cfg.InfinispanUsername = ispn.Username
	cfg.InfinispanPassword = ispn.Password
	ctx := config.WithContext(context.Background(), &cfg)

	c, err := load(ctx)
	require.NoError(t, err)

	turns := []model.Turn{{Role: model.RoleHuman, Content: "Hello"}, {Role: model.RoleAI, Content: "Hi there!"}}
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, 0, turns))
	got, ok, err := c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, turns, got)

	require.NoError(t, c.Invalidate(ctx, "c1"))
	_, ok, err = c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := c.Generation(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "c1", "alice", 2, gen-1, turns))
	_, ok, err = c.Get(ctx, "c1", "alice", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInfinispanRequiresHost(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := load(config.WithContext(context.Background(), &cfg))
	assert.Error(t, err)
}
