// Package local provides an in-process window cache backed by ristretto.
package local

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync/atomic"
	"time"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

// maxCost bounds the cache at roughly 64 MiB of message text.
const maxCost = 64 << 20

// genStripes is the number of generation counters chats are hashed onto.
// Chats sharing a stripe only cost each other extra misses.
const genStripes = 4096

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.WindowCache, error) {
			ttl := 10 * time.Minute
			if cfg := config.FromContext(ctx); cfg != nil && cfg.CacheTTL > 0 {
				ttl = cfg.CacheTTL
			}
			return New(ttl)
		},
	})
}

// Cache is a WindowCache held in process memory.
type Cache struct {
	cache *ristretto.Cache[string, registrycache.Window]
	ttl   time.Duration
	seed  maphash.Seed
	gens  [genStripes]atomic.Uint64
}

// New creates a local cache whose entries expire after ttl.
func New(ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.Window]{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{cache: c, ttl: ttl, seed: maphash.MakeSeed()}, nil
}

func (c *Cache) gen(chatID string) *atomic.Uint64 {
	return &c.gens[maphash.String(c.seed, chatID)%genStripes]
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Generation(_ context.Context, chatID string) (uint64, error) {
	return c.gen(chatID).Load(), nil
}

func (c *Cache) Get(_ context.Context, chatID, userID string, k int) ([]model.Turn, bool, error) {
	w, ok := c.cache.Get(chatID)
	if !ok || !w.Matches(userID, k, c.gen(chatID).Load()) {
		return nil, false, nil
	}
	return w.Turns, true, nil
}

func (c *Cache) Set(_ context.Context, chatID, userID string, k int, gen uint64, turns []model.Turn) error {
	if gen != c.gen(chatID).Load() {
		return nil
	}
	cost := int64(len(userID))
	for _, t := range turns {
		cost += int64(len(t.Content) + len(t.Role))
	}
	c.cache.SetWithTTL(chatID, registrycache.Window{UserID: userID, K: k, Gen: gen, Turns: turns}, max(cost, 1), c.ttl)
	return nil
}

func (c *Cache) Invalidate(_ context.Context, chatIDs ...string) error {
	for _, id := range chatIDs {
		c.gen(id).Add(1)
		c.cache.Del(id)
	}
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

var _ registrycache.WindowCache = (*Cache)(nil)
