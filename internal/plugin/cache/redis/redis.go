package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.WindowCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURL creates a WindowCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.WindowCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptions(ctx, opts, ttl)
}

// LoadFromOptions creates a WindowCache from go-redis Options.
// This allows callers to customize options (e.g. Protocol for RESP2).
func LoadFromOptions(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.WindowCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisWindowCache{client: client, ttl: ttl}, nil
}

type redisWindowCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func windowKey(chatID string) string {
	return "chat-window:" + chatID
}

func genKey(chatID string) string {
	return "chat-window-gen:" + chatID
}

// genTTL outlives any window tagged with the generation it guards.
func (c *redisWindowCache) genTTL() time.Duration {
	return 2 * c.ttl
}

func parseGen(v any) (uint64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseUint(v, 10, 64)
	default:
		return 0, fmt.Errorf("redis cache: unexpected generation value %T", v)
	}
}

func (c *redisWindowCache) Available() bool {
	return true
}

func (c *redisWindowCache) Generation(ctx context.Context, chatID string) (uint64, error) {
	v, err := c.client.Get(ctx, genKey(chatID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (c *redisWindowCache) Get(ctx context.Context, chatID, userID string, k int) ([]model.Turn, bool, error) {
	vals, err := c.client.MGet(ctx, windowKey(chatID), genKey(chatID)).Result()
	if err != nil {
		return nil, false, err
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, false, nil
	}
	gen, err := parseGen(vals[1])
	if err != nil {
		return nil, false, err
	}
	var cached registrycache.Window
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		return nil, false, err
	}
	if !cached.Matches(userID, k, gen) {
		return nil, false, nil
	}
	return cached.Turns, true, nil
}

func (c *redisWindowCache) Set(ctx context.Context, chatID, userID string, k int, gen uint64, turns []model.Turn) error {
	data, err := json.Marshal(registrycache.Window{UserID: userID, K: k, Gen: gen, Turns: turns})
	if err != nil {
		return err
	}
	_, err = c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, windowKey(chatID), data, c.ttl)
		pipe.Expire(ctx, genKey(chatID), c.genTTL())
		return nil
	})
	return err
}

func (c *redisWindowCache) Invalidate(ctx context.Context, chatIDs ...string) error {
	if len(chatIDs) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range chatIDs {
			pipe.Incr(ctx, genKey(id))
			pipe.Expire(ctx, genKey(id), c.genTTL())
			pipe.Del(ctx, windowKey(id))
		}
		return nil
	})
	return err
}

var _ registrycache.WindowCache = (*redisWindowCache)(nil)
