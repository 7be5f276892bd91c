package noop

import (
	"context"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.WindowCache, error) {
			return New(), nil
		},
	})
}

// New returns a cache that never stores anything.
func New() cache.WindowCache {
	return noopWindowCache{}
}

type noopWindowCache struct{}

func (noopWindowCache) Available() bool { return false }
func (noopWindowCache) Get(context.Context, string, string, int) ([]model.Turn, bool, error) {
	return nil, false, nil
}
func (noopWindowCache) Generation(context.Context, string) (uint64, error) { return 0, nil }
func (noopWindowCache) Set(context.Context, string, string, int, uint64, []model.Turn) error {
	return nil
}
func (noopWindowCache) Invalidate(context.Context, ...string) error { return nil }
