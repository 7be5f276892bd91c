// Package history loads the recent-turn window that primes each model call.
package history

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/model"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
)

// Provider reads history windows through an optional cache.
type Provider struct {
	store registrystore.ChatStore
	cache registrycache.WindowCache
}

// NewProvider creates a Provider. cache may be nil.
func NewProvider(store registrystore.ChatStore, cache registrycache.WindowCache) *Provider {
	return &Provider{store: store, cache: cache}
}

// Window returns at most k of the newest turns of the chat owned by userID,
// oldest first. A missing chat, a chat owned by someone else and k <= 0 all
// yield an empty window. Storage failures are logged and also yield an empty
// window so the question can still be answered.
func (p *Provider) Window(ctx context.Context, chatID, userID string, k int) []model.Turn {
	if k <= 0 || chatID == "" {
		return []model.Turn{}
	}

	useCache := p.cache != nil && p.cache.Available()
	var gen uint64
	if useCache {
		turns, ok, err := p.cache.Get(ctx, chatID, userID, k)
		if err != nil {
			log.Warn("History cache read failed", "chatId", chatID, "err", err)
		}
		security.RecordCacheLookup(ok)
		if ok {
			return turns
		}
		// Must be read before the store so a concurrent commit voids the fill.
		if gen, err = p.cache.Generation(ctx, chatID); err != nil {
			log.Warn("History cache generation read failed", "chatId", chatID, "err", err)
			useCache = false
		}
	}

	turns, err := p.store.RecentTurns(ctx, chatID, userID, k)
	if err != nil {
		log.Error("History window read failed", "chatId", chatID, "userId", userID, "err", err)
		return []model.Turn{}
	}
	if turns == nil {
		turns = []model.Turn{}
	}

	if useCache {
		if err := p.cache.Set(ctx, chatID, userID, k, gen, turns); err != nil {
			log.Warn("History cache write failed", "chatId", chatID, "err", err)
		}
	}
	return turns
}
