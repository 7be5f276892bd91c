// Package commit persists completed exchanges.
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/model"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
)

// IndexError reports that the transcript was written but the user's chat index
// could not be updated. The next exchange on the chat, or the index
// reconciler, repairs the index.
type IndexError struct {
	ChatID string
	Err    error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("update chat index for %s: %v", e.ChatID, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Committer writes an exchange to the transcript and then to the owner's index.
type Committer struct {
	store registrystore.ChatStore
	cache registrycache.WindowCache
	now   func() time.Time
}

// New creates a Committer. cache may be nil.
func New(store registrystore.ChatStore, cache registrycache.WindowCache) *Committer {
	return &Committer{store: store, cache: cache, now: time.Now}
}

// Commit appends the exchange's two turns in one atomic write, then records the
// chat in the owner's index. A failed transcript write leaves nothing behind.
// A failed index write returns *IndexError with the transcript already durable.
func (c *Committer) Commit(ctx context.Context, ex registrystore.Exchange) error {
	if ex.ChatID == "" {
		return &registrystore.ValidationError{Field: "chatId", Message: "is required"}
	}
	if ex.UserID == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "is required"}
	}
	if ex.At.IsZero() {
		ex.At = c.now()
	}
	ex.At = ex.At.UTC().Truncate(time.Millisecond)
	if ex.Title == "" {
		ex.Title = model.DeriveTitle(ex.Question)
	}

	if err := c.store.AppendExchange(ctx, ex); err != nil {
		security.RecordCommitFailure("transcript")
		log.Error("Transcript append failed", "chatId", ex.ChatID, "userId", ex.UserID, "err", err)
		return fmt.Errorf("append exchange: %w", err)
	}

	if c.cache != nil && c.cache.Available() {
		if err := c.cache.Invalidate(ctx, ex.ChatID); err != nil {
			log.Warn("History cache invalidation failed", "chatId", ex.ChatID, "err", err)
		}
	}

	if err := c.updateIndex(ctx, ex.UserID, ex.ChatID, ex.At); err != nil {
		security.RecordCommitFailure("index")
		log.Error("Chat index update failed", "chatId", ex.ChatID, "userId", ex.UserID, "err", err)
		return &IndexError{ChatID: ex.ChatID, Err: err}
	}
	return nil
}

func (c *Committer) updateIndex(ctx context.Context, userID, chatID string, at time.Time) error {
	listed, err := c.store.IndexContains(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if listed {
		return c.store.TouchIndexEntry(ctx, userID, chatID, at)
	}
	return c.store.AddIndexEntry(ctx, userID, chatID, at)
}
