package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/model"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
)

// IndexReconciler repairs per-user chat indexes that drifted from the
// transcripts, for example after a commit whose index write failed.
type IndexReconciler struct {
	store    registrystore.ChatStore
	interval time.Duration
}

// NewIndexReconciler creates a reconciler. interval <= 0 disables Start.
func NewIndexReconciler(store registrystore.ChatStore, interval time.Duration) *IndexReconciler {
	return &IndexReconciler{store: store, interval: interval}
}

// Start runs ReconcileAll on every tick until ctx is cancelled.
func (r *IndexReconciler) Start(ctx context.Context) {
	if r == nil || r.store == nil || r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				log.Error("Index reconcile failed", "err", err)
			}
		}
	}
}

// ReconcileAll reconciles every known user and returns how many indexes changed.
func (r *IndexReconciler) ReconcileAll(ctx context.Context) (int, error) {
	users, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	repaired := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		changed, err := r.ReconcileUser(ctx, userID)
		if err != nil {
			log.Error("Index reconcile failed", "userId", userID, "err", err)
			continue
		}
		if changed {
			repaired++
		}
	}
	if repaired > 0 {
		log.Info("Index reconcile repaired indexes", "users", len(users), "repaired", repaired)
	}
	return repaired, nil
}

// ReconcileUser brings the user's index in line with the transcripts the user
// owns. Entries whose transcript is gone are removed, duplicated entries are
// collapsed and transcripts missing from the index are appended oldest first.
// Each repair is a single-entry write re-checked against the store, so a
// concurrent commit or removal is never overwritten wholesale. It reports
// whether the index changed.
func (r *IndexReconciler) ReconcileUser(ctx context.Context, userID string) (bool, error) {
	owned, err := r.store.ListChatRefs(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list transcripts: %w", err)
	}
	var current []model.ChatRef
	idx, err := r.store.GetIndex(ctx, userID)
	switch {
	case err == nil:
		current = idx.Chats
	case errors.As(err, new(*registrystore.NotFoundError)):
		if len(owned) == 0 {
			return false, nil
		}
	default:
		return false, fmt.Errorf("read index: %w", err)
	}

	exists := make(map[string]bool, len(owned))
	for _, ref := range owned {
		exists[ref.ID] = true
	}
	counts := make(map[string]int, len(current))
	first := make(map[string]model.ChatRef, len(current))
	for _, ref := range current {
		if counts[ref.ID] == 0 {
			first[ref.ID] = ref
		}
		counts[ref.ID]++
	}

	changes := 0
	for _, ref := range current {
		n := counts[ref.ID]
		if n == 0 {
			continue
		}
		counts[ref.ID] = 0
		switch {
		case !exists[ref.ID]:
			removed, err := r.dropDangling(ctx, userID, ref.ID)
			if err != nil {
				return changes > 0, err
			}
			if removed {
				changes++
			}
		case n > 1:
			if err := r.store.RemoveIndexEntry(ctx, userID, ref.ID); err != nil {
				return changes > 0, fmt.Errorf("remove duplicate index entry: %w", err)
			}
			if err := r.store.AddIndexEntry(ctx, userID, ref.ID, first[ref.ID].UpdatedAt); err != nil {
				return changes > 0, fmt.Errorf("re-add index entry: %w", err)
			}
			changes++
		}
	}

	for _, ref := range owned {
		if _, listed := first[ref.ID]; listed {
			continue
		}
		// A commit may have indexed the chat since the snapshot.
		ok, err := r.store.IndexContains(ctx, userID, ref.ID)
		if err != nil {
			return changes > 0, fmt.Errorf("check index entry: %w", err)
		}
		if ok {
			continue
		}
		if err := r.store.AddIndexEntry(ctx, userID, ref.ID, ref.UpdatedAt); err != nil {
			return changes > 0, fmt.Errorf("add index entry: %w", err)
		}
		changes++
	}

	if changes > 0 {
		log.Debug("Index reconciled", "userId", userID, "entries", len(current), "changes", changes)
	}
	return changes > 0, nil
}

// dropDangling removes chatID from the index unless its transcript has
// reappeared since the snapshot.
func (r *IndexReconciler) dropDangling(ctx context.Context, userID, chatID string) (bool, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	switch {
	case err == nil && chat.UserID == userID:
		return false, nil
	case err != nil && !errors.As(err, new(*registrystore.NotFoundError)):
		return false, fmt.Errorf("check transcript: %w", err)
	}
	if err := r.store.RemoveIndexEntry(ctx, userID, chatID); err != nil {
		return false, fmt.Errorf("remove index entry: %w", err)
	}
	return true, nil
}
