// Package directory implements the per-user chat listing, lookup, removal and
// sharing operations.
package directory

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/model"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
)

// ErrUnauthorized is returned when no user is signed in or the user does not
// own the chat being changed.
var ErrUnauthorized = errors.New("unauthorized")

// Service answers directory requests from a ChatStore.
type Service struct {
	store registrystore.ChatStore
	cache registrycache.WindowCache
}

// New creates a Service. cache may be nil.
func New(store registrystore.ChatStore, cache registrycache.WindowCache) *Service {
	return &Service{store: store, cache: cache}
}

// List returns the user's chats in index order. Index entries whose transcript
// is missing are skipped. Storage failures yield an empty list.
func (s *Service) List(ctx context.Context, userID string) []model.ChatSession {
	result := []model.ChatSession{}
	if userID == "" {
		return result
	}
	idx, err := s.store.GetIndex(ctx, userID)
	if err != nil {
		var nf *registrystore.NotFoundError
		if !errors.As(err, &nf) {
			log.Error("Chat index read failed", "userId", userID, "err", err)
		}
		return result
	}
	for _, ref := range idx.Chats {
		chat, err := s.store.GetChat(ctx, ref.ID)
		if err != nil {
			var nf *registrystore.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			log.Error("Chat list read failed", "userId", userID, "chatId", ref.ID, "err", err)
			return []model.ChatSession{}
		}
		if chat.UserID != userID {
			continue
		}
		result = append(result, *chat)
	}
	return result
}

// Get returns the chat if userID owns it. A missing chat, a chat owned by
// someone else and a failed read are all reported as *store.NotFoundError.
func (s *Service) Get(ctx context.Context, chatID, userID string) (*model.ChatSession, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, notFound(err, "chat", chatID)
	}
	if userID == "" || chat.UserID != userID {
		return nil, &registrystore.NotFoundError{Resource: "chat", ID: chatID}
	}
	return chat, nil
}

// Remove deletes the user's transcript and drops it from their index. Removing
// a chat that does not exist succeeds.
func (s *Service) Remove(ctx context.Context, chatID, userID string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	if err := s.store.DeleteChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.store.RemoveIndexEntry(ctx, userID, chatID); err != nil {
		return err
	}
	s.invalidate(ctx, chatID)
	return nil
}

// Clear deletes every transcript the user owns and empties their index.
// Other users' chats are untouched.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	refs, err := s.store.ListChatRefs(ctx, userID)
	if err != nil {
		return err
	}
	n, err := s.store.DeleteUserChats(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.ResetIndex(ctx, userID); err != nil {
		return err
	}
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	s.invalidate(ctx, ids...)
	log.Info("Cleared chats", "userId", userID, "deleted", n)
	return nil
}

// Share publishes the chat under its share path and returns the chat with the
// path set. Only the owner may share; sharing twice is harmless.
func (s *Service) Share(ctx context.Context, chatID, userID string) (*model.ChatSession, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, ErrUnauthorized
	}
	sharePath := model.SharePath(chatID)
	if err := s.store.SetSharePath(ctx, chatID, userID, sharePath); err != nil {
		return nil, err
	}
	shared := *chat
	shared.SharePath = sharePath
	return &shared, nil
}

// GetShared returns the chat published under "/share/" + shareID. Read
// failures are reported as *store.NotFoundError.
func (s *Service) GetShared(ctx context.Context, shareID string) (*model.ChatSession, error) {
	if shareID == "" {
		return nil, &registrystore.NotFoundError{Resource: "shared chat", ID: shareID}
	}
	chat, err := s.store.GetChatBySharePath(ctx, model.SharePath(shareID))
	if err != nil {
		return nil, notFound(err, "shared chat", shareID)
	}
	return chat, nil
}

// notFound logs storage failures and hides them behind a NotFoundError.
func notFound(err error, resource, id string) error {
	var nf *registrystore.NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	log.Error("Chat read failed", "resource", resource, "id", id, "err", err)
	return &registrystore.NotFoundError{Resource: resource, ID: id}
}

func (s *Service) invalidate(ctx context.Context, chatIDs ...string) {
	if s.cache == nil || !s.cache.Available() || len(chatIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, chatIDs...); err != nil {
		log.Warn("History cache invalidation failed", "chats", len(chatIDs), "err", err)
	}
}
