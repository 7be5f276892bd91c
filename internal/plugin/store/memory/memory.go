// Package memory provides an in-process ChatStore. It backs testing mode and
// unit tests; data does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
)

// ForceImport is referenced by callers that need the plugin registered.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			return New(), nil
		},
	})
}

// Store keeps transcripts and indexes in maps guarded by a single mutex, which
// makes every method atomic with respect to the others.
type Store struct {
	mu      sync.Mutex
	chats   map[string]*model.ChatSession
	indexes map[string]*model.UserChatIndex
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		chats:   map[string]*model.ChatSession{},
		indexes: map[string]*model.UserChatIndex{},
	}
}

func (s *Store) AppendExchange(_ context.Context, ex registrystore.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[ex.ChatID]
	if !ok {
		chat = &model.ChatSession{
			ID:        ex.ChatID,
			UserID:    ex.UserID,
			Title:     ex.Title,
			CreatedAt: ex.At,
			Path:      model.ChatPath(ex.ChatID),
		}
		s.chats[ex.ChatID] = chat
	} else if chat.UserID != ex.UserID {
		return &registrystore.ConflictError{Message: fmt.Sprintf("chat %s belongs to another user", ex.ChatID)}
	}
	chat.Messages = append(chat.Messages, ex.Turns()...)
	return nil
}

func (s *Store) RecentTurns(_ context.Context, chatID, userID string, k int) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID || k <= 0 {
		return nil, nil
	}
	start := max(len(chat.Messages)-k, 0)
	return slices.Clone(chat.Messages[start:]), nil
}

func (s *Store) GetChat(_ context.Context, chatID string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "chat", ID: chatID}
	}
	return cloneChat(chat), nil
}

func (s *Store) GetChatBySharePath(_ context.Context, sharePath string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chat := range s.chats {
		if chat.SharePath != "" && chat.SharePath == sharePath {
			return cloneChat(chat), nil
		}
	}
	return nil, &registrystore.NotFoundError{Resource: "shared chat", ID: sharePath}
}

func (s *Store) SetSharePath(_ context.Context, chatID, userID, sharePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return &registrystore.NotFoundError{Resource: "chat", ID: chatID}
	}
	chat.SharePath = sharePath
	return nil
}

func (s *Store) DeleteChat(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat, ok := s.chats[chatID]; ok && chat.UserID == userID {
		delete(s.chats, chatID)
	}
	return nil
}

func (s *Store) DeleteUserChats(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, chat := range s.chats {
		if chat.UserID == userID {
			delete(s.chats, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListChatRefs(_ context.Context, userID string) ([]model.ChatRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []model.ChatRef
	for _, chat := range s.chats {
		if chat.UserID == userID {
			refs = append(refs, model.ChatRef{ID: chat.ID, UpdatedAt: chat.CreatedAt})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UpdatedAt.Equal(refs[j].UpdatedAt) {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].UpdatedAt.Before(refs[j].UpdatedAt)
	})
	return refs, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, chat := range s.chats {
		seen[chat.UserID] = true
	}
	for userID := range s.indexes {
		seen[userID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetIndex(_ context.Context, userID string) (*model.UserChatIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[userID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "chat index", ID: userID}
	}
	return &model.UserChatIndex{UserID: idx.UserID, Chats: slices.Clone(idx.Chats)}, nil
}

func (s *Store) IndexContains(_ context.Context, userID, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.indexes[userID].Contains(chatID), nil
}

func (s *Store) TouchIndexEntry(_ context.Context, userID, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[userID]; ok {
		for i := range idx.Chats {
			if idx.Chats[i].ID == chatID {
				idx.Chats[i].UpdatedAt = at
			}
		}
	}
	return nil
}

func (s *Store) AddIndexEntry(_ context.Context, userID, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[userID]
	if !ok {
		idx = &model.UserChatIndex{UserID: userID}
		s.indexes[userID] = idx
	}
	idx.Chats = append(idx.Chats, model.ChatRef{ID: chatID, UpdatedAt: at})
	return nil
}

func (s *Store) RemoveIndexEntry(_ context.Context, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[userID]; ok {
		idx.Chats = slices.DeleteFunc(idx.Chats, func(ref model.ChatRef) bool { return ref.ID == chatID })
	}
	return nil
}

func (s *Store) ResetIndex(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[userID]; ok {
		idx.Chats = []model.ChatRef{}
	}
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

func cloneChat(chat *model.ChatSession) *model.ChatSession {
	c := *chat
	c.Messages = slices.Clone(chat.Messages)
	return &c
}

var _ registrystore.ChatStore = (*Store)(nil)
