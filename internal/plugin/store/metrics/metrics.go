package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) AppendExchange(ctx context.Context, ex store.Exchange) error {
	defer observe("append_exchange", time.Now())
	return m.inner.AppendExchange(ctx, ex)
}

func (m *metricsStore) RecentTurns(ctx context.Context, chatID, userID string, k int) ([]model.Turn, error) {
	defer observe("recent_turns", time.Now())
	return m.inner.RecentTurns(ctx, chatID, userID, k)
}

func (m *metricsStore) GetChat(ctx context.Context, chatID string) (*model.ChatSession, error) {
	defer observe("get_chat", time.Now())
	return m.inner.GetChat(ctx, chatID)
}

func (m *metricsStore) GetChatBySharePath(ctx context.Context, sharePath string) (*model.ChatSession, error) {
	defer observe("get_shared_chat", time.Now())
	return m.inner.GetChatBySharePath(ctx, sharePath)
}

func (m *metricsStore) SetSharePath(ctx context.Context, chatID, userID, sharePath string) error {
	defer observe("set_share_path", time.Now())
	return m.inner.SetSharePath(ctx, chatID, userID, sharePath)
}

func (m *metricsStore) DeleteChat(ctx context.Context, chatID, userID string) error {
	defer observe("delete_chat", time.Now())
	return m.inner.DeleteChat(ctx, chatID, userID)
}

func (m *metricsStore) DeleteUserChats(ctx context.Context, userID string) (int64, error) {
	defer observe("delete_user_chats", time.Now())
	return m.inner.DeleteUserChats(ctx, userID)
}

func (m *metricsStore) ListChatRefs(ctx context.Context, userID string) ([]model.ChatRef, error) {
	defer observe("list_chat_refs", time.Now())
	return m.inner.ListChatRefs(ctx, userID)
}

func (m *metricsStore) ListUserIDs(ctx context.Context) ([]string, error) {
	defer observe("list_user_ids", time.Now())
	return m.inner.ListUserIDs(ctx)
}

func (m *metricsStore) GetIndex(ctx context.Context, userID string) (*model.UserChatIndex, error) {
	defer observe("get_index", time.Now())
	return m.inner.GetIndex(ctx, userID)
}

func (m *metricsStore) IndexContains(ctx context.Context, userID, chatID string) (bool, error) {
	defer observe("index_contains", time.Now())
	return m.inner.IndexContains(ctx, userID, chatID)
}

func (m *metricsStore) TouchIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	defer observe("touch_index_entry", time.Now())
	return m.inner.TouchIndexEntry(ctx, userID, chatID, at)
}

func (m *metricsStore) AddIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	defer observe("add_index_entry", time.Now())
	return m.inner.AddIndexEntry(ctx, userID, chatID, at)
}

func (m *metricsStore) RemoveIndexEntry(ctx context.Context, userID, chatID string) error {
	defer observe("remove_index_entry", time.Now())
	return m.inner.RemoveIndexEntry(ctx, userID, chatID)
}

func (m *metricsStore) ResetIndex(ctx context.Context, userID string) error {
	defer observe("reset_index", time.Now())
	return m.inner.ResetIndex(ctx, userID)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
