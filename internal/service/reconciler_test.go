package service

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendChat(t *testing.T, store registrystore.ChatStore, chatID, userID string, at time.Time) {
	t.Helper()
	require.NoError(t, store.AppendExchange(context.Background(), registrystore.Exchange{
		ChatID: chatID, UserID: userID, Title: chatID, Question: "q", Answer: "a", At: at,
	}))
}

func refIDs(refs []model.ChatRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.ID
	}
	return out
}

func TestReconcileUserAddsAndDrops(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	appendChat(t, store, "c1", "alice", t0)
	appendChat(t, store, "c2", "alice", t0.Add(time.Minute))
	appendChat(t, store, "c3", "alice", t0.Add(2*time.Minute))
	touched := t0.Add(time.Hour)
	require.NoError(t, store.AddIndexEntry(ctx, "alice", "c3", touched))
	require.NoError(t, store.AddIndexEntry(ctx, "alice", "gone", t0))

	r := NewIndexReconciler(store, 0)
	changed, err := r.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	idx, err := store.GetIndex(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c1", "c2"}, refIDs(idx.Chats))
	assert.Equal(t, touched, idx.Chats[0].UpdatedAt, "existing entries keep their updatedAt")

	changed, err = r.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, changed, "a healthy index is left alone")
}

func TestReconcileUserCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	appendChat(t, store, "c1", "alice", t0)
	require.NoError(t, store.AddIndexEntry(ctx, "alice", "c1", t0.Add(time.Hour)))
	require.NoError(t, store.AddIndexEntry(ctx, "alice", "c1", t0))

	changed, err := NewIndexReconciler(store, 0).ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	idx, err := store.GetIndex(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, refIDs(idx.Chats))
	assert.Equal(t, t0.Add(time.Hour), idx.Chats[0].UpdatedAt)
}

// commitDuringReconcile indexes a new chat right after the reconciler has
// taken its snapshot of the index.
type commitDuringReconcile struct {
	registrystore.ChatStore
	commit func()
}

func (s *commitDuringReconcile) GetIndex(ctx context.Context, userID string) (*model.UserChatIndex, error) {
	idx, err := s.ChatStore.GetIndex(ctx, userID)
	if s.commit != nil {
		s.commit()
		s.commit = nil
	}
	return idx, err
}

func TestReconcileUserKeepsConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	appendChat(t, inner, "c1", "alice", time.Now())
	require.NoError(t, inner.AddIndexEntry(ctx, "alice", "c1", time.Now()))
	appendChat(t, inner, "orphan", "alice", time.Now())

	store := &commitDuringReconcile{ChatStore: inner}
	store.commit = func() {
		appendChat(t, inner, "fresh", "alice", time.Now())
		require.NoError(t, inner.AddIndexEntry(ctx, "alice", "fresh", time.Now()))
	}

	changed, err := NewIndexReconciler(store, 0).ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	idx, err := inner.GetIndex(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "fresh", "orphan"}, refIDs(idx.Chats))
}

func TestReconcileUserCreatesMissingIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	appendChat(t, store, "c1", "bob", time.Now())

	changed, err := NewIndexReconciler(store, 0).ReconcileUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	idx, err := store.GetIndex(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, refIDs(idx.Chats))

	changed, err = NewIndexReconciler(store, 0).ReconcileUser(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	appendChat(t, store, "a1", "alice", time.Now())
	appendChat(t, store, "b1", "bob", time.Now())
	require.NoError(t, store.AddIndexEntry(ctx, "alice", "a1", time.Now()))

	repaired, err := NewIndexReconciler(store, 0).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	idx, err := store.GetIndex(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, idx.Contains("b1"))
}

func TestReconcilerStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.New()
	appendChat(t, store, "a1", "alice", time.Now())

	done := make(chan struct{})
	go func() {
		NewIndexReconciler(store, 10*time.Millisecond).Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		ok, _ := store.IndexContains(context.Background(), "alice", "a1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
