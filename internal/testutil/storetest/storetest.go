// Package storetest holds behavior tests shared by every ChatStore implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) (registrystore.ChatStore, context.Context)

// Run exercises the ChatStore contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendCreatesTranscript", func(t *testing.T) { testAppendCreatesTranscript(t, newStore) })
	t.Run("AppendKeepsInsertOnlyFields", func(t *testing.T) { testAppendKeepsInsertOnlyFields(t, newStore) })
	t.Run("ConcurrentAppendsKeepPairs", func(t *testing.T) { testConcurrentAppends(t, newStore) })
	t.Run("AppendToForeignChatConflicts", func(t *testing.T) { testAppendConflict(t, newStore) })
	t.Run("RecentTurns", func(t *testing.T) { testRecentTurns(t, newStore) })
	t.Run("SharePath", func(t *testing.T) { testSharePath(t, newStore) })
	t.Run("DeleteChat", func(t *testing.T) { testDeleteChat(t, newStore) })
	t.Run("DeleteUserChats", func(t *testing.T) { testDeleteUserChats(t, newStore) })
	t.Run("IndexLifecycle", func(t *testing.T) { testIndexLifecycle(t, newStore) })
	t.Run("ListRefsAndUsers", func(t *testing.T) { testListRefsAndUsers(t, newStore) })
}

func newID() string {
	return uuid.NewString()
}

// user returns a user id unique to the calling test so stores may be shared.
func user(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func exchange(chatID, userID string, n int, at time.Time) registrystore.Exchange {
	return registrystore.Exchange{
		ChatID:   chatID,
		UserID:   userID,
		Title:    fmt.Sprintf("title %d", n),
		Question: fmt.Sprintf("question %d", n),
		Answer:   fmt.Sprintf("answer %d", n),
		At:       at,
	}
}

func testAppendCreatesTranscript(t *testing.T, newStore Factory) {
	alice := user("alice")
	store, ctx := newStore(t)
	chatID, at := newID(), now()

	require.NoError(t, store.AppendExchange(ctx, registrystore.Exchange{
		ChatID: chatID, UserID: alice, Title: "Hello", Question: "Hello", Answer: "Hi there!", At: at,
	}))

	chat, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, chatID, chat.ID)
	assert.Equal(t, alice, chat.UserID)
	assert.Equal(t, "Hello", chat.Title)
	assert.Equal(t, "/chat/"+chatID, chat.Path)
	assert.Empty(t, chat.SharePath)
	assert.True(t, at.Equal(chat.CreatedAt), "createdAt %v != %v", chat.CreatedAt, at)
	assert.Equal(t, []model.Turn{
		{Role: model.RoleHuman, Content: "Hello"},
		{Role: model.RoleAI, Content: "Hi there!"},
	}, chat.Messages)

	_, err = store.GetChat(ctx, newID())
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func testAppendKeepsInsertOnlyFields(t *testing.T, newStore Factory) {
	alice := user("alice")
	store, ctx := newStore(t)
	chatID, first := newID(), now()

	require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, 1, first)))
	require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, 2, first.Add(time.Minute))))

	chat, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "title 1", chat.Title)
	assert.True(t, first.Equal(chat.CreatedAt))
	require.Len(t, chat.Messages, 4)
	assert.Equal(t, "question 2", chat.Messages[2].Content)
	assert.Equal(t, "answer 2", chat.Messages[3].Content)
}

func testConcurrentAppends(t *testing.T, newStore Factory) {
	alice := user("alice")
	store, ctx := newStore(t)
	chatID := newID()
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.AppendExchange(ctx, exchange(chatID, alice, i, now()))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	chat, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 2*n)
	for i := 0; i < len(chat.Messages); i += 2 {
		human, ai := chat.Messages[i], chat.Messages[i+1]
		require.Equal(t, model.RoleHuman, human.Role)
		require.Equal(t, model.RoleAI, ai.Role)
		var q, a int
		_, err := fmt.Sscanf(human.Content, "question %d", &q)
		require.NoError(t, err)
		_, err = fmt.Sscanf(ai.Content, "answer %d", &a)
		require.NoError(t, err)
		require.Equal(t, q, a, "exchange turns must stay adjacent")
	}
}

func testAppendConflict(t *testing.T, newStore Factory) {
	alice := user("alice")
	store, ctx := newStore(t)
	chatID := newID()

	require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, 1, now())))
	err := store.AppendExchange(ctx, exchange(chatID, user("mallory"), 2, now()))
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)

	chat, err := store.GetChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, alice, chat.UserID)
	assert.Len(t, chat.Messages, 2)
}

func testRecentTurns(t *testing.T, newStore Factory) {
	alice, bob := user("alice"), user("bob")
	store, ctx := newStore(t)
	chatID := newID()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, i, now())))
	}

	turns, err := store.RecentTurns(ctx, chatID, alice, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.Turn{
		{Role: model.RoleHuman, Content: "question 3"},
		{Role: model.RoleAI, Content: "answer 3"},
	}, turns)

	turns, err = store.RecentTurns(ctx, chatID, alice, 5)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, "answer 1", turns[0].Content)

	turns, err = store.RecentTurns(ctx, chatID, alice, 50)
	require.NoError(t, err)
	assert.Len(t, turns, 6)

	turns, err = store.RecentTurns(ctx, chatID, bob, 2)
	require.NoError(t, err)
	assert.Empty(t, turns)

	turns, err = store.RecentTurns(ctx, newID(), alice, 2)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func testSharePath(t *testing.T, newStore Factory) {
	alice, bob := user("alice"), user("bob")
	store, ctx := newStore(t)
	chatID := newID()
	require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, 1, now())))

	var nf *registrystore.NotFoundError
	require.ErrorAs(t, store.SetSharePath(ctx, chatID, bob, model.SharePath(chatID)), &nf)

	_, err := store.GetChatBySharePath(ctx, model.SharePath(chatID))
	require.ErrorAs(t, err, &nf, "not shared yet")

	require.NoError(t, store.SetSharePath(ctx, chatID, alice, model.SharePath(chatID)))
	require.NoError(t, store.SetSharePath(ctx, chatID, alice, model.SharePath(chatID)))

	shared, err := store.GetChatBySharePath(ctx, model.SharePath(chatID))
	require.NoError(t, err)
	assert.Equal(t, chatID, shared.ID)
	assert.Equal(t, model.SharePath(chatID), shared.SharePath)
	assert.Len(t, shared.Messages, 2)
}

func testDeleteChat(t *testing.T, newStore Factory) {
	alice, bob := user("alice"), user("bob")
	store, ctx := newStore(t)
	chatID := newID()
	require.NoError(t, store.AppendExchange(ctx, exchange(chatID, alice, 1, now())))

	require.NoError(t, store.DeleteChat(ctx, chatID, bob))
	_, err := store.GetChat(ctx, chatID)
	require.NoError(t, err, "another user cannot delete the chat")

	require.NoError(t, store.DeleteChat(ctx, chatID, alice))
	_, err = store.GetChat(ctx, chatID)
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)

	require.NoError(t, store.DeleteChat(ctx, chatID, alice), "deleting a missing chat succeeds")
}

func testDeleteUserChats(t *testing.T, newStore Factory) {
	alice, bob := user("alice"), user("bob")
	store, ctx := newStore(t)
	a1, a2, b1 := newID(), newID(), newID()
	require.NoError(t, store.AppendExchange(ctx, exchange(a1, alice, 1, now())))
	require.NoError(t, store.AppendExchange(ctx, exchange(a2, alice, 2, now())))
	require.NoError(t, store.AppendExchange(ctx, exchange(b1, bob, 3, now())))

	n, err := store.DeleteUserChats(ctx, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	refs, err := store.ListChatRefs(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = store.GetChat(ctx, b1)
	require.NoError(t, err)
}

func testIndexLifecycle(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	owner := user("owner")
	c1, c2 := newID(), newID()
	t0 := now()

	_, err := store.GetIndex(ctx, owner)
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)

	ok, err := store.IndexContains(ctx, owner, c1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.AddIndexEntry(ctx, owner, c1, t0))
	require.NoError(t, store.AddIndexEntry(ctx, owner, c2, t0.Add(time.Second)))

	ok, err = store.IndexContains(ctx, owner, c1)
	require.NoError(t, err)
	assert.True(t, ok)

	t1 := t0.Add(time.Hour)
	require.NoError(t, store.TouchIndexEntry(ctx, owner, c1, t1))

	idx, err := store.GetIndex(ctx, owner)
	require.NoError(t, err)
	require.Len(t, idx.Chats, 2)
	assert.Equal(t, c1, idx.Chats[0].ID)
	assert.True(t, t1.Equal(idx.Chats[0].UpdatedAt))
	assert.Equal(t, c2, idx.Chats[1].ID)

	require.NoError(t, store.RemoveIndexEntry(ctx, owner, c1))
	require.NoError(t, store.RemoveIndexEntry(ctx, owner, newID()))
	idx, err = store.GetIndex(ctx, owner)
	require.NoError(t, err)
	require.Len(t, idx.Chats, 1)
	assert.Equal(t, c2, idx.Chats[0].ID)

	require.NoError(t, store.ResetIndex(ctx, owner))
	idx, err = store.GetIndex(ctx, owner)
	require.NoError(t, err, "reset keeps the index document")
	assert.Empty(t, idx.Chats)
}

func testListRefsAndUsers(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	alice, bob, carol := user("alice"), user("bob"), user("carol")
	first, second := newID(), newID()
	t0 := now()

	require.NoError(t, store.AppendExchange(ctx, exchange(first, alice, 1, t0)))
	require.NoError(t, store.AppendExchange(ctx, exchange(second, alice, 2, t0.Add(time.Second))))
	require.NoError(t, store.AppendExchange(ctx, exchange(newID(), bob, 3, t0)))
	require.NoError(t, store.AddIndexEntry(ctx, carol, newID(), t0))

	refs, err := store.ListChatRefs(ctx, alice)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, first, refs[0].ID)
	assert.True(t, t0.Equal(refs[0].UpdatedAt))
	assert.Equal(t, second, refs[1].ID)

	users, err := store.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Subset(t, users, []string{alice, bob, carol})
}
