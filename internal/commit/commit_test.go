package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingIndexStore struct {
	registrystore.ChatStore
}

func (failingIndexStore) AddIndexEntry(context.Context, string, string, time.Time) error {
	return errors.New("index unavailable")
}

type failingAppendStore struct {
	registrystore.ChatStore
}

func (failingAppendStore) AppendExchange(context.Context, registrystore.Exchange) error {
	return errors.New("write timeout")
}

func TestCommitCreatesTranscriptAndIndex(t *testing.T) {
	store := memory.New()
	c := New(store, nil)
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx, registrystore.Exchange{
		ChatID: "c1", UserID: "alice", Question: "Hello", Answer: "Hi there!",
	}))

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", chat.UserID)
	assert.Equal(t, "Hello", chat.Title)
	assert.Equal(t, "/chat/c1", chat.Path)
	assert.Equal(t, []model.Turn{
		{Role: model.RoleHuman, Content: "Hello"},
		{Role: model.RoleAI, Content: "Hi there!"},
	}, chat.Messages)

	idx, err := store.GetIndex(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, idx.Chats, 1)
	assert.Equal(t, "c1", idx.Chats[0].ID)
}

func TestCommitTitleIsTruncated(t *testing.T) {
	store := memory.New()
	long := strings.Repeat("é", 150)
	require.NoError(t, New(store, nil).Commit(context.Background(), registrystore.Exchange{
		ChatID: "c1", UserID: "alice", Question: long, Answer: "ok",
	}))
	chat, err := store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 100), chat.Title)
}

func TestCommitNExchangesYieldsTwoNTurns(t *testing.T) {
	store := memory.New()
	c := New(store, nil)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		require.NoError(t, c.Commit(ctx, registrystore.Exchange{
			ChatID: "c1", UserID: "alice",
			Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i),
			At: first.Add(time.Duration(i) * time.Minute),
		}))
	}

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, chat.Messages, 8)
	assert.Equal(t, "q0", chat.Title, "title is fixed by the first exchange")
	assert.Equal(t, first, chat.CreatedAt)

	idx, err := store.GetIndex(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, idx.Chats, 1, "repeat commits touch the entry instead of adding one")
	assert.Equal(t, first.Add(3*time.Minute), idx.Chats[0].UpdatedAt)
}

func TestConcurrentCommitsCompose(t *testing.T) {
	store := memory.New()
	c := New(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			assert.NoError(t, c.Commit(ctx, registrystore.Exchange{
				ChatID: "c1", UserID: "alice",
				Question: fmt.Sprintf("q%d", i), Answer: fmt.Sprintf("a%d", i),
			}))
		})
	}
	wg.Wait()

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 20)
	for i := 0; i < len(chat.Messages); i += 2 {
		assert.Equal(t, model.RoleHuman, chat.Messages[i].Role)
		assert.Equal(t, model.RoleAI, chat.Messages[i+1].Role)
		assert.Equal(t, "a"+chat.Messages[i].Content[1:], chat.Messages[i+1].Content)
	}
}

func TestCommitTranscriptFailureWritesNothing(t *testing.T) {
	store := memory.New()
	err := New(failingAppendStore{store}, nil).Commit(context.Background(), registrystore.Exchange{
		ChatID: "c1", UserID: "alice", Question: "q", Answer: "a",
	})
	require.Error(t, err)

	_, err = store.GetIndex(context.Background(), "alice")
	var nf *registrystore.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCommitIndexFailureKeepsTranscript(t *testing.T) {
	store := memory.New()
	err := New(failingIndexStore{store}, nil).Commit(context.Background(), registrystore.Exchange{
		ChatID: "c1", UserID: "alice", Question: "q", Answer: "a",
	})
	var idxErr *IndexError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, "c1", idxErr.ChatID)

	chat, err := store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, chat.Messages, 2)
}

func TestCommitRequiresIdentifiers(t *testing.T) {
	c := New(memory.New(), nil)
	var ve *registrystore.ValidationError
	require.ErrorAs(t, c.Commit(context.Background(), registrystore.Exchange{UserID: "alice"}), &ve)
	assert.Equal(t, "chatId", ve.Field)
	require.ErrorAs(t, c.Commit(context.Background(), registrystore.Exchange{ChatID: "c1"}), &ve)
	assert.Equal(t, "userId", ve.Field)
}
