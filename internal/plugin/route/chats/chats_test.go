package chats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-memory/internal/commit"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/directory"
	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unreachableStore struct {
	registrystore.ChatStore
}

func (unreachableStore) GetChat(context.Context, string) (*model.ChatSession, error) {
	return nil, errors.New("no reachable servers")
}

func (unreachableStore) GetChatBySharePath(context.Context, string) (*model.ChatSession, error) {
	return nil, errors.New("no reachable servers")
}

func newRouter(t *testing.T) *gin.Engine {
	return newRouterWith(t, func(s registrystore.ChatStore) registrystore.ChatStore { return s })
}

func newRouterWith(t *testing.T, wrap func(registrystore.ChatStore) registrystore.ChatStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting

	store := memory.New()
	c := commit.New(store, nil)
	for _, ex := range []registrystore.Exchange{
		{ChatID: "a1", UserID: "alice", Question: "Hello", Answer: "Hi there!"},
		{ChatID: "a2", UserID: "alice", Question: "Second", Answer: "Two"},
		{ChatID: "b1", UserID: "bob", Question: "Bob here", Answer: "Hi Bob"},
	} {
		require.NoError(t, c.Commit(context.Background(), ex))
	}

	r := gin.New()
	MountRoutes(r, directory.New(wrap(store), nil), security.AuthMiddleware(security.NewTokenResolver(context.Background(), &cfg)))
	return r
}

func do(r *gin.Engine, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func listIDs(t *testing.T, r *gin.Engine, user string) []string {
	t.Helper()
	rec := do(r, http.MethodGet, "/v1/chats", user)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []model.ChatSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	ids := []string{}
	for _, c := range body.Data {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestListAndGet(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, []string{"a1", "a2"}, listIDs(t, r, "alice"))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/chats", "").Code)

	rec := do(r, http.MethodGet, "/v1/chats/a1", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var chat model.ChatSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "Hello", chat.Title)
	assert.Equal(t, "/chat/a1", chat.Path)
	assert.Len(t, chat.Messages, 2)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/chats/a1", "bob").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/chats/never", "alice").Code)
}

func TestRemove(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/v1/chats/a1", "alice").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/chats/a1", "alice").Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/v1/chats/a1", "alice").Code)
	assert.Equal(t, []string{"a2"}, listIDs(t, r, "alice"))
}

func TestClear(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/v1/chats", "alice").Code)
	assert.Empty(t, listIDs(t, r, "alice"))
	assert.Equal(t, []string{"b1"}, listIDs(t, r, "bob"))
}

func TestShare(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/share/a1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/v1/chats/a1/share", "bob").Code)

	for range 2 {
		rec := do(r, http.MethodPost, "/v1/chats/a1/share", "alice")
		require.Equal(t, http.StatusOK, rec.Code)
		var chat model.ChatSession
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
		assert.Equal(t, "/share/a1", chat.SharePath)
	}

	rec := do(r, http.MethodGet, "/share/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shared model.ChatSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shared))
	assert.Equal(t, "a1", shared.ID)
	assert.Equal(t, "alice", shared.UserID)
}

func TestReadFailuresAreNotFound(t *testing.T) {
	r := newRouterWith(t, func(s registrystore.ChatStore) registrystore.ChatStore { return unreachableStore{s} })

	rec := do(r, http.MethodGet, "/v1/chats/a1", "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "no reachable servers")
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/share/a1", "").Code)
}
