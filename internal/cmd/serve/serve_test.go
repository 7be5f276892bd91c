package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxBodySizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/api/chat", func(c *gin.Context) {
		n, err := io.Copy(io.Discard, c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, "%d", n)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("012")))
	assert.Equal(t, "3", rec.Body.String())
}

func TestStartServerEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "memory"
	cfg.ModelType = "echo"
	cfg.CacheType = "local"
	cfg.Listener.Port = 0

	srv, err := StartServer(context.Background(), &cfg)
	require.NoError(t, err)
	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)
	client := &http.Client{Timeout: 10 * time.Second}

	send := func(method, path, body string) *http.Response {
		req, err := http.NewRequest(method, base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer alice")
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := send(http.MethodPost, "/api/chat", `{"id":"c1","messages":[{"role":"user","content":"ping"}]}`)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "You said: ping", string(body))
	assert.Equal(t, "ok", resp.Trailer.Get("X-Stream-Status"))

	require.NoError(t, srv.Pipeline.Drain(context.Background()))

	resp = send(http.MethodGet, "/v1/chats/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat model.ChatSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	resp.Body.Close()
	assert.Len(t, chat.Messages, 2)

	resp = send(http.MethodGet, "/ready", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
