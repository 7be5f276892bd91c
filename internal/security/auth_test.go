package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(mode string, keys map[string]string) *TokenResolver {
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.APIKeys = keys
	return NewTokenResolver(context.Background(), &cfg)
}

func TestResolve_APIKey(t *testing.T) {
	r := newResolver(config.ModeProd, map[string]string{"secret": "alice"})

	id, err := r.Resolve(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "api-key", id.Method)

	_, err = r.Resolve(context.Background(), "alice")
	require.Error(t, err, "unknown tokens are rejected outside testing mode")
}

func TestResolve_TestingModeUsesTokenAsUser(t *testing.T) {
	r := newResolver(config.ModeTesting, nil)

	id, err := r.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)

	_, err = r.Resolve(context.Background(), "  ")
	require.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(newResolver(config.ModeProd, map[string]string{"k1": "alice"})))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "valid key", header: "Bearer k1", status: http.StatusOK, body: "alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestParseMetricsLabels(t *testing.T) {
	labels, err := ParseMetricsLabels("service=chat-memory,env=dev")
	require.NoError(t, err)
	assert.Equal(t, "chat-memory", labels["service"])
	assert.Equal(t, "dev", labels["env"])

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	assert.Nil(t, labels)

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)

	_, err = ParseMetricsLabels("novalue")
	require.Error(t, err)
}
