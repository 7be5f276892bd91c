package system

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHealthAndReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	MountRoutes(r)

	get := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	MarkNotReady()
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	MarkReady()
	assert.Equal(t, http.StatusOK, get("/ready"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
