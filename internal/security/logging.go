package security

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each HTTP request once it completes. Requests whose
// path starts with one of skipPrefixes are passed through without logging.
//
// Streaming chat responses are logged after the last chunk, so the duration
// covers the whole reply.
func AccessLogMiddleware(skipPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range skipPrefixes {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}
		start := time.Now()
		c.Next()

		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"user", GetUserID(c),
			"clientIP", c.ClientIP(),
		)
	}
}
