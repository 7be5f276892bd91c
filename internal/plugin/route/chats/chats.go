package chats

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/directory"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the chat directory routes. Everything under /v1 requires
// auth; GET /share/:shareId is public.
func MountRoutes(r *gin.Engine, svc *directory.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/chats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": svc.List(c.Request.Context(), security.GetUserID(c))})
	})
	g.DELETE("/chats", func(c *gin.Context) {
		if err := svc.Clear(c.Request.Context(), security.GetUserID(c)); err != nil {
			handleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.GET("/chats/:chatId", func(c *gin.Context) {
		chat, err := svc.Get(c.Request.Context(), c.Param("chatId"), security.GetUserID(c))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	})
	g.DELETE("/chats/:chatId", func(c *gin.Context) {
		if err := svc.Remove(c.Request.Context(), c.Param("chatId"), security.GetUserID(c)); err != nil {
			handleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	g.POST("/chats/:chatId/share", func(c *gin.Context) {
		chat, err := svc.Share(c.Request.Context(), c.Param("chatId"), security.GetUserID(c))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	})

	r.GET("/share/:shareId", func(c *gin.Context) {
		chat, err := svc.GetShared(c.Request.Context(), c.Param("shareId"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError

	switch {
	case errors.Is(err, directory.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": "conflict", "error": err.Error()})
	default:
		log.Error("Chat directory error", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "error": "internal server error"})
	}
}
