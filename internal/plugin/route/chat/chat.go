package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/history"
	"github.com/chirino/chat-memory/internal/model"
	"github.com/chirino/chat-memory/internal/pipeline"
	"github.com/chirino/chat-memory/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderChatID carries the chat id, which the server generates when the
// request has none.
const HeaderChatID = "X-Chat-Id"

// TrailerStreamStatus reports whether the streamed reply completed: "ok" or "error".
const TrailerStreamStatus = "X-Stream-Status"

type messageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ID       string        `json:"id"`
	Messages []messageBody `json:"messages"`
}

// MountRoutes mounts POST /api/chat.
func MountRoutes(r *gin.Engine, provider *history.Provider, p *pipeline.Pipeline, window int, auth gin.HandlerFunc) {
	r.POST("/api/chat", auth, func(c *gin.Context) {
		postChat(c, provider, p, window)
	})
}

func postChat(c *gin.Context, provider *history.Provider, p *pipeline.Pipeline, window int) {
	userID := security.GetUserID(c)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "messages must not be empty"})
		return
	}
	for i, m := range req.Messages {
		if _, ok := model.ParseRole(m.Role); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role)})
			return
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if role, _ := model.ParseRole(last.Role); role != model.RoleHuman {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "last message must come from the user"})
		return
	}
	question := last.Content
	if strings.TrimSpace(question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "last message content must not be empty"})
		return
	}
	chatID := req.ID
	if chatID == "" {
		chatID = uuid.NewString()
	}

	ctx := c.Request.Context()
	s := p.Start(ctx, pipeline.Request{
		ChatID:   chatID,
		UserID:   userID,
		Question: question,
		Title:    model.DeriveTitle(req.Messages[0].Content),
		History:  provider.Window(ctx, chatID, userID, window),
	})
	defer s.Abandon()
	c.Header(HeaderChatID, chatID)

	// Wait for the first chunk so a model that fails up front gets a proper
	// status code instead of an empty 200.
	first, ok, err := s.Next(ctx)
	if err != nil && !ok {
		if errors.Is(err, ctx.Err()) {
			return
		}
		log.Warn("Chat generation failed before first chunk", "chatId", chatID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"code": "generation_failed", "error": "model request failed"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Trailer", TrailerStreamStatus)
	c.Status(http.StatusOK)
	if ok {
		if _, err := c.Writer.WriteString(first); err != nil {
			s.Abandon()
			return
		}
		c.Writer.Flush()
		err = s.Relay(ctx, c.Writer)
	} else {
		c.Writer.WriteHeaderNow()
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Warn("Chat stream ended with error", "chatId", chatID, "err", err)
	}
	c.Writer.Header().Set(TrailerStreamStatus, status)
}
