package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the speaker of a Turn. The stored values are "human" and "ai".
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// ParseRole accepts the stored role names plus the "user"/"assistant" aliases
// used by most chat clients.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human", "user":
		return RoleHuman, true
	case "ai", "assistant":
		return RoleAI, true
	default:
		return "", false
	}
}

// Turn is one message of a transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatSession is the transcript of one chat, owned by exactly one user.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Path      string    `json:"path"`
	SharePath string    `json:"sharePath,omitempty"`
	Messages  []Turn    `json:"messages"`
}

// ChatRef is one entry of a UserChatIndex.
type ChatRef struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserChatIndex lists the chats a user has, in the order they were first committed.
type UserChatIndex struct {
	UserID string    `json:"userId"`
	Chats  []ChatRef `json:"chats"`
}

// Contains reports whether the index lists chatID.
func (idx *UserChatIndex) Contains(chatID string) bool {
	if idx == nil {
		return false
	}
	for _, ref := range idx.Chats {
		if ref.ID == chatID {
			return true
		}
	}
	return false
}

// TitleMaxLength is the number of characters of the opening message kept as a chat title.
const TitleMaxLength = 100

// DeriveTitle returns the first TitleMaxLength characters of the opening message.
func DeriveTitle(firstMessage string) string {
	if utf8.RuneCountInString(firstMessage) <= TitleMaxLength {
		return firstMessage
	}
	runes := []rune(firstMessage)
	return string(runes[:TitleMaxLength])
}

// ChatPath is the client route of a chat.
func ChatPath(chatID string) string {
	return "/chat/" + chatID
}

// SharePath is the public route of a shared chat.
func SharePath(chatID string) string {
	return "/share/" + chatID
}
