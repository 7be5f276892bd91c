package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-memory/internal/model"
)

// Exchange is one completed question/answer pair ready to be appended to a transcript.
type Exchange struct {
	ChatID   string
	UserID   string
	Title    string
	Question string
	Answer   string
	At       time.Time
}

// Turns returns the human and ai turns of the exchange, in that order.
func (e Exchange) Turns() []model.Turn {
	return []model.Turn{
		{Role: model.RoleHuman, Content: e.Question},
		{Role: model.RoleAI, Content: e.Answer},
	}
}

// ChatStore is the document store adapter for chat transcripts and per-user chat indexes.
//
// Transcript methods that take a userID only match transcripts owned by that user.
// Missing documents are reported as *NotFoundError on single-document reads, and
// deletes of missing documents succeed.
type ChatStore interface {
	// AppendExchange atomically appends the exchange's two turns to the transcript
	// for (ChatID, UserID), creating it when absent. Title, CreatedAt and Path are
	// only written on creation. A ChatID owned by another user yields *ConflictError.
	AppendExchange(ctx context.Context, ex Exchange) error
	// RecentTurns returns at most k of the newest turns, oldest first.
	RecentTurns(ctx context.Context, chatID, userID string, k int) ([]model.Turn, error)
	GetChat(ctx context.Context, chatID string) (*model.ChatSession, error)
	GetChatBySharePath(ctx context.Context, sharePath string) (*model.ChatSession, error)
	SetSharePath(ctx context.Context, chatID, userID, sharePath string) error
	DeleteChat(ctx context.Context, chatID, userID string) error
	DeleteUserChats(ctx context.Context, userID string) (int64, error)
	// ListChatRefs returns a reference to every transcript owned by userID, with
	// UpdatedAt set to the transcript's creation time, oldest first.
	ListChatRefs(ctx context.Context, userID string) ([]model.ChatRef, error)
	// ListUserIDs returns every user that owns a transcript or an index.
	ListUserIDs(ctx context.Context) ([]string, error)

	GetIndex(ctx context.Context, userID string) (*model.UserChatIndex, error)
	IndexContains(ctx context.Context, userID, chatID string) (bool, error)
	// TouchIndexEntry sets the updatedAt of an entry already present in the index.
	TouchIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error
	// AddIndexEntry appends an entry, creating the index document when absent.
	AddIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error
	RemoveIndexEntry(ctx context.Context, userID, chatID string) error
	// ResetIndex empties the chats of an existing index document.
	ResetIndex(ctx context.Context, userID string) error

	Close(ctx context.Context) error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
