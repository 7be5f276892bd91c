package cache

import (
	"context"
	"fmt"

	"github.com/chirino/chat-memory/internal/model"
)

// Window is a cached history window. Gen is the chat's invalidation
// generation observed before the window was read from the store.
type Window struct {
	UserID string       `json:"userId"`
	K      int          `json:"k"`
	Gen    uint64       `json:"gen"`
	Turns  []model.Turn `json:"turns"`
}

// WindowCache caches the last-K history window of a chat.
//
// Entries are keyed by chat id alone so a single Invalidate drops every cached
// window of that chat; Get only reports a hit when the user and K match.
//
// Every Invalidate advances the chat's generation. Callers read Generation
// before loading a window from the store and pass it to Set; Get never serves
// a window whose generation is behind, so a fill that raced a commit is
// dropped instead of shadowing the newer turns.
type WindowCache interface {
	Available() bool
	Generation(ctx context.Context, chatID string) (uint64, error)
	Get(ctx context.Context, chatID, userID string, k int) ([]model.Turn, bool, error)
	Set(ctx context.Context, chatID, userID string, k int, gen uint64, turns []model.Turn) error
	Invalidate(ctx context.Context, chatIDs ...string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (WindowCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

// Matches reports whether w holds the window requested for (userID, k) and is
// current as of generation gen.
func (w *Window) Matches(userID string, k int, gen uint64) bool {
	return w != nil && w.UserID == userID && w.K == k && w.Gen == gen
}
