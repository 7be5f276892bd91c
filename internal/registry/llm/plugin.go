package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/chirino/chat-memory/internal/model"
)

// Generator is a streaming chat model.
//
// Generate returns a lazy sequence of reply chunks for question given the prior
// history. Nothing is sent to the model until the sequence is ranged over. The
// sequence ends after the last chunk, or right after yielding a non-nil error.
type Generator interface {
	Generate(ctx context.Context, history []model.Turn, question string) iter.Seq2[string, error]
}

// Loader creates a generator from config.
type Loader func(ctx context.Context) (Generator, error)

// Plugin represents a model adapter plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a model adapter plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered model adapter names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named model adapter.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown model %q; valid: %v", name, Names())
}
