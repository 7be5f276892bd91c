// Package echo provides a deterministic in-process model used in testing mode.
package echo

import (
	"context"
	"iter"
	"strings"

	"github.com/chirino/chat-memory/internal/model"
	registryllm "github.com/chirino/chat-memory/internal/registry/llm"
)

// ForceImport is referenced by callers that need the plugin registered.
var ForceImport = 0

func init() {
	registryllm.Register(registryllm.Plugin{
		Name: "echo",
		Loader: func(ctx context.Context) (registryllm.Generator, error) {
			return New(nil), nil
		},
	})
}

// Reply computes the full answer for a question. When it returns an error the
// text returned alongside it is streamed first and the error ends the stream.
type Reply func(history []model.Turn, question string) (string, error)

// Generator streams the reply word by word.
type Generator struct {
	reply Reply
}

// New creates a generator. A nil reply echoes the question back.
func New(reply Reply) *Generator {
	if reply == nil {
		reply = func(_ []model.Turn, question string) (string, error) {
			return "You said: " + question, nil
		}
	}
	return &Generator{reply: reply}
}

// Fixed returns a Reply that always answers text.
func Fixed(text string) Reply {
	return func([]model.Turn, string) (string, error) { return text, nil }
}

func (g *Generator) Generate(ctx context.Context, history []model.Turn, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, replyErr := g.reply(history, question)
		for _, word := range strings.SplitAfter(text, " ") {
			if word == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(word, nil) {
				return
			}
		}
		if replyErr != nil {
			yield("", replyErr)
		}
	}
}

var _ registryllm.Generator = (*Generator)(nil)
