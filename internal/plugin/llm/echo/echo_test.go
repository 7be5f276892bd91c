package echo

import (
	"context"
	"errors"
	"testing"

	"github.com/chirino/chat-memory/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoStreamsWords(t *testing.T) {
	var chunks []string
	for chunk, err := range New(Fixed("Hi there!")).Generate(context.Background(), nil, "Hello") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []string{"Hi ", "there!"}, chunks)
}

func TestEchoDefaultReply(t *testing.T) {
	var text string
	for chunk, err := range New(nil).Generate(context.Background(), nil, "ping") {
		require.NoError(t, err)
		text += chunk
	}
	assert.Equal(t, "You said: ping", text)
}

func TestEchoFailsAfterPartialReply(t *testing.T) {
	boom := errors.New("boom")
	g := New(func([]model.Turn, string) (string, error) { return "partial", boom })
	var text string
	var gotErr error
	for chunk, err := range g.Generate(context.Background(), nil, "q") {
		if err != nil {
			gotErr = err
			break
		}
		text += chunk
	}
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, gotErr, boom)
}
