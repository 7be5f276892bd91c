package memory_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-memory/internal/plugin/store/memory"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/testutil/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		return memory.New(), context.Background()
	})
}
