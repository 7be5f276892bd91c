package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/plugin/store/mongo"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/testutil/containers"
	"github.com/chirino/chat-memory/internal/testutil/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMongoStore(t *testing.T) {
	dbURL := containers.Mongo(t)
	_ = mongo.ForceImport

	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		cfg := config.DefaultConfig()
		cfg.DBURL = dbURL
		// A fresh database per subtest keeps the contract tests independent.
		cfg.DBName = "chat_" + uuid.NewString()[:8]
		ctx := config.WithContext(context.Background(), &cfg)

		require.NoError(t, registrymigrate.RunAll(ctx))

		loader, err := registrystore.Select("mongo")
		require.NoError(t, err)
		store, err := loader(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store, ctx
	})
}
