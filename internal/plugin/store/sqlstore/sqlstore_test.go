package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/plugin/store/sqlstore"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/testutil/containers"
	"github.com/chirino/chat-memory/internal/testutil/storetest"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, kind, dbURL string) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = kind
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure the sql store plugin is registered
	_ = sqlstore.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select(kind)
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, ctx
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		dsn := filepath.Join(t.TempDir(), "chat.db") + "?_busy_timeout=5000"
		return setupTestStore(t, "sqlite", dsn)
	})
}

func TestPostgresStore(t *testing.T) {
	dbURL := containers.Postgres(t)
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		return setupTestStore(t, "postgres", dbURL)
	})
}
