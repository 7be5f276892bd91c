package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "mongo", cfg.DatastoreType)
	require.Equal(t, "test", cfg.DBName)
	require.Equal(t, "memory", cfg.TranscriptCollection)
	require.Equal(t, "userChatList", cfg.IndexCollection)
	require.Equal(t, 5, cfg.HistoryWindow)
	require.Equal(t, "none", cfg.CacheType)
}

func TestWithContext_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys(" k1=alice, k2=bob ,")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"k1": "alice", "k2": "bob"}, keys)

	_, err = ParseAPIKeys("k1")
	require.Error(t, err)

	_, err = ParseAPIKeys("=alice")
	require.Error(t, err)
}

func TestLoadEnvFile_MissingFileIsIgnored(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, LoadEnvFile(""))
}

func TestLoadEnvFile_DoesNotOverrideExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CHAT_TEST_FROM_FILE=file\nCHAT_TEST_PRESET=file\n"), 0o600))
	t.Setenv("CHAT_TEST_PRESET", "env")
	t.Cleanup(func() { _ = os.Unsetenv("CHAT_TEST_FROM_FILE") })

	require.NoError(t, LoadEnvFile(path))
	require.Equal(t, "file", os.Getenv("CHAT_TEST_FROM_FILE"))
	require.Equal(t, "env", os.Getenv("CHAT_TEST_PRESET"))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "db url is required for mongo")

	cfg.DBURL = "mongodb://localhost:27017"
	require.NoError(t, cfg.Validate())

	cfg.HistoryWindow = -1
	require.Error(t, cfg.Validate())

	mem := DefaultConfig()
	mem.DatastoreType = "memory"
	require.NoError(t, mem.Validate())
}
