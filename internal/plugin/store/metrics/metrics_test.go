package metrics_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-memory/internal/plugin/store/memory"
	"github.com/chirino/chat-memory/internal/plugin/store/metrics"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
	"github.com/chirino/chat-memory/internal/testutil/storetest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWrappedStoreKeepsContract(t *testing.T) {
	security.InitMetrics(nil)
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		return metrics.Wrap(memory.New()), context.Background()
	})
	require.Positive(t, testutil.CollectAndCount(security.StoreLatency, "chat_memory_store_latency_seconds"))
}
