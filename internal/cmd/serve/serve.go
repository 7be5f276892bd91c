package serve

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	registrycache "github.com/chirino/chat-memory/internal/registry/cache"
	registryllm "github.com/chirino/chat-memory/internal/registry/llm"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-memory/internal/plugin/cache/infinispan"
	_ "github.com/chirino/chat-memory/internal/plugin/cache/local"
	_ "github.com/chirino/chat-memory/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-memory/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-memory/internal/plugin/llm/echo"
	_ "github.com/chirino/chat-memory/internal/plugin/llm/openai"
	_ "github.com/chirino/chat-memory/internal/plugin/store/memory"
	_ "github.com/chirino/chat-memory/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-memory/internal/plugin/store/sqlstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var apiKeys string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat memory HTTP server",
		Flags: flags(&cfg, &apiKeys),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keys, err := config.ParseAPIKeys(apiKeys)
			if err != nil {
				return err
			}
			cfg.APIKeys = keys
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Verbose {
				log.SetLevel(log.DebugLevel)
			}
			return run(config.WithContext(ctx, &cfg), &cfg)
		},
	}
}

func flags(cfg *config.Config, apiKeys *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Sources:     cli.EnvVars("CHAT_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode: prod or testing (testing accepts the user id as bearer token)",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; a self-signed certificate is generated when empty",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_READ_HEADER_TIMEOUT"),
			Destination: &cfg.Listener.ReadHeaderTimeout,
			Value:       cfg.Listener.ReadHeaderTimeout,
			Usage:       "HTTP read header timeout",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; CORS is disabled when empty",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "How long shutdown waits for in-flight replies to finish and commit",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics; when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Chat store backend (mongo|postgres|sqlite|memory)",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_URL", "MONGODB_URI"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_NAME", "MONGODB_DATABASE"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "MongoDB database name",
		},
		&cli.StringFlag{
			Name:        "transcript-collection",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_TRANSCRIPT_COLLECTION", "MONGODB_CHAT_MEM_COLLECTION"),
			Destination: &cfg.TranscriptCollection,
			Value:       cfg.TranscriptCollection,
			Usage:       "MongoDB collection holding chat transcripts",
		},
		&cli.StringFlag{
			Name:        "index-collection",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_INDEX_COLLECTION", "MONGODB_USER_CHAT_LIST_COLLECTION"),
			Destination: &cfg.IndexCollection,
			Value:       cfg.IndexCollection,
			Usage:       "MongoDB collection holding per-user chat indexes",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create indexes and tables before serving",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},
		&cli.DurationFlag{
			Name:        "reconcile-interval",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_RECONCILE_INTERVAL"),
			Destination: &cfg.ReconcileInterval,
			Usage:       "Rebuild drifted chat indexes on this interval; 0 disables",
		},

		// ── Chat Model ────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "history-window",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_HISTORY_WINDOW", "LAST_K_CHAT_HISTORY"),
			Destination: &cfg.HistoryWindow,
			Value:       cfg.HistoryWindow,
			Usage:       "Number of most recent turns sent to the model",
		},
		&cli.StringFlag{
			Name:        "model-kind",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_MODEL_KIND"),
			Destination: &cfg.ModelType,
			Value:       cfg.ModelType,
			Usage:       "Model adapter (openai|echo)",
		},
		&cli.StringFlag{
			Name:        "model",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_MODEL", "OPEN_AI_MODEL"),
			Destination: &cfg.ModelName,
			Value:       cfg.ModelName,
			Usage:       "Model name",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_OPENAI_BASE_URL", "OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.StringFlag{
			Name:        "system-prompt",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_SYSTEM_PROMPT"),
			Destination: &cfg.SystemPrompt,
			Value:       cfg.SystemPrompt,
			Usage:       "Instruction placed ahead of the chat history",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_VERBOSE", "OPENAI_VERBOSE"),
			Destination: &cfg.Verbose,
			Usage:       "Log model requests and stream chunks at debug level",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "History window cache (none|local|redis|infinispan)",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL, e.g. redis://localhost:6379",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP endpoint host:port",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "How long a cached history window lives",
		},

		// ── Authentication ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("CHAT_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("CHAT_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL when it differs from the issuer",
		},
		&cli.StringFlag{
			Name:        "api-keys",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("CHAT_API_KEYS"),
			Destination: apiKeys,
			Usage:       "Comma-separated token=userId pairs accepted as bearer tokens",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	srv, err := StartServer(ctx, cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

// loadStore connects the configured chat store. The connection is pinged so a
// bad URL fails at startup.
func loadStore(ctx context.Context, cfg *config.Config) (registrystore.ChatStore, error) {
	loader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	return loader(ctx)
}

// loadCache returns the configured window cache, or a disabled one when it
// cannot be initialized.
func loadCache(ctx context.Context, cfg *config.Config) registrycache.WindowCache {
	for _, name := range []string{cfg.CacheType, "none"} {
		loader, err := registrycache.Select(name)
		if err != nil {
			log.Warn("Cache not available", "cache", name, "err", err)
			continue
		}
		cache, err := loader(ctx)
		if err != nil {
			log.Warn("Failed to initialize cache", "cache", name, "err", err)
			continue
		}
		return cache
	}
	return nil
}

func loadModel(ctx context.Context, cfg *config.Config) (registryllm.Generator, error) {
	loader, err := registryllm.Select(cfg.ModelType)
	if err != nil {
		return nil, err
	}
	return loader(ctx)
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}

// shutdownTimeout bounds store disconnects after the drain deadline has passed.
const shutdownTimeout = 5 * time.Second
