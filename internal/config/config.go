package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// DefaultSystemPrompt is the instruction placed ahead of the chat history.
const DefaultSystemPrompt = "You are a digital marketing manager, strictly talk only about marketing content. " +
	"Otherwise respond with 'I am a marketing chatbot, i do not have answer to your question.' " +
	"Use the following pieces of chat_history to answer the question at the end. " +
	"If you don't know the answer, just say that you don't know, don't try to make up an answer."

// Config holds all configuration for the chat memory service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the bearer token is taken as the user id.
	Mode string

	// Datastore
	DatastoreType           string // "mongo", "postgres", "sqlite" or "memory"
	DBURL                   string
	DBName                  string
	TranscriptCollection    string
	IndexCollection         string
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// HistoryWindow is the number of most recent turns handed to the model.
	HistoryWindow int

	// Model adapter
	ModelType     string // "openai" or "echo"
	ModelName     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	SystemPrompt  string
	Verbose       bool

	// Window cache
	CacheType          string // "none", "local", "redis" or "infinispan"
	RedisURL           string
	InfinispanHost     string
	InfinispanUsername string
	InfinispanPassword string
	CacheTTL           time.Duration

	// Auth
	OIDCIssuer       string
	OIDCDiscoveryURL string
	// APIKeys maps a static bearer token to the user id it authenticates.
	APIKeys map[string]string

	// Background index reconciliation; zero disables it.
	ReconcileInterval time.Duration

	// Network listeners
	Listener                  ListenerConfig
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool

	CORSOrigins   string
	MetricsLabels string
	MaxBodySize   int64
	DrainTimeout  time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "mongo",
		DBName:                  "test",
		TranscriptCollection:    "memory",
		IndexCollection:         "userChatList",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		HistoryWindow:           5,
		ModelType:               "openai",
		ModelName:               "gpt-3.5-turbo",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		SystemPrompt:            DefaultSystemPrompt,
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MetricsLabels: "service=chat-memory",
		MaxBodySize:   1024 * 1024,
		DrainTimeout:  30 * time.Second,
	}
}

// ParseAPIKeys parses "token=userId" pairs separated by commas.
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, userID, ok := strings.Cut(part, "=")
		token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("invalid api key entry %q: expected token=userId", part)
		}
		keys[token] = userID
	}
	return keys, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that cannot be expressed as flag constraints.
func (c *Config) Validate() error {
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history window must not be negative, got %d", c.HistoryWindow)
	}
	if c.DatastoreType != "memory" && strings.TrimSpace(c.DBURL) == "" {
		return fmt.Errorf("--db-url is required for datastore %q", c.DatastoreType)
	}
	if c.Listener.EnableTLS && (c.Listener.TLSCertFile == "") != (c.Listener.TLSKeyFile == "") {
		return fmt.Errorf("--tls-cert-file and --tls-key-file must be set together")
	}
	return nil
}
