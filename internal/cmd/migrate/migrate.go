package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their primary interface.
	_ "github.com/chirino/chat-memory/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-memory/internal/plugin/store/sqlstore"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the chat store's collections, tables and indexes",
		Flags: StoreFlags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.DatastoreMigrateAtStart = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType, "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}

// StoreFlags binds the flags needed to reach the chat store.
func StoreFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-kind",
			Sources:     cli.EnvVars("CHAT_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Chat store backend (mongo|postgres|sqlite)",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Sources:     cli.EnvVars("CHAT_DB_URL", "MONGODB_URI"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "db-name",
			Sources:     cli.EnvVars("CHAT_DB_NAME", "MONGODB_DATABASE"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "MongoDB database name",
		},
		&cli.StringFlag{
			Name:        "transcript-collection",
			Sources:     cli.EnvVars("CHAT_TRANSCRIPT_COLLECTION", "MONGODB_CHAT_MEM_COLLECTION"),
			Destination: &cfg.TranscriptCollection,
			Value:       cfg.TranscriptCollection,
			Usage:       "MongoDB collection holding chat transcripts",
		},
		&cli.StringFlag{
			Name:        "index-collection",
			Sources:     cli.EnvVars("CHAT_INDEX_COLLECTION", "MONGODB_USER_CHAT_LIST_COLLECTION"),
			Destination: &cfg.IndexCollection,
			Value:       cfg.IndexCollection,
			Usage:       "MongoDB collection holding per-user chat indexes",
		},
	}
}
