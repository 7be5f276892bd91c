package reconcile

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/cmd/migrate"
	"github.com/chirino/chat-memory/internal/config"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/service"
	"github.com/urfave/cli/v3"

	_ "github.com/chirino/chat-memory/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-memory/internal/plugin/store/sqlstore"
)

// Command returns the reconcile sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var userID string
	flags := append(migrate.StoreFlags(&cfg), &cli.StringFlag{
		Name:        "user",
		Destination: &userID,
		Usage:       "Reconcile only this user's chat index",
	})
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Rebuild per-user chat indexes from the transcripts",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			loader, err := registrystore.Select(cfg.DatastoreType)
			if err != nil {
				return err
			}
			store, err := loader(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close(context.WithoutCancel(ctx))

			r := service.NewIndexReconciler(store, 0)
			if userID != "" {
				changed, err := r.ReconcileUser(ctx, userID)
				if err != nil {
					return err
				}
				log.Info("Reconciled chat index", "userId", userID, "changed", changed)
				return nil
			}
			repaired, err := r.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			log.Info("Reconciled chat indexes", "repaired", repaired)
			return nil
		},
	}
}
