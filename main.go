package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/cmd/migrate"
	"github.com/chirino/chat-memory/internal/cmd/reconcile"
	"github.com/chirino/chat-memory/internal/cmd/serve"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFile := os.Getenv("CHAT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		log.Fatal(err)
	}

	app := &cli.Command{
		Name:  "chat-memory",
		Usage: "Chat session memory and streaming completion service",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			reconcile.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
