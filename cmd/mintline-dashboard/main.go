// Mintline dashboard - read-only HTTP projection over the pipeline
// store. Runs as a separate process and never writes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mintline/mintline/pkg/api"
	"github.com/mintline/mintline/pkg/config"
	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/orchestrator"
	"github.com/mintline/mintline/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("MINTLINE_CONFIG", "./mintline.yaml"), "path to configuration file")
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded", "path", *envPath, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return orchestrator.ExitConfigInvalid
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration invalid", "error", err)
		return orchestrator.ExitConfigInvalid
	}

	db, err := database.Open(database.Config{Path: cfg.DatabasePath, ReadOnly: true})
	if err != nil {
		slog.Error("Failed to open database read-only", "error", err)
		return orchestrator.ExitFailure
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(store.New(db), cfg.MaxUSDLifetime)
	if err := server.Start(ctx, cfg.DashboardPort); err != nil {
		slog.Error("Dashboard server failed", "error", err)
		return orchestrator.ExitFailure
	}
	return orchestrator.ExitOK
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
