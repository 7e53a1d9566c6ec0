// Mintline orchestrator - runs the content pipeline end to end for one
// invocation: ingest, stage machine per post, snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mintline/mintline/pkg/agents"
	"github.com/mintline/mintline/pkg/artifacts"
	"github.com/mintline/mintline/pkg/backup"
	"github.com/mintline/mintline/pkg/config"
	"github.com/mintline/mintline/pkg/costgov"
	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/forum"
	"github.com/mintline/mintline/pkg/gateway"
	"github.com/mintline/mintline/pkg/lockfile"
	"github.com/mintline/mintline/pkg/llm"
	"github.com/mintline/mintline/pkg/orchestrator"
	"github.com/mintline/mintline/pkg/retrypolicy"
	"github.com/mintline/mintline/pkg/store"
	"github.com/mintline/mintline/pkg/storefront"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("MINTLINE_CONFIG", "./mintline.yaml"), "path to configuration file")
	envPath := flag.String("env", ".env", "path to .env file")
	restorePath := flag.String("restore", "", "restore the database from the given snapshot and exit")
	snapshotOnly := flag.Bool("snapshot", false, "take one database snapshot and exit")
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

	dataDir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("Data directory not writable", "dir", dataDir, "error", err)
		return orchestrator.ExitFailure
	}

	lock, err := lockfile.Acquire(filepath.Join(dataDir, "pid.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrContended) {
			slog.Error("Another orchestrator is running", "error", err)
			return orchestrator.ExitLockContended
		}
		slog.Error("Failed to acquire lock", "error", err)
		return orchestrator.ExitFailure
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	if cfg.KillSwitch {
		slog.Info("Kill switch set, exiting without side effects")
		return orchestrator.ExitKillSwitch
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Config{Path: cfg.DatabasePath})
	if err != nil {
		slog.Error("Database unavailable", "error", err)
		return orchestrator.ExitFailure
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}()

	st := store.New(db)
	backups := backup.NewManager(db, cfg.DatabasePath, filepath.Join(cfg.ArtifactsRoot, "backups"))

	if *restorePath != "" {
		if err := database.Close(db); err != nil {
			slog.Error("Failed to close database before restore", "error", err)
			return orchestrator.ExitFailure
		}
		if err := backups.Restore(*restorePath); err != nil {
			slog.Error("Restore failed", "error", err)
			return orchestrator.ExitFailure
		}
		return orchestrator.ExitOK
	}
	if *snapshotOnly {
		if _, err := backups.Snapshot(ctx); err != nil {
			slog.Error("Snapshot failed", "error", err)
			return orchestrator.ExitFailure
		}
		return orchestrator.ExitOK
	}

	writer, err := artifacts.NewWriter(cfg.ArtifactsRoot)
	if err != nil {
		slog.Error("Artifacts root not writable", "error", err)
		return orchestrator.ExitFailure
	}

	runID := uuid.New().String()
	governor, err := costgov.New(ctx, st, costgov.Limits{
		MaxTokensPerRun:  cfg.MaxTokensPerRun,
		MaxUSDPerRun:     cfg.MaxUSDPerRun,
		MaxUSDLifetime:   cfg.MaxUSDLifetime,
		PriceInPerToken:  cfg.PriceInPerToken,
		PriceOutPerToken: cfg.PriceOutPerToken,
	}, runID)
	if err != nil {
		slog.Error("Failed to initialize cost governor", "error", err)
		return orchestrator.ExitFailure
	}

	apiKey := os.Getenv(cfg.LLMAPIKeyEnv)
	if apiKey == "" {
		slog.Error("LLM API key not set", "env", cfg.LLMAPIKeyEnv)
		return orchestrator.ExitConfigInvalid
	}
	llmOpts := []llm.AnthropicOption{llm.WithTimeout(cfg.LLMCallTimeout.Std())}
	llmClient := llm.NewAnthropicClient(apiKey, llmOpts...)

	retry := retrypolicy.New()
	gw := gateway.New(llmClient, governor, retry, cfg.Model)

	templates, err := agents.LoadTemplates(cfg.PromptsDir)
	if err != nil {
		slog.Error("Failed to load prompt templates", "error", err)
		return orchestrator.ExitConfigInvalid
	}

	var forumOpts []forum.RedditOption
	if cfg.ForumBaseURL != "" {
		forumOpts = append(forumOpts, forum.WithBaseURL(cfg.ForumBaseURL))
	}
	forumClient := forum.NewRedditClient(forumOpts...)
	shopClient := storefront.NewHTTPClient(cfg.StorefrontURL, os.Getenv(cfg.StorefrontTokenEnv))

	orch := orchestrator.New(orchestrator.Config{
		RunID:            runID,
		Origins:          cfg.Origins,
		MinScore:         cfg.MinScore,
		PostsPerOrigin:   cfg.PostsPerOrigin,
		MaxRegenerations: cfg.MaxRegenerations,
		KillSwitch:       killSwitchReader(*configPath),
	}, st, writer, governor, orchestrator.Agents{
		Ingest:  &agents.IngestAgent{Forum: forumClient, Retry: retry},
		Problem: &agents.ProblemAgent{Gateway: gw, Templates: templates},
		Spec:    &agents.SpecAgent{Gateway: gw, Templates: templates},
		Content: &agents.ContentAgent{Gateway: gw, Templates: templates},
		Verify:  &agents.VerifyAgent{Gateway: gw, Templates: templates},
		Listing: &agents.ListingAgent{Gateway: gw, Templates: templates},
		Upload:  &agents.UploadAgent{Storefront: shopClient, Retry: retry},
	})

	runErr := orch.Run(ctx)

	if _, err := backups.Snapshot(context.Background()); err != nil {
		slog.Warn("Post-run snapshot failed", "error", err)
	}

	switch {
	case runErr == nil:
		return orchestrator.ExitOK
	case errors.Is(runErr, orchestrator.ErrCostExhausted):
		return orchestrator.ExitCostExhausted
	default:
		slog.Error("Run failed", "error", runErr)
		return orchestrator.ExitFailure
	}
}

// killSwitchReader re-reads the config file so an operator can stop the
// pipeline between posts without signalling the process.
func killSwitchReader(path string) func() bool {
	return func() bool {
		cfg, err := config.Load(path)
		if err != nil {
			return false
		}
		return cfg.KillSwitch
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
