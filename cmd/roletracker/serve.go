package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"roletracker/internal/app"
	"roletracker/internal/auth"
	"roletracker/internal/config"
	"roletracker/internal/platform"
	"roletracker/internal/redisstore"
	"roletracker/internal/store"
	"roletracker/internal/telemetry"

	"github.com/spf13/cobra"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler, the member update listener and the JSON API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on startup")
}

type chatPlatform interface {
	app.Membership
	app.AuditLog
	OnMemberUpdate(handler platform.MemberUpdateHandler)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tokens, err := auth.NewVerifier(cfg.APIToken, cfg.APITokenHash)
	if err != nil {
		return err
	}
	if !tokens.Enabled() {
		logger.Warn("no API token configured, only health endpoints are served")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	if !skipMigrations {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return err
		}
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "roletracker")
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", slog.Any("error", err))
		}
	}()

	ledger := store.NewPostgresStore(db, cfg.Namespace)
	var grants app.GrantStore = ledger
	if cfg.GrantBackend == config.GrantBackendRedis {
		logger.Info("using redis for role grant records")
		redisStore, err := redisstore.NewRedisStore(cfg.RedisURL, cfg.Namespace)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		grants = redisStore
	}

	var chat chatPlatform
	selfID := cfg.SelfID
	if strings.TrimSpace(cfg.DiscordToken) != "" {
		discord, err := platform.NewDiscord(cfg.DiscordToken, logger)
		if err != nil {
			return err
		}
		if err := discord.Open(); err != nil {
			return err
		}
		defer discord.Close()
		selfID = discord.SelfID()
		chat = discord
	} else {
		logger.Warn("DISCORD_BOT_TOKEN not set, using the in-memory platform")
		chat = platform.NewMemory(selfID)
	}

	service := app.New(app.OptionsFromConfig(cfg, selfID), grants, ledger, chat, chat, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", slog.Any("error", err))
	}
	chat.OnMemberUpdate(service.HandleMemberUpdate)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, tokens, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// grant and disable requests may wait on a confirmation
		WriteTimeout: cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("roletracker API listening", slog.String("addr", cfg.Addr), slog.String("self_id", selfID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
	}
	return nil
}

