package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/gas/internal/api"
	"github.com/kiranshivaraju/gas/internal/api/handler"
	mw "github.com/kiranshivaraju/gas/internal/api/middleware"
	"github.com/kiranshivaraju/gas/internal/cache"
	"github.com/kiranshivaraju/gas/internal/config"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout  = 30 * time.Second
	accountsMaxConns = 5
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if migrate {
		if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
	}

	if err := b.bus.Subscribe(ctx, subscriptions(cfg)...); err != nil {
		return fmt.Errorf("subscribe queues: %w", err)
	}

	accounts, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             cfg.Accounts.URL,
		MaxOpenConns:    accountsMaxConns,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect accounts database: %w", err)
	}
	defer accounts.Close()

	redisCache := cache.NewRedisCache(b.redis)
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.SubmitRatePerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": b.store,
			"redis":    redisCache,
		}),
		SubmitJobHandler:   handler.NewSubmitJobHandler(b.store, b.bus, cfg.Topics.Requests, nil),
		GetJobHandler:      handler.NewGetJobHandler(b.store, b.objects, redisCache, cfg.Objects.PresignTTL),
		ListJobsHandler:    handler.NewListJobsHandler(b.store),
		UpgradeHandler:     handler.NewUpgradeHandler(b.store, profile.NewPostgresLookup(accounts), b.bus, cfg.Topics.Thaw),
		VaultNotifyHandler: handler.NewVaultNotificationHandler(b.queue, cfg.Queues.Restore),
		MetricsHandler:     promhttp.Handler(),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
