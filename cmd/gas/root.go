package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gas/internal/bus"
	"github.com/kiranshivaraju/gas/internal/config"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var migrationsDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gas",
		Short:         "Genomics Annotation Service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&migrationsDir, "migrations", "migrations", "Directory holding the SQL migrations")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newRunAnnotationCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// loadConfig reads the environment and applies the configured log level to
// the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.Info("config loaded", "env", cfg.Server.Env, "log_level", level.String())
	return cfg, nil
}

// backend holds the connections every subcommand shares.
type backend struct {
	pool    *pgxpool.Pool
	store   *store.PostgresStore
	redis   *redis.Client
	queue   *queue.RedisQueue
	bus     *bus.RedisBus
	objects *objstore.MinioStore
}

func connect(ctx context.Context, cfg *config.Config) (*backend, error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		pool.Close()
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	objects, err := objstore.NewMinioStore(
		objstore.WithEndpoint(cfg.Objects.Endpoint),
		objstore.WithRegion(cfg.Objects.Region),
		objstore.WithAccessKey(cfg.Objects.AccessKey),
		objstore.WithSecretKey(cfg.Objects.SecretKey),
		objstore.WithSSL(cfg.Objects.UseSSL),
	)
	if err != nil {
		pool.Close()
		client.Close()
		return nil, fmt.Errorf("create object store: %w", err)
	}

	q := queue.NewRedisQueue(client, cfg.Queues.VisibilityTimeout)
	return &backend{
		pool:    pool,
		store:   store.NewPostgresStore(pool),
		redis:   client,
		queue:   q,
		bus:     bus.NewRedisBus(client, q),
		objects: objects,
	}, nil
}

func (b *backend) Close() {
	b.pool.Close()
	if err := b.redis.Close(); err != nil {
		slog.Warn("close redis", "error", err)
	}
}

// subscriptions routes every topic to the queues consuming it.
func subscriptions(cfg *config.Config) []bus.Subscription {
	return []bus.Subscription{
		{Topic: cfg.Topics.Requests, Queue: cfg.Queues.Requests},
		{Topic: cfg.Topics.Results, Queue: cfg.Queues.Notify},
		{Topic: cfg.Topics.Results, Queue: cfg.Queues.Archive},
		{Topic: cfg.Topics.Thaw, Queue: cfg.Queues.Thaw},
	}
}
