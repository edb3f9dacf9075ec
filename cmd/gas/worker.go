package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/config"
	"github.com/kiranshivaraju/gas/internal/mail"
	"github.com/kiranshivaraju/gas/internal/pipeline"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/scheduler"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const allStages = "all"

// stageFunc runs one pipeline stage until ctx is cancelled.
type stageFunc func(ctx context.Context) error

// stageNames lists the accepted worker arguments, "all" included.
func stageNames() []string {
	return []string{
		"annotator",
		"archiver",
		"archive-scheduler",
		"thawer",
		"restorer",
		"notifier",
		allStages,
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "worker <stage>",
		Short:     "Run one pipeline stage, or all of them",
		ValidArgs: stageNames(),
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, args[0])
		},
	}
}

func runWorker(parent context.Context, cfg *config.Config, stage string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

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

	v, err := vault.New(ctx, cfg.Vault.Region, cfg.Vault.AccountID, cfg.Vault.Name)
	if err != nil {
		return fmt.Errorf("create vault client: %w", err)
	}

	executable := cfg.Annotator.Executable
	if executable == "" {
		if executable, err = os.Executable(); err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}

	logger := slog.Default()
	sched := scheduler.New(b.redis, scheduler.Config{
		PollInterval: cfg.Archive.PollInterval,
		Lease:        cfg.Archive.Lease,
	}, logger.With("stage", "archive-scheduler"))

	deps := pipeline.Deps{
		Store:     b.store,
		Queue:     b.queue,
		Bus:       b.bus,
		Objects:   b.objects,
		Vault:     v,
		Profiles:  profile.NewPostgresLookup(accounts),
		Mail:      mail.NewSMTPSender(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.Sender),
		Scheduler: sched,
		Launcher:  &annotate.ProcessLauncher{Executable: executable, Logger: logger},
		Logger:    logger,
	}

	run, err := selectStages(buildStages(cfg, deps, sched), stage)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range sortedKeys(run) {
		fn := run[name]
		g.Go(func() error {
			slog.Info("stage started", "stage", name)
			defer slog.Info("stage stopped", "stage", name)
			return fn(gctx)
		})
	}
	return g.Wait()
}

// buildStages wires every stage to its queue. The archive-scheduler stage
// performs the delayed archive moves that the archiver stage schedules.
func buildStages(cfg *config.Config, deps pipeline.Deps, sched *scheduler.Scheduler) map[string]stageFunc {
	archiver := &pipeline.Archiver{
		Deps:          deps,
		GraceWindow:   cfg.Archive.GraceWindow,
		ResultsBucket: cfg.Objects.ResultsBucket,
	}
	sched.Handle(pipeline.ArchiveTask, archiver.Archive)

	poller := func(stage, queueName string, h pipeline.Handler) stageFunc {
		p := &pipeline.Poller{
			Stage:       stage,
			QueueName:   queueName,
			Queue:       deps.Queue,
			Handler:     h,
			MaxMessages: cfg.Queues.MaxMessages,
			Wait:        cfg.Queues.WaitTime,
			Logger:      deps.Logger,
		}
		return p.Run
	}

	return map[string]stageFunc{
		"annotator": poller("annotator", cfg.Queues.Requests, &pipeline.Annotator{
			Deps:    deps,
			WorkDir: cfg.Annotator.WorkDir,
		}),
		"archiver":          poller("archiver", cfg.Queues.Archive, archiver),
		"archive-scheduler": sched.Run,
		"thawer": poller("thawer", cfg.Queues.Thaw, &pipeline.Thawer{
			Deps:          deps,
			CallbackTopic: cfg.Vault.CallbackTopic,
		}),
		"restorer": poller("restorer", cfg.Queues.Restore, &pipeline.Restorer{
			Deps:          deps,
			ResultsBucket: cfg.Objects.ResultsBucket,
		}),
		"notifier": poller("notifier", cfg.Queues.Notify, &pipeline.Notifier{
			Deps:     deps,
			Sender:   cfg.Mail.Sender,
			Location: cfg.Notify.Location(),
		}),
	}
}

func selectStages(stages map[string]stageFunc, name string) (map[string]stageFunc, error) {
	if name == allStages {
		return stages, nil
	}
	fn, ok := stages[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	return map[string]stageFunc{name: fn}, nil
}

func sortedKeys(m map[string]stageFunc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
