package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/config"
	"github.com/kiranshivaraju/gas/internal/pipeline"
	"github.com/spf13/cobra"
)

func newRunAnnotationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-annotation <input_path> <job_id> <user_id> <input_file_name>",
		Short: "Annotate one input file and publish its completion",
		Long: "Runs the annotation tool on a downloaded input, uploads the result and log, " +
			"marks the job COMPLETED and announces it. Started by the annotator stage.",
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req := annotate.Request{
				InputPath:     args[0],
				JobID:         args[1],
				UserID:        args[2],
				InputFileName: args[3],
			}
			return runAnnotation(cmd.Context(), cfg, req)
		},
	}
}

func runAnnotation(ctx context.Context, cfg *config.Config, req annotate.Request) error {
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	logger := slog.Default().With("job_id", req.JobID)
	f := &pipeline.Finalizer{
		Deps: pipeline.Deps{
			Store:   b.store,
			Queue:   b.queue,
			Bus:     b.bus,
			Objects: b.objects,
			Logger:  logger,
		},
		Tool:          &annotate.ToolRunner{Command: cfg.Annotator.ToolCommand, Logger: logger},
		ResultsBucket: cfg.Objects.ResultsBucket,
		KeyPrefix:     cfg.Objects.KeyPrefix,
		WebBaseURL:    cfg.Annotator.WebBaseURL,
		ResultsTopic:  cfg.Topics.Results,
		WorkDir:       cfg.Annotator.WorkDir,
	}
	if err := f.Run(ctx, req); err != nil {
		return fmt.Errorf("annotate job %s: %w", req.JobID, err)
	}
	return nil
}
