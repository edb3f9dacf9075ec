package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// Annotator accepts job requests: it stages the input locally, launches the
// annotation process and moves the job to RUNNING.
type Annotator struct {
	Deps    Deps
	WorkDir string
}

func (a *Annotator) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var req models.JobRequest
	if err := decode(msg.Body, &req); err != nil {
		return "", err
	}
	logger := a.Deps.logger().With("job_id", req.JobID, "user_id", req.UserID)

	name := filepath.Base(req.InputFileName)
	if name != req.InputFileName || name == "." || name == ".." {
		return "", malformed("input file name %q is not a plain file name", req.InputFileName)
	}

	job, err := a.Deps.Store.GetJob(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", malformed("job %s has no record", req.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		logger.Info("job already accepted; ignoring duplicate request", "job_status", job.Status)
		return metrics.OutcomeDuplicate, nil
	}

	jobDir := filepath.Join(a.WorkDir, req.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	inputPath := filepath.Join(jobDir, name)

	err = a.Deps.Objects.Download(ctx, req.S3InputsBucket, req.S3KeyInputFile, inputPath)
	if errors.Is(err, objstore.ErrNotFound) {
		return "", malformed("input %s/%s does not exist", req.S3InputsBucket, req.S3KeyInputFile)
	}
	if err != nil {
		return "", fmt.Errorf("download input: %w", err)
	}

	err = a.Deps.Launcher.Launch(ctx, annotate.Request{
		InputPath:     inputPath,
		JobID:         req.JobID,
		UserID:        req.UserID,
		InputFileName: req.InputFileName,
	})
	if err != nil {
		return "", fmt.Errorf("launch annotation: %w", err)
	}

	err = a.Deps.Store.UpdateJobStatus(ctx, req.JobID, models.JobStatusPending, models.JobStatusRunning)
	if errors.Is(err, store.ErrPreconditionFailed) {
		logger.Info("job left PENDING before it could be marked RUNNING; treating as duplicate")
		return metrics.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark job running: %w", err)
	}

	logger.Info("annotation job launched", "input", inputPath)
	return metrics.OutcomeProcessed, nil
}
