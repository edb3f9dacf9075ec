package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// Finalizer is the annotation process side of a job: it runs the tool,
// uploads the outputs, completes the record and announces the completion.
type Finalizer struct {
	Deps          Deps
	Tool          annotate.Runner
	ResultsBucket string
	KeyPrefix     string
	WebBaseURL    string
	ResultsTopic  string

	// WorkDir is the annotator's work root. Inputs must sit directly in
	// <WorkDir>/<job_id>, which is the only directory Run removes.
	WorkDir string

	// NewBackOff bounds how long completion waits for the worker's RUNNING
	// transition and how long the completion publish is retried. Defaults to
	// an exponential backoff capped at two minutes.
	NewBackOff func() backoff.BackOff
}

// Run processes req end to end. The job's working directory is removed
// whether or not it succeeds. The completion event is published only if the
// tool, both uploads and the record update all succeeded. A request whose
// input is not inside the job's working directory is rejected untouched.
func (f *Finalizer) Run(ctx context.Context, req annotate.Request) error {
	jobDir, err := f.jobDir(req)
	if err != nil {
		return err
	}
	logger := f.Deps.logger().With("job_id", req.JobID, "user_id", req.UserID)
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			logger.Error("failed to remove job dir", "dir", jobDir, "error", err)
		}
	}()

	if err := f.Tool.Run(ctx, req.InputPath); err != nil {
		return err
	}

	event, err := f.finalize(ctx, req, jobDir)
	if err != nil {
		logger.Error("job not finalized; completion not announced", "error", err)
		return err
	}

	publish := func() error {
		_, err := f.Deps.Bus.Publish(ctx, f.ResultsTopic, event)
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("publish completion failed; retrying", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(publish, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		logger.Error("job completed but completion not announced", "error", err)
		return fmt.Errorf("publish completion: %w", err)
	}
	logger.Info("job completed", "result_file", event.ResultFile)
	return nil
}

// jobDir returns <WorkDir>/<job_id> after checking that req's input lives
// directly inside it.
func (f *Finalizer) jobDir(req annotate.Request) (string, error) {
	if req.JobID == "" || req.JobID == "." || req.JobID == ".." || filepath.Base(req.JobID) != req.JobID {
		return "", malformed("invalid job id %q", req.JobID)
	}
	if f.WorkDir == "" {
		return "", malformed("no work dir configured for job %s", req.JobID)
	}
	dir, err := filepath.Abs(filepath.Join(f.WorkDir, req.JobID))
	if err != nil {
		return "", fmt.Errorf("resolve job dir: %w", err)
	}
	input, err := filepath.Abs(req.InputPath)
	if err != nil {
		return "", fmt.Errorf("resolve input path: %w", err)
	}
	if filepath.Dir(input) != dir {
		return "", malformed("input %s is not in job dir %s", req.InputPath, dir)
	}
	return dir, nil
}

func (f *Finalizer) finalize(ctx context.Context, req annotate.Request, jobDir string) (*models.CompletionEvent, error) {
	resultFile, logFile := objstore.ResultFileNames(req.InputFileName)
	resultKey, logKey := objstore.ResultKeys(f.KeyPrefix, req.UserID, req.JobID, req.InputFileName)

	if err := f.Deps.Objects.Upload(ctx, f.ResultsBucket, resultKey, filepath.Join(jobDir, resultFile)); err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}
	if err := f.Deps.Objects.Upload(ctx, f.ResultsBucket, logKey, filepath.Join(jobDir, logFile)); err != nil {
		return nil, fmt.Errorf("upload log: %w", err)
	}

	completeTime := f.Deps.now().Unix()
	if err := f.complete(ctx, req.JobID, resultKey, logKey, completeTime); err != nil {
		return nil, err
	}

	return &models.CompletionEvent{
		JobID:        req.JobID,
		UserID:       req.UserID,
		CompleteTime: completeTime,
		Link:         fmt.Sprintf("%s/annotations/%s/log", strings.TrimSuffix(f.WebBaseURL, "/"), req.JobID),
		ResultFile:   resultKey,
	}, nil
}

// complete moves the job RUNNING -> COMPLETED. The worker marks a job
// RUNNING only after launching it, so a fast tool can get here first; while
// the record is still PENDING the update is retried. Any other status means
// this is a stale re-run and the failure is final.
func (f *Finalizer) complete(ctx context.Context, jobID, resultKey, logKey string, completeTime int64) error {
	op := func() error {
		err := f.Deps.Store.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, models.JobStatusCompleted,
			store.WithResults(f.ResultsBucket, resultKey, logKey),
			store.WithCompleteTime(completeTime))
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if !errors.Is(err, store.ErrPreconditionFailed) {
			return err
		}

		job, getErr := f.Deps.Store.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job.Status == models.JobStatusPending {
			return err
		}
		return backoff.Permanent(fmt.Errorf("job is %s: %w", job.Status, err))
	}

	if err := backoff.Retry(op, backoff.WithContext(f.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (f *Finalizer) newBackOff() backoff.BackOff {
	if f.NewBackOff != nil {
		return f.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute
	return b
}
