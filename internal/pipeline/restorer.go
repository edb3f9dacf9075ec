package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// Outcome is the result of a restore attempt.
type Outcome int

const (
	// OutcomeRestored means the result is back in the object store, either
	// now or by an earlier delivery.
	OutcomeRestored Outcome = iota
	// OutcomeNotFound means no job carries the notified archive.
	OutcomeNotFound
	// OutcomeNotReady means the retrieval has not succeeded yet.
	OutcomeNotReady
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRestored:
		return "restored"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNotReady:
		return "not_ready"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Restorer copies a thawed archive back into the object store once the vault
// reports its retrieval finished, then deletes the archive.
type Restorer struct {
	Deps          Deps
	ResultsBucket string
}

func (r *Restorer) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var notice models.RetrievalNotice
	if err := decode(msg.Body, &notice); err != nil {
		return "", err
	}
	outcome, err := r.Restore(ctx, notice)
	if err != nil {
		return "", err
	}
	switch outcome {
	case OutcomeNotReady:
		return "", fmt.Errorf("%w: retrieval for archive %s", ErrNotReady, notice.ArchiveID)
	case OutcomeNotFound:
		return metrics.OutcomeSkipped, nil
	}
	return metrics.OutcomeProcessed, nil
}

// Restore runs every step in order and stops at the first failure. Each step
// is safe to repeat, so a redelivered notice picks up where the last one
// stopped.
func (r *Restorer) Restore(ctx context.Context, notice models.RetrievalNotice) (Outcome, error) {
	userID := notice.JobDescription
	logger := r.Deps.logger().With("user_id", userID, "archive_id", notice.ArchiveID)

	jobs, err := r.Deps.Store.ListJobsByFilter(ctx, userID, store.ByArchiveID(notice.ArchiveID))
	if err != nil {
		return 0, fmt.Errorf("find job by archive: %w", err)
	}
	if len(jobs) == 0 {
		logger.Warn("no job carries this archive")
		return OutcomeNotFound, nil
	}
	job := jobs[0]
	logger = logger.With("job_id", job.JobID)

	if deref(job.ThawStatus) == models.ThawStatusCompleted {
		logger.Info("archive already restored")
		return OutcomeRestored, nil
	}

	retrievalID := deref(job.ThawID)
	if retrievalID == "" {
		retrievalID = notice.JobID
	}
	if retrievalID == "" {
		return 0, fmt.Errorf("job %s has no retrieval id", job.JobID)
	}

	status, err := r.Deps.Vault.DescribeRetrieval(ctx, retrievalID)
	if err != nil {
		return 0, fmt.Errorf("describe retrieval %s: %w", retrievalID, err)
	}
	if status != vault.StatusSucceeded {
		logger.Info("retrieval not finished", "retrieval_id", retrievalID, "status", status)
		return OutcomeNotReady, nil
	}

	data, err := r.Deps.Vault.FetchRetrievalOutput(ctx, retrievalID)
	if err != nil {
		return 0, fmt.Errorf("fetch retrieval output: %w", err)
	}

	bucket := deref(job.S3ResultsBucket)
	if bucket == "" {
		bucket = r.ResultsBucket
	}
	key := deref(job.S3KeyResultFile)
	if key == "" {
		return 0, fmt.Errorf("job %s has no result key", job.JobID)
	}
	if err := r.Deps.Objects.Put(ctx, bucket, key, data); err != nil {
		return 0, fmt.Errorf("restore result object: %w", err)
	}

	// A replay after the delete landed finds the archive gone.
	if err := r.Deps.Vault.DeleteArchive(ctx, notice.ArchiveID); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return 0, fmt.Errorf("delete archive: %w", err)
	}

	if err := r.Deps.Store.SetThawStatus(ctx, job.JobID, models.ThawStatusCompleted); err != nil {
		return 0, fmt.Errorf("mark thaw completed: %w", err)
	}

	logger.Info("result restored", "bucket", bucket, "key", key)
	return OutcomeRestored, nil
}
