package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/scheduler"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// ArchiveTask is the scheduler kind of a pending archival.
const ArchiveTask = "archive"

// Archiver moves free users' results into the vault. Handle is the
// immediate stage on the archive queue: it only schedules the move. Archive
// runs when the grace window has passed and re-checks the tier first.
type Archiver struct {
	Deps          Deps
	GraceWindow   time.Duration
	ResultsBucket string
}

func (a *Archiver) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var event models.CompletionEvent
	if err := decode(msg.Body, &event); err != nil {
		return "", err
	}
	logger := a.Deps.logger().With("job_id", event.JobID, "user_id", event.UserID)

	p, err := a.Deps.Profiles.GetProfile(ctx, event.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		return "", malformed("user %s has no profile", event.UserID)
	}
	if err != nil {
		return "", fmt.Errorf("look up profile: %w", err)
	}
	if !p.IsFree() {
		metrics.IncreaseArchives("not_free")
		return metrics.OutcomeSkipped, nil
	}

	entry, err := a.Deps.Scheduler.Schedule(ctx, ArchiveTask, event, a.GraceWindow)
	if err != nil {
		return "", fmt.Errorf("schedule archival: %w", err)
	}
	logger.Info("archival scheduled", "entry_id", entry.ID, "due_at", entry.DueAt)
	metrics.IncreaseArchives("scheduled")
	return metrics.OutcomeProcessed, nil
}

// Archive is the scheduler callback. Returning nil removes the entry;
// returning an error leaves it to be retried after the scheduler's lease.
func (a *Archiver) Archive(ctx context.Context, e scheduler.Entry) error {
	var event models.CompletionEvent
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		a.Deps.logger().Error("dropping undecodable archive entry", "entry_id", e.ID, "error", err)
		return nil
	}
	logger := a.Deps.logger().With("job_id", event.JobID, "user_id", event.UserID, "entry_id", e.ID,
		"scheduled_at", e.ScheduledAt, "attempts", e.Attempts)

	p, err := a.Deps.Profiles.GetProfile(ctx, event.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		logger.Warn("user profile gone; not archiving")
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up profile: %w", err)
	}
	if !p.IsFree() {
		metrics.IncreaseArchives("upgraded")
		return nil
	}

	job, err := a.Deps.Store.GetJob(ctx, event.JobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("job record gone; not archiving")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Archived() {
		logger.Info("job already archived", "archive_id", *job.ResultsFileArchiveID)
		return nil
	}

	bucket := deref(job.S3ResultsBucket)
	if bucket == "" {
		bucket = a.ResultsBucket
	}
	key := deref(job.S3KeyResultFile)
	if key == "" {
		key = event.ResultFile
	}

	data, err := a.Deps.Objects.Get(ctx, bucket, key)
	if errors.Is(err, objstore.ErrNotFound) {
		logger.Warn("result object missing; nothing to archive", "bucket", bucket, "key", key)
		metrics.IncreaseArchives("missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}

	archiveID, err := a.Deps.Vault.Upload(ctx, job.JobID, data)
	if err != nil {
		return fmt.Errorf("upload to vault: %w", err)
	}
	if err := a.Deps.Store.SetArchiveID(ctx, job.JobID, archiveID); err != nil {
		return fmt.Errorf("record archive id %s: %w", archiveID, err)
	}

	// The archive is now the copy of record; a failed delete only leaves a
	// stale hot copy behind.
	if err := a.Deps.Objects.Delete(ctx, bucket, key); err != nil {
		logger.Error("failed to delete archived result", "bucket", bucket, "key", key, "error", err)
	}

	logger.Info("result archived", "archive_id", archiveID)
	metrics.IncreaseArchives("archived")
	return nil
}
