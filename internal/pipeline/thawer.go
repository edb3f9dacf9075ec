package pipeline

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// ThawResult reports what happened to one entry of a thaw batch.
type ThawResult struct {
	JobID   string
	Tier    models.ThawType
	ThawID  string
	Skipped bool
	Err     error
}

// Thawer initiates vault retrievals for a user's archived results. Each
// entry first tries the expedited tier; a capacity rejection gets exactly one
// standard-tier attempt. Entries are independent and none is retried within
// a batch.
type Thawer struct {
	Deps          Deps
	CallbackTopic string
}

func (t *Thawer) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var req models.ThawRequest
	if err := decode(msg.Body, &req); err != nil {
		return "", err
	}
	t.ThawBatch(ctx, req)
	return metrics.OutcomeProcessed, nil
}

// ThawBatch handles each entry of req independently. Invalid entries are
// skipped rather than failing the batch.
func (t *Thawer) ThawBatch(ctx context.Context, req models.ThawRequest) []ThawResult {
	results := make([]ThawResult, 0, len(req.ArchivesData))
	for _, ref := range req.ArchivesData {
		results = append(results, t.thaw(ctx, ref))
	}
	return results
}

func (t *Thawer) thaw(ctx context.Context, ref models.ArchiveRef) ThawResult {
	logger := t.Deps.logger().With("job_id", ref.JobID, "user_id", ref.UserID, "archive_id", ref.ResultsFileArchiveID)
	res := ThawResult{JobID: ref.JobID}

	if err := ref.Validate(); err != nil {
		logger.Warn("skipping invalid thaw entry", "error", err)
		res.Skipped, res.Err = true, err
		return res
	}

	job, err := t.Deps.Store.GetJob(ctx, ref.JobID)
	if err != nil {
		logger.Error("failed to load job; entry not thawed", "error", err)
		res.Err = err
		return res
	}
	if job.Thawing() {
		logger.Info("retrieval already initiated", "thaw_id", *job.ThawID)
		res.Skipped = true
		return res
	}

	res.Tier = models.ThawTypeExpedited
	res.ThawID, res.Err = t.initiate(ctx, ref, res.Tier)
	if errors.Is(res.Err, vault.ErrInsufficientCapacity) {
		logger.Warn("expedited retrieval rejected for capacity; falling back to standard")
		res.Tier = models.ThawTypeStandard
		res.ThawID, res.Err = t.initiate(ctx, ref, res.Tier)
	}
	if res.Err != nil {
		logger.Error("retrieval not initiated", "tier", res.Tier, "error", res.Err)
		return res
	}

	if err := t.Deps.Store.SetThaw(ctx, ref.JobID, res.Tier, models.ThawStatusPending, res.ThawID); err != nil {
		logger.Error("retrieval initiated but not recorded", "tier", res.Tier, "thaw_id", res.ThawID, "error", err)
		res.Err = err
		return res
	}
	logger.Info("retrieval initiated", "tier", res.Tier, "thaw_id", res.ThawID)
	return res
}

func (t *Thawer) initiate(ctx context.Context, ref models.ArchiveRef, tier models.ThawType) (string, error) {
	id, err := t.Deps.Vault.InitiateRetrieval(ctx, vault.RetrievalRequest{
		ArchiveID:     ref.ResultsFileArchiveID,
		Tier:          tier,
		CallbackTopic: t.CallbackTopic,
		Description:   ref.UserID,
	})
	switch {
	case err == nil:
		metrics.IncreaseThawRequests(string(tier), "initiated")
	case errors.Is(err, vault.ErrInsufficientCapacity):
		metrics.IncreaseThawRequests(string(tier), "capacity")
	default:
		metrics.IncreaseThawRequests(string(tier), "error")
	}
	return id, err
}
