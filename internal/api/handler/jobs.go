package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gas/internal/api/middleware"
	"github.com/kiranshivaraju/gas/internal/api/response"
	"github.com/kiranshivaraju/gas/internal/bus"
	"github.com/kiranshivaraju/gas/internal/cache"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobStore is the part of the record store the job endpoints use.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*models.Job, error)
}

// Presigner issues time-limited download URLs.
type Presigner interface {
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs. It
// records the job as PENDING and then publishes the request; a publish
// failure leaves the record in place and reports 502. Resubmitting the same
// job id while the caller's record is still PENDING publishes the stored
// request again, so that retry completes the submission.
func NewSubmitJobHandler(jobs JobStore, pub bus.Publisher, topic string, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID          string `json:"job_id"`
			UserID         string `json:"user_id"`
			InputFileName  string `json:"input_file_name"`
			S3InputsBucket string `json:"s3_inputs_bucket"`
			S3KeyInputFile string `json:"s3_key_input_file"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if caller, ok := mw.GetUserID(r); ok {
			if req.UserID == "" {
				req.UserID = caller
			}
			if req.UserID != caller {
				response.Error(w, http.StatusForbidden, "FORBIDDEN", "user_id does not match the caller", nil)
				return
			}
		}

		details := map[string]string{}
		if req.UserID == "" {
			details["user_id"] = "user_id is required"
		}
		if req.InputFileName == "" {
			details["input_file_name"] = "input_file_name is required"
		} else if path.Base(req.InputFileName) != req.InputFileName {
			details["input_file_name"] = "input_file_name must be a plain file name"
		}
		if req.S3InputsBucket == "" {
			details["s3_inputs_bucket"] = "s3_inputs_bucket is required"
		}
		if req.S3KeyInputFile == "" {
			details["s3_key_input_file"] = "s3_key_input_file is required"
		}
		if req.JobID != "" {
			if _, err := uuid.Parse(req.JobID); err != nil {
				details["job_id"] = "job_id must be a UUID"
			}
		}
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job request", details)
			return
		}
		if req.JobID == "" {
			req.JobID = uuid.NewString()
		}

		job := &models.Job{
			JobID:          req.JobID,
			UserID:         req.UserID,
			InputFileName:  req.InputFileName,
			S3InputsBucket: req.S3InputsBucket,
			S3KeyInputFile: req.S3KeyInputFile,
			SubmitTime:     now().Unix(),
			Status:         models.JobStatusPending,
		}
		if err := jobs.CreateJob(r.Context(), job); err != nil {
			if !errors.Is(err, store.ErrDuplicateKey) {
				slog.Error("create job failed", "job_id", job.JobID, "error", err)
				response.InternalError(w)
				return
			}
			existing, getErr := jobs.GetJob(r.Context(), job.JobID)
			if getErr != nil {
				slog.Error("load existing job failed", "job_id", job.JobID, "error", getErr)
				response.InternalError(w)
				return
			}
			if existing.UserID != job.UserID || existing.Status != models.JobStatusPending {
				response.Error(w, http.StatusConflict, "JOB_EXISTS", "A job with this id already exists", nil)
				return
			}
			slog.Info("resubmitting pending job", "job_id", job.JobID, "user_id", job.UserID)
			job = existing
		}

		if _, err := pub.Publish(r.Context(), topic, jobRequest(job)); err != nil {
			slog.Error("publish job request failed", "job_id", job.JobID, "error", err)
			response.Error(w, http.StatusBadGateway, "PUBLISH_FAILED", "Job recorded but could not be queued", map[string]string{"job_id": job.JobID})
			return
		}

		slog.Info("job submitted", "job_id", job.JobID, "user_id", job.UserID)
		response.Accepted(w, job)
	}
}

func jobRequest(job *models.Job) models.JobRequest {
	return models.JobRequest{
		JobID:          job.JobID,
		UserID:         job.UserID,
		InputFileName:  job.InputFileName,
		S3InputsBucket: job.S3InputsBucket,
		S3KeyInputFile: job.S3KeyInputFile,
		SubmitTime:     job.SubmitTime,
		Status:         job.Status,
	}
}

type jobView struct {
	*models.Job
	ResultURL string `json:"result_url,omitempty"`
	Restoring bool   `json:"restoring,omitempty"`
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Jobs of other users are reported as missing. A completed result still in
// hot storage comes with a presigned URL, cached for half its lifetime.
func NewGetJobHandler(jobs JobStore, objects Presigner, urls cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_USER", "X-User-ID header is required", nil)
			return
		}

		job, err := jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
		if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != caller) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			slog.Error("get job failed", "error", err)
			response.InternalError(w)
			return
		}

		view := jobView{Job: job}
		switch {
		case job.Archived():
			restored := job.ThawStatus != nil && *job.ThawStatus == models.ThawStatusCompleted
			view.Restoring = job.Thawing() && !restored
			if restored {
				view.ResultURL = resultURL(r.Context(), job, objects, urls, ttl)
			}
		case job.Status == models.JobStatusCompleted:
			view.ResultURL = resultURL(r.Context(), job, objects, urls, ttl)
		}
		response.JSON(w, view)
	}
}

func resultURL(ctx context.Context, job *models.Job, objects Presigner, urls cache.Cache, ttl time.Duration) string {
	if job.S3ResultsBucket == nil || job.S3KeyResultFile == nil {
		return ""
	}
	key := cache.ResultURLKey(job.JobID)
	if urls != nil {
		if cached, found, err := urls.Get(ctx, key); err == nil && found {
			return string(cached)
		}
	}

	url, err := objects.Presign(ctx, *job.S3ResultsBucket, *job.S3KeyResultFile, ttl)
	if err != nil {
		slog.Warn("presign result failed", "job_id", job.JobID, "error", err)
		return ""
	}
	if urls != nil {
		if err := urls.Set(ctx, key, []byte(url), ttl/2); err != nil {
			slog.Warn("cache result url failed", "job_id", job.JobID, "error", err)
		}
	}
	return url
}

// NewListJobsHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/jobs, newest first.
func NewListJobsHandler(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if caller, ok := mw.GetUserID(r); ok && caller != userID {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Cannot list another user's jobs", nil)
			return
		}

		page, err := intParam(r, "page", 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := intParam(r, "limit", defaultPageLimit)
		if err != nil || limit < 1 || limit > maxPageLimit {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
			return
		}

		all, err := jobs.ListJobs(r.Context(), userID)
		if err != nil {
			slog.Error("list jobs failed", "user_id", userID, "error", err)
			response.InternalError(w)
			return
		}
		items, meta := response.Paginate(all, page, limit)
		response.Collection(w, items, meta)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
