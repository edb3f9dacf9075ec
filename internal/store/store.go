package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/gas/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrPreconditionFailed is returned when a conditional update finds the
	// record in a status other than the expected one. Callers treat it as a
	// duplicate delivery, not a failure.
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrDuplicateKey       = errors.New("duplicate key violation")
)

// Store is the job record store. It is the single source of truth for job and
// archival status.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*models.Job, error)
	ListJobsByFilter(ctx context.Context, userID string, filter JobFilter) ([]*models.Job, error)

	// UpdateJobStatus moves a job from expected to next. The write only lands if
	// the stored status still equals expected.
	UpdateJobStatus(ctx context.Context, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error

	SetArchiveID(ctx context.Context, jobID, archiveID string) error
	SetThaw(ctx context.Context, jobID string, thawType models.ThawType, status models.ThawStatus, thawID string) error
	SetThawStatus(ctx context.Context, jobID string, status models.ThawStatus) error
}

// JobFilter narrows ListJobsByFilter. Nil pointers and empty strings match
// everything.
type JobFilter struct {
	HasArchive *bool
	HasThaw    *bool
	ArchiveID  string
}

// ArchivedNotThawing selects jobs whose result is in the vault with no
// retrieval in flight.
func ArchivedNotThawing() JobFilter {
	yes, no := true, false
	return JobFilter{HasArchive: &yes, HasThaw: &no}
}

// ByArchiveID selects the job whose result was archived under archiveID.
func ByArchiveID(archiveID string) JobFilter {
	return JobFilter{ArchiveID: archiveID}
}

func (f JobFilter) matches(j *models.Job) bool {
	if f.HasArchive != nil && j.Archived() != *f.HasArchive {
		return false
	}
	if f.HasThaw != nil && j.Thawing() != *f.HasThaw {
		return false
	}
	if f.ArchiveID != "" && (j.ResultsFileArchiveID == nil || *j.ResultsFileArchiveID != f.ArchiveID) {
		return false
	}
	return true
}

var validTransitions = map[models.JobStatus]models.JobStatus{
	models.JobStatusPending: models.JobStatusRunning,
	models.JobStatusRunning: models.JobStatusCompleted,
}

func checkTransition(expected, next models.JobStatus) error {
	if validTransitions[expected] != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	return nil
}

type jobUpdateParams struct {
	ResultsBucket *string
	ResultKey     *string
	LogKey        *string
	CompleteTime  *int64
}

type JobUpdateOption func(*jobUpdateParams)

// WithResults records where the finished outputs were uploaded.
func WithResults(bucket, resultKey, logKey string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultsBucket = &bucket
		p.ResultKey = &resultKey
		p.LogKey = &logKey
	}
}

func WithCompleteTime(t int64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompleteTime = &t
	}
}
