package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kiranshivaraju/gas/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store with the same conditional-update
// semantics as PostgresStore. Safe for concurrent access. Intended for unit
// tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.JobID]; ok {
		return ErrDuplicateKey
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	m.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	return m.ListJobsByFilter(ctx, userID, JobFilter{})
}

func (m *MemoryStore) ListJobsByFilter(_ context.Context, userID string, filter JobFilter) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID && filter.matches(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].SubmitTime != out[b].SubmitTime {
			return out[a].SubmitTime > out[b].SubmitTime
		}
		return out[a].JobID < out[b].JobID
	})
	return out, nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error {
	if err := checkTransition(expected, next); err != nil {
		return err
	}
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != expected {
		return ErrPreconditionFailed
	}
	j.Status = next
	if params.ResultsBucket != nil {
		j.S3ResultsBucket = ptr(*params.ResultsBucket)
		j.S3KeyResultFile = ptr(*params.ResultKey)
		j.S3KeyLogFile = ptr(*params.LogKey)
	}
	if params.CompleteTime != nil {
		j.CompleteTime = ptr(*params.CompleteTime)
	}
	return nil
}

func (m *MemoryStore) SetArchiveID(_ context.Context, jobID, archiveID string) error {
	return m.update(jobID, func(j *models.Job) {
		j.ResultsFileArchiveID = ptr(archiveID)
	})
}

func (m *MemoryStore) SetThaw(_ context.Context, jobID string, thawType models.ThawType, status models.ThawStatus, thawID string) error {
	return m.update(jobID, func(j *models.Job) {
		j.ThawType = ptr(thawType)
		j.ThawStatus = ptr(status)
		j.ThawID = ptr(thawID)
	})
}

func (m *MemoryStore) SetThawStatus(_ context.Context, jobID string, status models.ThawStatus) error {
	return m.update(jobID, func(j *models.Job) {
		j.ThawStatus = ptr(status)
	})
}

func (m *MemoryStore) update(jobID string, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	fn(j)
	return nil
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.S3ResultsBucket != nil {
		c.S3ResultsBucket = ptr(*j.S3ResultsBucket)
	}
	if j.S3KeyResultFile != nil {
		c.S3KeyResultFile = ptr(*j.S3KeyResultFile)
	}
	if j.S3KeyLogFile != nil {
		c.S3KeyLogFile = ptr(*j.S3KeyLogFile)
	}
	if j.CompleteTime != nil {
		c.CompleteTime = ptr(*j.CompleteTime)
	}
	if j.ResultsFileArchiveID != nil {
		c.ResultsFileArchiveID = ptr(*j.ResultsFileArchiveID)
	}
	if j.ThawType != nil {
		c.ThawType = ptr(*j.ThawType)
	}
	if j.ThawStatus != nil {
		c.ThawStatus = ptr(*j.ThawStatus)
	}
	if j.ThawID != nil {
		c.ThawID = ptr(*j.ThawID)
	}
	return &c
}

func ptr[T any](v T) *T { return &v }
