package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `job_id, user_id, input_file_name, s3_inputs_bucket, s3_key_input_file, submit_time,
	job_status, s3_results_bucket, s3_key_result_file, s3_key_log_file, complete_time,
	results_file_archive_id, thaw_type, thaw_status, thaw_id`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                    models.Job
		status               string
		thawType, thawStatus *string
	)
	err := row.Scan(&j.JobID, &j.UserID, &j.InputFileName, &j.S3InputsBucket, &j.S3KeyInputFile,
		&j.SubmitTime, &status, &j.S3ResultsBucket, &j.S3KeyResultFile, &j.S3KeyLogFile,
		&j.CompleteTime, &j.ResultsFileArchiveID, &thawType, &thawStatus, &j.ThawID)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if thawType != nil {
		t := models.ThawType(*thawType)
		j.ThawType = &t
	}
	if thawStatus != nil {
		ts := models.ThawStatus(*thawStatus)
		j.ThawStatus = &ts
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, user_id, input_file_name, s3_inputs_bucket, s3_key_input_file, submit_time, job_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.JobID, job.UserID, job.InputFileName, job.S3InputsBucket, job.S3KeyInputFile,
		job.SubmitTime, string(job.Status))
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.ListJobsByFilter(ctx, userID, JobFilter{})
}

func (s *PostgresStore) ListJobsByFilter(ctx context.Context, userID string, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}
	argIdx := 2

	if filter.HasArchive != nil {
		if *filter.HasArchive {
			conditions = append(conditions, "COALESCE(results_file_archive_id, '') <> ''")
		} else {
			conditions = append(conditions, "COALESCE(results_file_archive_id, '') = ''")
		}
	}
	if filter.HasThaw != nil {
		if *filter.HasThaw {
			conditions = append(conditions, "COALESCE(thaw_id, '') <> ''")
		} else {
			conditions = append(conditions, "COALESCE(thaw_id, '') = ''")
		}
	}
	if filter.ArchiveID != "" {
		conditions = append(conditions, fmt.Sprintf("results_file_archive_id = $%d", argIdx))
		args = append(args, filter.ArchiveID)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY submit_time DESC, job_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error {
	if err := checkTransition(expected, next); err != nil {
		return err
	}

	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET job_status = $3, updated_at = NOW()`
	args := []any{jobID, string(expected), string(next)}
	argIdx := 4

	if params.ResultsBucket != nil {
		query += fmt.Sprintf(", s3_results_bucket = $%d, s3_key_result_file = $%d, s3_key_log_file = $%d",
			argIdx, argIdx+1, argIdx+2)
		args = append(args, *params.ResultsBucket, *params.ResultKey, *params.LogKey)
		argIdx += 3
	}
	if params.CompleteTime != nil {
		query += fmt.Sprintf(", complete_time = $%d", argIdx)
		args = append(args, *params.CompleteTime)
		argIdx++
	}

	query += " WHERE job_id = $1 AND job_status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: either the job is gone or its status moved on.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (s *PostgresStore) SetArchiveID(ctx context.Context, jobID, archiveID string) error {
	return s.exec(ctx, "set archive id",
		`UPDATE jobs SET results_file_archive_id = $2, updated_at = NOW() WHERE job_id = $1`,
		jobID, archiveID)
}

func (s *PostgresStore) SetThaw(ctx context.Context, jobID string, thawType models.ThawType, status models.ThawStatus, thawID string) error {
	return s.exec(ctx, "set thaw",
		`UPDATE jobs SET thaw_type = $2, thaw_status = $3, thaw_id = $4, updated_at = NOW() WHERE job_id = $1`,
		jobID, string(thawType), string(status), thawID)
}

func (s *PostgresStore) SetThawStatus(ctx context.Context, jobID string, status models.ThawStatus) error {
	return s.exec(ctx, "set thaw status",
		`UPDATE jobs SET thaw_status = $2, updated_at = NOW() WHERE job_id = $1`,
		jobID, string(status))
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
