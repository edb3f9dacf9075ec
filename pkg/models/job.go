package models

// JobStatus is the lifecycle state of an annotation job. Transitions are
// forward-only: PENDING -> RUNNING -> COMPLETED.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
)

// ThawType is the vault retrieval tier used to restore an archived result.
type ThawType string

const (
	ThawTypeExpedited ThawType = "Expedited"
	ThawTypeStandard  ThawType = "Standard"
)

// ThawStatus tracks a vault retrieval once it has been initiated.
type ThawStatus string

const (
	ThawStatusPending   ThawStatus = "PENDING"
	ThawStatusCompleted ThawStatus = "COMPLETED"
)

// Job is the single record of truth for one submitted annotation job.
// Result fields are set only once the job is COMPLETED. ResultsFileArchiveID is
// set when the result object has been moved into the vault; the Thaw* fields are
// set once a retrieval of that archive has been initiated.
type Job struct {
	JobID           string    `db:"job_id"            json:"job_id"`
	UserID          string    `db:"user_id"           json:"user_id"`
	InputFileName   string    `db:"input_file_name"   json:"input_file_name"`
	S3InputsBucket  string    `db:"s3_inputs_bucket"  json:"s3_inputs_bucket"`
	S3KeyInputFile  string    `db:"s3_key_input_file" json:"s3_key_input_file"`
	SubmitTime      int64     `db:"submit_time"       json:"submit_time"`
	Status          JobStatus `db:"job_status"        json:"job_status"`

	S3ResultsBucket *string `db:"s3_results_bucket"  json:"s3_results_bucket,omitempty"`
	S3KeyResultFile *string `db:"s3_key_result_file" json:"s3_key_result_file,omitempty"`
	S3KeyLogFile    *string `db:"s3_key_log_file"    json:"s3_key_log_file,omitempty"`
	CompleteTime    *int64  `db:"complete_time"      json:"complete_time,omitempty"`

	ResultsFileArchiveID *string     `db:"results_file_archive_id" json:"results_file_archive_id,omitempty"`
	ThawType             *ThawType   `db:"thaw_type"               json:"thaw_type,omitempty"`
	ThawStatus           *ThawStatus `db:"thaw_status"             json:"thaw_status,omitempty"`
	ThawID               *string     `db:"thaw_id"                 json:"thaw_id,omitempty"`
}

// Archived reports whether the result object has been moved to the vault.
func (j *Job) Archived() bool {
	return j.ResultsFileArchiveID != nil && *j.ResultsFileArchiveID != ""
}

// Thawing reports whether a vault retrieval has been initiated for this job.
func (j *Job) Thawing() bool {
	return j.ThawID != nil && *j.ThawID != ""
}
