package models

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every payload delivered through a topic. Message holds the
// JSON-encoded payload as a string, the same shape SNS delivers to SQS.
type Envelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Topic     string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// JobRequest is published when a job is submitted and consumed by the annotator.
type JobRequest struct {
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	InputFileName  string    `json:"input_file_name"`
	S3InputsBucket string    `json:"s3_inputs_bucket"`
	S3KeyInputFile string    `json:"s3_key_input_file"`
	SubmitTime     int64     `json:"submit_time,omitempty"`
	Status         JobStatus `json:"job_status,omitempty"`
}

// Validate checks that every field the annotator needs is present.
func (r JobRequest) Validate() error {
	return requireFields(map[string]string{
		"job_id":            r.JobID,
		"user_id":           r.UserID,
		"input_file_name":   r.InputFileName,
		"s3_inputs_bucket":  r.S3InputsBucket,
		"s3_key_input_file": r.S3KeyInputFile,
	})
}

// CompletionEvent is published by the finalizer once outputs are uploaded and
// the record is COMPLETED. It fans out to the notifier and the archiver.
type CompletionEvent struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	CompleteTime int64  `json:"complete_time"`
	Link         string `json:"link"`
	ResultFile   string `json:"result_file"`
}

func (e CompletionEvent) Validate() error {
	return requireFields(map[string]string{
		"job_id":      e.JobID,
		"user_id":     e.UserID,
		"result_file": e.ResultFile,
	})
}

// ArchiveRef identifies one archived job to be thawed.
type ArchiveRef struct {
	JobID                string `json:"job_id"`
	UserID               string `json:"user_id"`
	ResultsFileArchiveID string `json:"results_file_archive_id"`
}

func (a ArchiveRef) Validate() error {
	return requireFields(map[string]string{
		"job_id":                  a.JobID,
		"user_id":                 a.UserID,
		"results_file_archive_id": a.ResultsFileArchiveID,
	})
}

// ThawRequest is the batch published when a user upgrades out of the free tier.
type ThawRequest struct {
	ArchivesData []ArchiveRef `json:"archives_data"`
}

// Validate accepts any batch, including an empty one. Entries are checked
// individually so one bad entry does not block the rest.
func (r ThawRequest) Validate() error {
	return nil
}

// RetrievalNotice is the vault's notification that a retrieval job finished.
// JobDescription carries the user id the retrieval was tagged with.
type RetrievalNotice struct {
	Action         string `json:"Action,omitempty"`
	ArchiveID      string `json:"ArchiveId"`
	JobDescription string `json:"JobDescription"`
	JobID          string `json:"JobId"`
	StatusCode     string `json:"StatusCode,omitempty"`
	Completed      bool   `json:"Completed,omitempty"`
	Tier           string `json:"Tier,omitempty"`
}

func (n RetrievalNotice) Validate() error {
	return requireFields(map[string]string{
		"ArchiveId":      n.ArchiveID,
		"JobDescription": n.JobDescription,
	})
}

// UnwrapMessage returns the payload carried by body. Bodies published through
// a topic arrive as an Envelope whose Message field holds the payload; bodies
// sent directly to a queue are returned unchanged.
func UnwrapMessage(body []byte) ([]byte, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	raw, ok := probe["Message"]
	if !ok {
		return body, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("decode envelope message: %w", err)
	}
	return []byte(inner), nil
}

func requireFields(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}
