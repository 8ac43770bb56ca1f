package models

import (
	"time"
)

// JobStatus is the externally visible state of an ImportJob
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

// Stage names reported by a running job.
const (
	StageQueued         = "queued"
	StageValidation     = "validation"
	StageClassification = "classification"
	StageAcquisition    = "acquisition"
	StageParsing        = "parsing"
	StageScoring        = "scoring"
	StageExport         = "export"
	StageDone           = "done"
)

// JobCounts summarises a finished run.
type JobCounts struct {
	Extracted   int `json:"extracted_count"`
	Accepted    int `json:"accepted_count"`
	NeedsReview int `json:"needs_review_count"`
	Attention   int `json:"attention_count"`
}

// ImportJob is the persisted layout of one ingestion run.
type ImportJob struct {
	ID               string     `json:"id" firestore:"id"`
	DocumentID       string     `json:"document_id" firestore:"document_id"`
	DocumentHash     string     `json:"document_hash" firestore:"document_hash"`
	Filename         string     `json:"filename" firestore:"filename"`
	StorageKey       string     `json:"storage_key" firestore:"storage_key"`
	Status           JobStatus  `json:"status" firestore:"status"`
	Progress         int        `json:"progress" firestore:"progress"`
	Stage            string     `json:"stage" firestore:"stage"`
	Logs             []string   `json:"logs" firestore:"logs"`
	ExtractedCount   int        `json:"extracted_count" firestore:"extracted_count"`
	AcceptedCount    int        `json:"accepted_count" firestore:"accepted_count"`
	NeedsReviewCount int        `json:"needs_review_count" firestore:"needs_review_count"`
	AttentionCount   int        `json:"attention_count" firestore:"attention_count"`
	ErrorMessage     *string    `json:"error_message" firestore:"error_message"`
	CancelRequested  bool       `json:"cancel_requested" firestore:"cancel_requested"`
	ResultKey        string     `json:"result_key,omitempty" firestore:"result_key"`
	CreatedAt        time.Time  `json:"created_at" firestore:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" firestore:"started_at"`
	FinishedAt       *time.Time `json:"finished_at" firestore:"finished_at"`
}

// Clone returns a deep copy safe to hand to pollers.
func (j ImportJob) Clone() ImportJob {
	out := j
	out.Logs = append([]string(nil), j.Logs...)
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
