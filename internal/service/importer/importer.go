package importer

import (
	"context"
	"io"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/pipeline"
	"github.com/feichai0017/exam-importer/pkg/converters"
	"github.com/feichai0017/exam-importer/pkg/queue"
)

// Importer is the surface shared by the HTTP API, the queue worker and the CLI.
type Importer interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Start(ctx context.Context, jobID, password string) (models.ImportJob, error)
	Run(ctx context.Context, jobID, password string) error
	Status(ctx context.Context, jobID string) (models.ImportJob, error)
	List(ctx context.Context, limit int) ([]models.ImportJob, error)
	Cancel(ctx context.Context, jobID string) (models.ImportJob, error)
	Purge(ctx context.Context, jobID string) error
	Result(ctx context.Context, jobID string) (*converters.ProblemSet, error)
	ReviewQueue(ctx context.Context, jobID string) ([]models.CandidateProblem, error)
}

// Runner executes the pipeline for one document.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, rep pipeline.Reporter) (*pipeline.Result, error)
}

// Dispatcher hands started jobs to worker processes. A nil Dispatcher runs
// jobs inside the calling process.
type Dispatcher interface {
	Enqueue(ctx context.Context, t queue.ImportTask) error
	CancelTask(ctx context.Context, jobID string) error
}

type SubmitRequest struct {
	Filename string
	Body     io.Reader
	Password string
}

type SubmitResult struct {
	Job      models.ImportJob `json:"job"`
	Document models.Document  `json:"document"`
	// Duplicate is set when an identical upload already has a live job.
	Duplicate bool `json:"duplicate"`
}
