package jobs

import (
	"github.com/feichai0017/exam-importer/internal/models"
)

// State is the lifecycle variant of a job. Exactly one of Queued, Running,
// Done or Failed.
type State interface {
	Status() models.JobStatus
	isState()
}

type Queued struct{}

type Running struct {
	Progress int
	Stage    string
}

type Done struct {
	Counts models.JobCounts
}

type Failed struct {
	Stage   string
	Message string
}

func (Queued) Status() models.JobStatus  { return models.JobQueued }
func (Running) Status() models.JobStatus { return models.JobRunning }
func (Done) Status() models.JobStatus    { return models.JobDone }
func (Failed) Status() models.JobStatus  { return models.JobError }

func (Queued) isState()  {}
func (Running) isState() {}
func (Done) isState()    {}
func (Failed) isState()  {}

// allowed lists the forward edges of the lifecycle. Running to Running
// covers progress updates.
func allowed(from, to models.JobStatus) bool {
	switch from {
	case models.JobQueued:
		return to == models.JobRunning
	case models.JobRunning:
		return to == models.JobRunning || to == models.JobDone || to == models.JobError
	}
	return false
}

// stateOf rebuilds the variant from a persisted job.
func stateOf(job models.ImportJob) State {
	switch job.Status {
	case models.JobRunning:
		return Running{Progress: job.Progress, Stage: job.Stage}
	case models.JobDone:
		return Done{Counts: models.JobCounts{
			Extracted:   job.ExtractedCount,
			Accepted:    job.AcceptedCount,
			NeedsReview: job.NeedsReviewCount,
			Attention:   job.AttentionCount,
		}}
	case models.JobError:
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return Failed{Stage: job.Stage, Message: msg}
	}
	return Queued{}
}
