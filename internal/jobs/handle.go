package jobs

import (
	"context"
	"fmt"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// Handle is the single worker's write access to a running job. It satisfies
// pipeline.Reporter.
type Handle struct {
	tracker *Tracker
	entry   *entry
	ctx     context.Context
	log     logger.Logger
}

func (h *Handle) ID() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.job.ID
}

// Password is the document password held for this job.
func (h *Handle) Password() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.password
}

// Snapshot returns a copy of the job as the worker sees it.
func (h *Handle) Snapshot() models.ImportJob {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.job.Clone()
}

func (h *Handle) Stage(stage string) {
	h.update(func(e *entry) {
		if r, ok := e.state.(Running); ok {
			r.Stage = stage
			e.state = r
			e.job.Stage = stage
		}
	})
}

// Advance raises progress. Lower values are ignored and 100 is reserved for
// Complete.
func (h *Handle) Advance(percent int) {
	if percent > 99 {
		percent = 99
	}
	h.update(func(e *entry) {
		r, ok := e.state.(Running)
		if !ok || percent <= r.Progress {
			return
		}
		r.Progress = percent
		e.state = r
		e.job.Progress = percent
	})
}

// Logf appends a timestamped line to the job log.
func (h *Handle) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.log.Info(msg)
	h.update(func(e *entry) {
		e.job.Logs = append(e.job.Logs, h.tracker.line(h.tracker.now(), "%s", msg))
	})
}

// Cancelled reports whether cancellation was requested here or, with a
// store, by another process.
func (h *Handle) Cancelled() bool {
	if h.entry.cancelled.Load() {
		return true
	}
	if h.tracker.store == nil {
		return false
	}
	ok, err := h.tracker.store.CancelRequested(h.ctx, h.ID())
	if err != nil {
		h.log.Warn("Failed to read cancel flag", logger.Error(err))
		return false
	}
	if ok && !h.entry.cancelled.Swap(true) {
		h.update(func(e *entry) {
			e.job.CancelRequested = true
			e.job.Logs = append(e.job.Logs, h.tracker.line(h.tracker.now(), "cancellation requested"))
		})
	}
	return ok
}

// SetResultKey records where the exported problem set was written.
func (h *Handle) SetResultKey(key string) {
	h.update(func(e *entry) { e.job.ResultKey = key })
}

// Complete moves the job to done with the final counts.
func (h *Handle) Complete(counts models.JobCounts) error {
	var err error
	h.update(func(e *entry) {
		if err = e.transition(Done{Counts: counts}); err != nil {
			return
		}
		now := h.tracker.now()
		e.job.Progress = 100
		e.job.Stage = models.StageDone
		e.job.ExtractedCount = counts.Extracted
		e.job.AcceptedCount = counts.Accepted
		e.job.NeedsReviewCount = counts.NeedsReview
		e.job.AttentionCount = counts.Attention
		e.job.FinishedAt = &now
		e.job.Logs = append(e.job.Logs, h.tracker.line(now,
			"import finished: %d extracted, %d accepted, %d need review",
			counts.Extracted, counts.Accepted, counts.NeedsReview))
	})
	if err == nil {
		h.log.Info("Job done", logger.Int("extracted", counts.Extracted))
	}
	return err
}

// Fail moves the job to error, recording the failing stage and message.
func (h *Handle) Fail(stage, message string) error {
	var err error
	h.update(func(e *entry) {
		if err = e.transition(Failed{Stage: stage, Message: message}); err != nil {
			return
		}
		now := h.tracker.now()
		msg := message
		e.job.Stage = stage
		e.job.ErrorMessage = &msg
		e.job.FinishedAt = &now
		e.job.Logs = append(e.job.Logs, h.tracker.line(now, "error during %s: %s", stage, message))
	})
	if err == nil {
		h.log.Warn("Job failed", logger.String("stage", stage), logger.String("message", message))
	}
	return err
}

func (h *Handle) update(fn func(e *entry)) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	fn(h.entry)
	h.persistLocked()
}

// persistLocked writes the snapshot through to the store. Store failures
// are logged; the in-memory record stays authoritative for this worker.
func (h *Handle) persistLocked() {
	if h.tracker.store == nil {
		return
	}
	if err := h.tracker.store.Save(h.ctx, h.entry.job.Clone()); err != nil {
		h.log.Warn("Failed to persist job snapshot", logger.Error(err))
	}
}
