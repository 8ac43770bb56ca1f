package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidFormat     = errors.New("invalid format")
	ErrTooLarge          = errors.New("file too large")
	ErrCorrupt           = errors.New("corrupt document")
	ErrAcquisitionFailed = errors.New("acquisition failed")
	ErrPasswordRequired  = errors.New("password required")
	ErrPasswordIncorrect = errors.New("incorrect password")
	ErrCancelled         = errors.New("cancelled")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrJobBusy           = errors.New("job already has an active worker")
	ErrResultNotReady    = errors.New("result not available")
)

// StageError ties a failure to the pipeline stage that raised it.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with a stage and a user-facing message.
func NewStageError(stage, message string, err error) *StageError {
	return &StageError{Stage: stage, Message: message, Err: err}
}

// IsInputError reports whether err belongs to the submission-time taxonomy.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidFormat) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrCorrupt)
}

// Classify maps any error raised inside a run to the stage name and stable
// message recorded on the job. Raw internal detail stays in process logs.
func Classify(err error, fallbackStage string) (stage, message string) {
	stage = fallbackStage
	var se *StageError
	if errors.As(err, &se) && se.Stage != "" {
		stage = se.Stage
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return stage, "import cancelled by request"
	case errors.Is(err, ErrPasswordRequired):
		return stage, "document is encrypted: a password is required"
	case errors.Is(err, ErrPasswordIncorrect):
		return stage, "document is encrypted: the supplied password is incorrect"
	case errors.Is(err, ErrInvalidFormat):
		return stage, "not a PDF document"
	case errors.Is(err, ErrTooLarge):
		return stage, "document exceeds the maximum upload size"
	case errors.Is(err, ErrCorrupt):
		return stage, "document is structurally unreadable"
	case errors.Is(err, ErrAcquisitionFailed):
		if se != nil && se.Message != "" {
			return stage, se.Message
		}
		return stage, "document could not be opened"
	case errors.Is(err, context.DeadlineExceeded):
		return stage, "import timed out"
	}
	if se != nil && se.Message != "" {
		return stage, se.Message
	}
	return stage, "internal error"
}
