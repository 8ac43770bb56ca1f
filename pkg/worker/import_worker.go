package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/queue"
)

// JobRunner executes one import job as its single worker.
type JobRunner interface {
	Run(ctx context.Context, jobID, password string) error
}

type ImportWorker struct {
	BaseWorker
	runner JobRunner
}

func NewImportWorker(cfg *Config, runner JobRunner, log logger.Logger) *ImportWorker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &ImportWorker{
		BaseWorker: BaseWorker{
			server: server,
			mux:    asynq.NewServeMux(),
			logger: log.Named("worker"),
		},
		runner: runner,
	}
	w.registerHandlers()
	return w
}

func (w *ImportWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeImportRun, w.handleImportRun)
}

// handleImportRun runs the job named by the task. Import failures are
// recorded on the job itself, so only infrastructure errors reach asynq;
// a job that is already taken or finished is never retried.
func (w *ImportWorker) handleImportRun(ctx context.Context, t *asynq.Task) error {
	task, err := queue.ParseImportTask(t.Payload())
	if err != nil {
		w.logger.Error("Failed to unmarshal task", logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("Processing import task", logger.JobID(task.JobID))

	err = w.runner.Run(ctx, task.JobID, task.Password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrJobBusy),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrJobNotFound):
		w.logger.Warn("Skipping import task", logger.JobID(task.JobID), logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		w.logger.Error("Import task failed", logger.JobID(task.JobID), logger.Error(err))
		return err
	}
}

// Start runs the asynq server until ctx is done.
func (w *ImportWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}
