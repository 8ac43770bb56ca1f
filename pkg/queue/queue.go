package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/exam-importer/pkg/logger"
)

const TaskTypeImportRun = "import:run"

// Queue names by priority, highest first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var queues = []string{QueueCritical, QueueDefault, QueueLow}

// ImportTask asks a worker to run one queued job. Password travels with the
// task because job snapshots never store it.
type ImportTask struct {
	JobID    string    `json:"jobId"`
	Password string    `json:"password,omitempty"`
	Priority int       `json:"priority"`
	QueuedAt time.Time `json:"queuedAt"`
}

// NewImportTask builds the asynq task for t. The job id doubles as the task
// id so a job can only be enqueued once.
func NewImportTask(t ImportTask, cfg *QueueConfig) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	opts := []asynq.Option{
		asynq.MaxRetry(cfg.MaxRetries),
		asynq.Timeout(cfg.ProcessTimeout),
		asynq.TaskID(t.JobID),
		asynq.Queue(queueFor(t.Priority)),
	}
	return asynq.NewTask(TaskTypeImportRun, payload, opts...), nil
}

// ParseImportTask decodes a task payload.
func ParseImportTask(payload []byte) (ImportTask, error) {
	var t ImportTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if t.JobID == "" {
		return t, errors.New("invalid task data: missing job id")
	}
	return t, nil
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

type QueueConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
}

// AsynqQueue enqueues import tasks and removes them before a worker picks
// them up.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	config    *QueueConfig
	logger    logger.Logger
}

func (c *QueueConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

func NewAsynqQueue(cfg *QueueConfig, log logger.Logger) *AsynqQueue {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Minute
	}
	return &AsynqQueue{
		client:    asynq.NewClient(cfg.redisOpt()),
		inspector: asynq.NewInspector(cfg.redisOpt()),
		config:    cfg,
		logger:    log.Named("queue"),
	}
}

// Enqueue hands the job to the worker pool.
func (q *AsynqQueue) Enqueue(ctx context.Context, t ImportTask) error {
	if t.QueuedAt.IsZero() {
		t.QueuedAt = time.Now()
	}
	task, err := NewImportTask(t, q.config)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Info("Task enqueued",
		logger.JobID(t.JobID),
		logger.String("queue", info.Queue))
	return nil
}

// CancelTask deletes a pending task. A task that is already running or was
// never enqueued is left alone; the job's cancel flag stops it instead.
func (q *AsynqQueue) CancelTask(ctx context.Context, jobID string) error {
	var lastErr error
	for _, name := range queues {
		err := q.inspector.DeleteTask(name, jobID)
		if err == nil {
			q.logger.Info("Pending task deleted", logger.JobID(jobID), logger.String("queue", name))
			return nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("failed to cancel task: %w", lastErr)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.client.Close()
}
