package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// entry is one job's record. mu guards job and state; the flags are read
// without it so pollers never wait on a worker.
type entry struct {
	mu       sync.Mutex
	job      models.ImportJob
	state    State
	password string

	claimed   atomic.Bool
	cancelled atomic.Bool
}

// Tracker owns every job's lifecycle. Entries live in a sync.Map so jobs
// never contend with each other; each entry serializes its own updates.
type Tracker struct {
	entries sync.Map // id -> *entry
	store   Store
	now     func() time.Time
	logger  logger.Logger
}

// NewTracker creates a tracker. store may be nil for a process-local registry.
func NewTracker(store Store, log logger.Logger) *Tracker {
	return &Tracker{
		store:  store,
		now:    time.Now,
		logger: log.Named("jobs"),
	}
}

// CreateRequest describes the document a new job will import.
type CreateRequest struct {
	DocumentID   string
	DocumentHash string
	Filename     string
	StorageKey   string
	Password     string
}

// Create registers a queued job.
func (t *Tracker) Create(ctx context.Context, req CreateRequest) (models.ImportJob, error) {
	now := t.now()
	e := &entry{
		state:    Queued{},
		password: req.Password,
		job: models.ImportJob{
			ID:           uuid.New().String(),
			DocumentID:   req.DocumentID,
			DocumentHash: req.DocumentHash,
			Filename:     req.Filename,
			StorageKey:   req.StorageKey,
			Status:       models.JobQueued,
			Stage:        models.StageQueued,
			Logs:         []string{},
			CreatedAt:    now,
		},
	}
	e.job.Logs = append(e.job.Logs, t.line(now, "job created for %s", req.Filename))

	if err := t.persist(ctx, e.job); err != nil {
		return models.ImportJob{}, err
	}
	t.entries.Store(e.job.ID, e)

	t.logger.Info("Job created",
		logger.JobID(e.job.ID),
		logger.String("documentId", req.DocumentID),
		logger.String("filename", req.Filename))
	return e.job.Clone(), nil
}

// Get returns a snapshot of the job. With a store configured the stored
// snapshot is authoritative, since workers may run in other processes.
func (t *Tracker) Get(ctx context.Context, id string) (models.ImportJob, error) {
	if t.store != nil {
		job, err := t.store.Load(ctx, id)
		if err == nil || !errors.Is(err, models.ErrJobNotFound) {
			return job, err
		}
	}
	e, ok := t.local(id)
	if !ok {
		return models.ImportJob{}, models.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns up to limit jobs, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if t.store != nil {
		return t.store.List(ctx, limit)
	}

	var out []models.ImportJob
	t.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetPassword replaces the password held for a queued job. Passwords are
// kept in memory only and never persisted.
func (t *Tracker) SetPassword(id, password string) error {
	e, ok := t.local(id)
	if !ok {
		return models.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = password
	return nil
}

// Password returns the in-memory password of a job, if any.
func (t *Tracker) Password(id string) string {
	e, ok := t.local(id)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.password
}

// RequestCancel flags a job for cancellation. The worker observes the flag
// at its next page boundary.
func (t *Tracker) RequestCancel(ctx context.Context, id string) (models.ImportJob, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return models.ImportJob{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: job is %s", models.ErrInvalidTransition, job.Status)
	}

	if t.store != nil {
		if err := t.store.RequestCancel(ctx, id); err != nil {
			return job, fmt.Errorf("failed to request cancel: %w", err)
		}
	}
	// Only the owning process writes the snapshot; a stale local copy
	// must not overwrite the worker's progress.
	if e, ok := t.local(id); ok && (t.store == nil || e.claimed.Load()) {
		e.cancelled.Store(true)
		e.mu.Lock()
		e.job.CancelRequested = true
		e.job.Logs = append(e.job.Logs, t.line(t.now(), "cancellation requested"))
		job = e.job.Clone()
		e.mu.Unlock()
		if err := t.persist(ctx, job); err != nil {
			return job, err
		}
	}
	job.CancelRequested = true

	t.logger.Info("Cancellation requested", logger.JobID(id))
	return job, nil
}

// Purge forgets a job. A job with an active worker cannot be purged.
func (t *Tracker) Purge(ctx context.Context, id string) (models.ImportJob, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return models.ImportJob{}, err
	}
	if job.Status == models.JobRunning {
		return job, models.ErrJobBusy
	}
	if t.store != nil {
		if err := t.store.Delete(ctx, id); err != nil {
			return job, fmt.Errorf("failed to delete job: %w", err)
		}
	}
	t.entries.Delete(id)
	t.logger.Info("Job purged", logger.JobID(id))
	return job, nil
}

// Acquire makes the caller the job's single worker and moves it to running.
// A second Acquire for the same job fails with models.ErrJobBusy.
func (t *Tracker) Acquire(ctx context.Context, id string) (*Handle, error) {
	e, err := t.entryFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.claimed.CompareAndSwap(false, true) {
		return nil, models.ErrJobBusy
	}
	if t.store != nil {
		ok, err := t.store.Claim(ctx, id)
		if err != nil {
			e.claimed.Store(false)
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if !ok {
			e.claimed.Store(false)
			return nil, models.ErrJobBusy
		}
	}

	h := &Handle{tracker: t, entry: e, ctx: ctx, log: t.logger.With(logger.JobID(id))}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transition(Running{Stage: models.StageClassification}); err != nil {
		e.claimed.Store(false)
		return nil, err
	}
	now := t.now()
	e.job.StartedAt = &now
	e.job.Stage = models.StageClassification
	e.job.Logs = append(e.job.Logs, t.line(now, "import started"))
	h.persistLocked()
	return h, nil
}

// entryFor returns the local entry, loading it from the store when the job
// was created by another process.
func (t *Tracker) entryFor(ctx context.Context, id string) (*entry, error) {
	if e, ok := t.local(id); ok {
		return e, nil
	}
	if t.store == nil {
		return nil, models.ErrJobNotFound
	}
	job, err := t.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	e := &entry{job: job, state: stateOf(job)}
	if job.Logs == nil {
		e.job.Logs = []string{}
	}
	actual, _ := t.entries.LoadOrStore(id, e)
	return actual.(*entry), nil
}

func (t *Tracker) local(id string) (*entry, bool) {
	v, ok := t.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (t *Tracker) persist(ctx context.Context, job models.ImportJob) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (t *Tracker) line(at time.Time, format string, args ...any) string {
	return fmt.Sprintf("[%s] %s", at.Format("15:04:05"), fmt.Sprintf(format, args...))
}

// transition moves the entry to next, keeping job.Status in step. Callers hold e.mu.
func (e *entry) transition(next State) error {
	from := e.state.Status()
	if !allowed(from, next.Status()) {
		return fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, from, next.Status())
	}
	e.state = next
	e.job.Status = next.Status()
	return nil
}
