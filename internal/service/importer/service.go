package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/exam-importer/internal/jobs"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/internal/pipeline"
	"github.com/feichai0017/exam-importer/internal/scoring"
	"github.com/feichai0017/exam-importer/internal/utils/validator"
	"github.com/feichai0017/exam-importer/pkg/converters"
	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/queue"
	"github.com/feichai0017/exam-importer/pkg/storage"
)

// documentNamespace derives stable document ids from content hashes.
var documentNamespace = uuid.MustParse("6f1c4b9e-2d0a-4c57-9a41-3e8f5b2d7c10")

type ServiceConfig struct {
	Dedup           bool
	MaxRunning      int
	ListLimit       int
	QueuePriority   int
	RetentionPeriod time.Duration
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Dedup:           true,
		MaxRunning:      2,
		ListLimit:       jobs.DefaultListLimit,
		QueuePriority:   2,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// ImportService owns submission, dispatch and execution of import jobs.
type ImportService struct {
	validator  *validator.DocumentValidator
	runner     Runner
	tracker    *jobs.Tracker
	storage    storage.Storage
	dispatcher Dispatcher
	converter  *converters.JSONConverter
	logger     logger.Logger
	config     *ServiceConfig

	hashes  sync.Map // document hash -> job id
	started sync.Map // job id -> struct{}
	results sync.Map // job id -> *converters.ProblemSet

	slots chan struct{}
	wg    sync.WaitGroup
}

var _ Importer = (*ImportService)(nil)

func NewService(
	v *validator.DocumentValidator,
	runner Runner,
	tracker *jobs.Tracker,
	store storage.Storage,
	dispatcher Dispatcher,
	log logger.Logger,
	cfg *ServiceConfig,
) *ImportService {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if cfg.MaxRunning < 1 {
		cfg.MaxRunning = 1
	}
	return &ImportService{
		validator:  v,
		runner:     runner,
		tracker:    tracker,
		storage:    store,
		dispatcher: dispatcher,
		converter:  converters.NewJSONConverter(),
		logger:     log.Named("importer"),
		config:     cfg,
		slots:      make(chan struct{}, cfg.MaxRunning),
	}
}

func documentID(hash string) string {
	return uuid.NewSHA1(documentNamespace, []byte(hash)).String()
}

// Submit validates and stores an upload and creates a queued job for it.
// Input errors are returned as they are and no job is created.
func (s *ImportService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	s.logger.Info("Starting file submission", logger.String("filename", req.Filename))

	validated, err := s.validator.Validate(req.Body, req.Filename)
	if err != nil {
		return nil, err
	}
	info := validated.Info
	doc := models.Document{
		ID:        documentID(info.Hash),
		Filename:  info.Filename,
		Hash:      info.Hash,
		Size:      info.Size,
		PageCount: info.PageCount,
		Encrypted: info.Encrypted,
		Title:     info.Title,
		Author:    info.Author,
		CreatedAt: time.Now(),
	}

	if s.config.Dedup {
		if job, ok := s.duplicate(ctx, info.Hash); ok {
			s.logger.Info("Duplicate upload, reusing job",
				logger.JobID(job.ID),
				logger.String("filename", req.Filename))
			if req.Password != "" {
				_ = s.tracker.SetPassword(job.ID, req.Password)
			}
			doc.StorageKey = job.StorageKey
			return &SubmitResult{Job: job, Document: doc, Duplicate: true}, nil
		}
	}

	key, err := s.storage.Store(ctx, bytes.NewReader(validated.Data), storage.SourceKey(doc.ID))
	if err != nil {
		s.logger.Error("Failed to store file", logger.String("filename", req.Filename), logger.Error(err))
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	doc.StorageKey = key

	job, err := s.tracker.Create(ctx, jobs.CreateRequest{
		DocumentID:   doc.ID,
		DocumentHash: doc.Hash,
		Filename:     doc.Filename,
		StorageKey:   key,
		Password:     req.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.hashes.Store(doc.Hash, job.ID)

	s.logger.Info("Import job created",
		logger.JobID(job.ID),
		logger.String("documentId", doc.ID),
		logger.Int("pages", doc.PageCount))
	return &SubmitResult{Job: job, Document: doc}, nil
}

// duplicate finds a live job for the same content. Jobs that ended in error
// do not count, so a failed import can be retried by uploading again.
func (s *ImportService) duplicate(ctx context.Context, hash string) (models.ImportJob, bool) {
	v, ok := s.hashes.Load(hash)
	if !ok {
		return models.ImportJob{}, false
	}
	job, err := s.tracker.Get(ctx, v.(string))
	if err != nil || job.Status == models.JobError {
		return models.ImportJob{}, false
	}
	return job, true
}

// Start is the explicit start signal for a queued job.
func (s *ImportService) Start(ctx context.Context, jobID, password string) (models.ImportJob, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return models.ImportJob{}, err
	}
	if job.Status != models.JobQueued {
		return job, fmt.Errorf("%w: job is %s", models.ErrInvalidTransition, job.Status)
	}
	if _, loaded := s.started.LoadOrStore(jobID, struct{}{}); loaded {
		return job, models.ErrJobBusy
	}

	if password != "" {
		_ = s.tracker.SetPassword(jobID, password)
	} else {
		password = s.tracker.Password(jobID)
	}

	if s.dispatcher != nil {
		err := s.dispatcher.Enqueue(ctx, queue.ImportTask{
			JobID:    jobID,
			Password: password,
			Priority: s.config.QueuePriority,
		})
		if err != nil {
			s.started.Delete(jobID)
			s.logger.Error("Failed to enqueue task", logger.JobID(jobID), logger.Error(err))
			return job, fmt.Errorf("failed to enqueue task: %w", err)
		}
		return job, nil
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		err := s.Run(runCtx, jobID, password)
		if err != nil && !errors.Is(err, models.ErrJobBusy) && !errors.Is(err, models.ErrJobNotFound) {
			s.logger.Error("Inline run failed", logger.JobID(jobID), logger.Error(err))
		}
	}()
	return job, nil
}

// Wait blocks until every inline run started by this service has returned.
func (s *ImportService) Wait() {
	s.wg.Wait()
}

// Run executes a job as its single worker. Failures of the import itself are
// recorded on the job and Run returns nil; an error means the job could not
// be taken at all.
func (s *ImportService) Run(ctx context.Context, jobID, password string) (err error) {
	h, err := s.tracker.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	ctx = logger.WithJob(ctx, jobID)
	log := logger.FromContext(ctx, s.logger)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Run panicked", logger.Any("panic", r))
			s.fail(h, fmt.Errorf("panic: %v", r), h.Snapshot().Stage)
			err = nil
		}
	}()

	job := h.Snapshot()
	if password == "" {
		password = h.Password()
	}

	data, err := storage.ReadAll(ctx, s.storage, job.StorageKey)
	if err != nil {
		s.fail(h, models.NewStageError(models.StageAcquisition, "source document is unavailable",
			fmt.Errorf("%w: %w", models.ErrAcquisitionFailed, err)), models.StageAcquisition)
		return nil
	}

	doc := models.Document{
		ID:         job.DocumentID,
		Filename:   job.Filename,
		Hash:       job.DocumentHash,
		Size:       int64(len(data)),
		StorageKey: job.StorageKey,
		CreatedAt:  job.CreatedAt,
	}
	res, err := s.runner.Run(ctx, pipeline.Input{Document: doc, Data: data, Password: password}, h)
	if err != nil {
		s.fail(h, err, h.Snapshot().Stage)
		return nil
	}

	if h.Cancelled() {
		s.fail(h, models.NewStageError(models.StageExport, "", models.ErrCancelled), models.StageExport)
		return nil
	}
	h.Stage(models.StageExport)
	h.Advance(pipeline.ProgressExport)
	if err := s.export(ctx, h, res); err != nil {
		s.fail(h, models.NewStageError(models.StageExport, "result could not be stored", err), models.StageExport)
		return nil
	}

	if err := h.Complete(res.Counts); err != nil {
		return err
	}
	log.Info("Import completed",
		logger.Int("extracted", res.Counts.Extracted),
		logger.Int("accepted", res.Counts.Accepted),
		logger.Int("needsReview", res.Counts.NeedsReview))
	return nil
}

func (s *ImportService) export(ctx context.Context, h *jobs.Handle, res *pipeline.Result) error {
	set, err := s.converter.Convert(converters.Input{
		JobID:    h.ID(),
		Document: res.Document,
		Pages:    res.Pages,
		Problems: res.Problems,
		Family:   res.Family,
		Expected: res.Expected,
		Counts:   res.Counts,
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := converters.Encode(&buf, set); err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	key, err := s.storage.Store(ctx, &buf, storage.ResultKey(h.ID()))
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	h.SetResultKey(key)
	s.results.Store(h.ID(), set)
	h.Logf("exported %d problems to %s", len(set.Problems), key)
	return nil
}

// fail records err on the job using the stable message for its kind. The
// raw error only goes to the process log.
func (s *ImportService) fail(h *jobs.Handle, err error, fallbackStage string) {
	stage, msg := models.Classify(err, fallbackStage)
	s.logger.Warn("Import failed",
		logger.JobID(h.ID()),
		logger.String("stage", stage),
		logger.Error(err))
	if ferr := h.Fail(stage, msg); ferr != nil {
		s.logger.Error("Failed to record job failure", logger.JobID(h.ID()), logger.Error(ferr))
	}
}

func (s *ImportService) Status(ctx context.Context, jobID string) (models.ImportJob, error) {
	return s.tracker.Get(ctx, jobID)
}

// List returns recent jobs, newest first. A non-positive limit uses the
// configured default.
func (s *ImportService) List(ctx context.Context, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = s.config.ListLimit
	}
	return s.tracker.List(ctx, limit)
}

// Cancel requests cancellation. A job nobody has picked up yet is failed
// right away; a running job stops at its next page boundary.
func (s *ImportService) Cancel(ctx context.Context, jobID string) (models.ImportJob, error) {
	job, err := s.tracker.RequestCancel(ctx, jobID)
	if err != nil {
		return job, err
	}

	if job.Status == models.JobQueued {
		if s.dispatcher != nil {
			if err := s.dispatcher.CancelTask(ctx, jobID); err != nil {
				s.logger.Warn("Failed to delete pending task", logger.JobID(jobID), logger.Error(err))
			}
		}
		h, err := s.tracker.Acquire(ctx, jobID)
		switch {
		case err == nil:
			s.fail(h, models.NewStageError(models.StageQueued, "", models.ErrCancelled), models.StageQueued)
		case errors.Is(err, models.ErrJobBusy):
			// A worker got there first and will observe the flag.
		default:
			return job, err
		}
	}

	s.logger.Info("Job cancellation requested", logger.JobID(jobID))
	return s.tracker.Get(ctx, jobID)
}

// Purge removes a finished or queued job with its stored blobs.
func (s *ImportService) Purge(ctx context.Context, jobID string) error {
	job, err := s.tracker.Purge(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobQueued && s.dispatcher != nil {
		if err := s.dispatcher.CancelTask(ctx, jobID); err != nil {
			s.logger.Warn("Failed to delete pending task", logger.JobID(jobID), logger.Error(err))
		}
	}

	resultKey := job.ResultKey
	if resultKey == "" {
		resultKey = storage.ResultKey(jobID)
	}
	if err := s.storage.Delete(ctx, resultKey); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}

	// The source is shared by every job of the same content; only the job
	// that owns the hash entry removes it.
	owner, ok := s.hashes.Load(job.DocumentHash)
	if !ok || owner.(string) == jobID {
		s.hashes.Delete(job.DocumentHash)
		if job.StorageKey != "" {
			if err := s.storage.Delete(ctx, job.StorageKey); err != nil {
				return fmt.Errorf("failed to delete source: %w", err)
			}
		}
	}

	s.results.Delete(jobID)
	s.started.Delete(jobID)
	s.logger.Info("Job purged", logger.JobID(jobID))
	return nil
}

// Result returns the exported problem set of a done job.
func (s *ImportService) Result(ctx context.Context, jobID string) (*converters.ProblemSet, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobDone {
		return nil, fmt.Errorf("%w: job is %s", models.ErrResultNotReady, job.Status)
	}
	if v, ok := s.results.Load(jobID); ok {
		return v.(*converters.ProblemSet), nil
	}

	key := job.ResultKey
	if key == "" {
		key = storage.ResultKey(jobID)
	}
	rc, err := s.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: result blob missing", models.ErrResultNotReady)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	defer rc.Close()

	set, err := converters.Decode(rc)
	if err != nil {
		return nil, err
	}
	s.results.Store(jobID, set)
	return set, nil
}

// ReviewQueue returns the problems of a done job that need a reviewer.
func (s *ImportService) ReviewQueue(ctx context.Context, jobID string) ([]models.CandidateProblem, error) {
	set, err := s.Result(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return scoring.ReviewQueue(set.Problems), nil
}

// CleanupBefore removes stored blobs older than the retention period.
func (s *ImportService) CleanupBefore(ctx context.Context, now time.Time) error {
	threshold := now.Add(-s.config.RetentionPeriod)
	if err := s.storage.CleanupBefore(ctx, threshold); err != nil {
		return fmt.Errorf("failed to cleanup storage: %w", err)
	}
	s.logger.Info("Completed storage cleanup", logger.Time("threshold", threshold))
	return nil
}
