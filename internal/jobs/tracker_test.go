package jobs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

// memStore is a Store shared by several trackers to stand in for Redis.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]models.ImportJob
	claimed map[string]bool
	cancel  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    map[string]models.ImportJob{},
		claimed: map[string]bool{},
		cancel:  map[string]bool{},
	}
}

func (s *memStore) Save(_ context.Context, job models.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ImportJob{}, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *memStore) List(_ context.Context, limit int) ([]models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ImportJob
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.claimed, id)
	delete(s.cancel, id)
	return nil
}

func (s *memStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[id] {
		return false, nil
	}
	s.claimed[id] = true
	return true, nil
}

func (s *memStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[id] = true
	return nil
}

func (s *memStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func newTestTracker(store Store) (*Tracker, *logger.TestLogger) {
	log := logger.NewTestLogger()
	return NewTracker(store, log), log
}

func createJob(t *testing.T, tr *Tracker, name string) models.ImportJob {
	t.Helper()
	job, err := tr.Create(context.Background(), CreateRequest{
		DocumentID: "doc-" + name,
		Filename:   name + ".pdf",
	})
	require.NoError(t, err)
	return job
}

func TestCreateQueuesJob(t *testing.T) {
	tr, log := newTestTracker(nil)
	job := createJob(t, tr, "math")

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, models.StageQueued, job.Stage)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.FinishedAt)
	require.Len(t, job.Logs, 1)
	assert.Regexp(t, regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] job created for math\.pdf$`), job.Logs[0])
	assert.True(t, log.Contains("INFO", "Job created"))

	got, err := tr.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestGetUnknownJob(t *testing.T) {
	tr, _ := newTestTracker(nil)
	_, err := tr.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	_, err = tr.Acquire(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")
	job.Logs[0] = "mutated"

	got, err := tr.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", got.Logs[0])
}

func TestLifecycleToDone(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")

	h, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)

	got, _ := tr.Get(ctx, job.ID)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.Equal(t, models.StageClassification, got.Stage)
	assert.NotNil(t, got.StartedAt)

	h.Stage(models.StageAcquisition)
	h.Advance(30)
	h.Advance(10)
	h.Advance(100)
	got, _ = tr.Get(ctx, job.ID)
	assert.Equal(t, models.StageAcquisition, got.Stage)
	assert.Equal(t, 99, got.Progress)

	require.NoError(t, h.Complete(models.JobCounts{Extracted: 3, Accepted: 2, NeedsReview: 1}))
	got, _ = tr.Get(ctx, job.ID)
	assert.Equal(t, models.JobDone, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, models.StageDone, got.Stage)
	assert.Equal(t, 3, got.ExtractedCount)
	assert.Equal(t, 2, got.AcceptedCount)
	assert.Equal(t, 1, got.NeedsReviewCount)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Contains(t, got.Logs[len(got.Logs)-1], "import finished: 3 extracted, 2 accepted, 1 need review")

	assert.ErrorIs(t, h.Fail(models.StageExport, "late"), models.ErrInvalidTransition)
	assert.ErrorIs(t, h.Complete(models.JobCounts{}), models.ErrInvalidTransition)
	h.Advance(50)
	got, _ = tr.Get(ctx, job.ID)
	assert.Equal(t, models.JobDone, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestLifecycleToError(t *testing.T) {
	ctx := context.Background()
	tr, log := newTestTracker(nil)
	job := createJob(t, tr, "a")

	h, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)
	h.Advance(40)
	require.NoError(t, h.Fail(models.StageAcquisition, "document is encrypted: a password is required"))

	got, _ := tr.Get(ctx, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, models.StageAcquisition, got.Stage)
	assert.Equal(t, 40, got.Progress)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "document is encrypted: a password is required", *got.ErrorMessage)
	assert.Contains(t, got.Logs[len(got.Logs)-1], "error during acquisition")
	assert.True(t, log.Contains("WARN", "Job failed"))

	assert.ErrorIs(t, h.Complete(models.JobCounts{}), models.ErrInvalidTransition)
}

func TestSecondAcquireIsBusy(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")

	_, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)
	_, err = tr.Acquire(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrJobBusy)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Acquire(ctx, job.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestConcurrentJobsDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := tr.Create(ctx, CreateRequest{Filename: fmt.Sprintf("f%d.pdf", i)})
			if err != nil {
				return
			}
			ids[i] = job.ID
			h, err := tr.Acquire(ctx, job.ID)
			if err != nil {
				return
			}
			for p := 1; p <= 90; p++ {
				h.Advance(p)
			}
			_ = h.Complete(models.JobCounts{Extracted: i})
		}(i)
	}

	// Pollers read while workers write; progress must never go backwards.
	stop := make(chan struct{})
	var pollers sync.WaitGroup
	pollers.Add(1)
	go func() {
		defer pollers.Done()
		last := map[string]int{}
		for {
			select {
			case <-stop:
				return
			default:
			}
			jobs, _ := tr.List(ctx, MaxListLimit)
			for _, j := range jobs {
				assert.GreaterOrEqual(t, j.Progress, last[j.ID])
				last[j.ID] = j.Progress
			}
		}
	}()

	wg.Wait()
	close(stop)
	pollers.Wait()

	for i, id := range ids {
		got, err := tr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobDone, got.Status)
		assert.Equal(t, i, got.ExtractedCount)
	}
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")

	h, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, h.Cancelled())

	got, err := tr.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.True(t, h.Cancelled())

	require.NoError(t, h.Fail(models.StageAcquisition, "import cancelled by request"))
	_, err = tr.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	tr.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, createJob(t, tr, fmt.Sprint(i)).ID)
	}

	jobs, err := tr.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[4], jobs[0].ID)
	assert.Equal(t, ids[3], jobs[1].ID)
	assert.Equal(t, ids[2], jobs[2].ID)

	jobs, err = tr.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(nil)
	job := createJob(t, tr, "a")

	h, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)
	_, err = tr.Purge(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrJobBusy)

	require.NoError(t, h.Complete(models.JobCounts{}))
	_, err = tr.Purge(ctx, job.ID)
	require.NoError(t, err)
	_, err = tr.Get(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestPasswordStaysInMemory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr, _ := newTestTracker(store)

	job, err := tr.Create(ctx, CreateRequest{Filename: "secret.pdf", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "pw", tr.Password(job.ID))

	require.NoError(t, tr.SetPassword(job.ID, "other"))
	h, err := tr.Acquire(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "other", h.Password())

	stored, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	for _, l := range stored.Logs {
		assert.NotContains(t, l, "other")
	}
	assert.ErrorIs(t, tr.SetPassword("missing", "x"), models.ErrJobNotFound)
}

func TestStoreSharedAcrossTrackers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	api, _ := newTestTracker(store)
	worker, _ := newTestTracker(store)

	job := createJob(t, api, "shared")

	h, err := worker.Acquire(ctx, job.ID)
	require.NoError(t, err)
	h.Stage(models.StageAcquisition)
	h.Advance(45)

	got, err := api.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.Equal(t, 45, got.Progress)

	// The api process holds its own entry; the store claim still blocks it.
	_, err = api.Acquire(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrJobBusy)

	_, err = api.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, h.Cancelled())

	require.NoError(t, h.Fail(models.StageAcquisition, "import cancelled by request"))
	got, err = api.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobError, got.Status)

	jobs, err := api.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestStateOfRebuildsVariants(t *testing.T) {
	msg := "boom"
	assert.Equal(t, Queued{}, stateOf(models.ImportJob{Status: models.JobQueued}))
	assert.Equal(t, Running{Progress: 10, Stage: "parsing"},
		stateOf(models.ImportJob{Status: models.JobRunning, Progress: 10, Stage: "parsing"}))
	assert.Equal(t, Failed{Stage: "export", Message: "boom"},
		stateOf(models.ImportJob{Status: models.JobError, Stage: "export", ErrorMessage: &msg}))
	assert.Equal(t, Done{Counts: models.JobCounts{Extracted: 2}},
		stateOf(models.ImportJob{Status: models.JobDone, ExtractedCount: 2}))
}

func TestAllowedTransitions(t *testing.T) {
	assert.True(t, allowed(models.JobQueued, models.JobRunning))
	assert.False(t, allowed(models.JobQueued, models.JobDone))
	assert.True(t, allowed(models.JobRunning, models.JobError))
	assert.False(t, allowed(models.JobDone, models.JobRunning))
	assert.False(t, allowed(models.JobError, models.JobQueued))
}
