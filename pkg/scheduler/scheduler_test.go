package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/config"
	"github.com/contentforge/jobserver/pkg/eventbus"
	"github.com/contentforge/jobserver/pkg/models"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
)

type fakeStore struct {
	mu           sync.Mutex
	jobs         map[string]*models.Job
	pending      []*models.Job
	inFlight     map[string]int
	recovered    int
	createErr    error
	countErr     error
	claimErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*models.Job),
		inFlight: make(map[string]int),
	}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *models.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	s.pending = append(s.pending, job)
	s.inFlight[job.UserID]++
	return nil
}

func (s *fakeStore) ClaimNext(ctx context.Context, podID string) (*models.Job, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	return job, nil
}

func (s *fakeStore) MarkRunning(ctx context.Context, jobID, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = models.JobRunning
	}
	return nil
}

func (s *fakeStore) MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, errKind models.ErrorKind, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = status
		j.ErrorKind = errKind
		j.ErrorMessage = errMsg
	}
	return nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, jobID string) error { return nil }

func (s *fakeStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[userID], nil
}

func (s *fakeStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *fakeStore) RecoverOrphans(ctx context.Context, staleSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered, nil
}

type fakePipeline struct {
	err   error
	delay time.Duration
	ran   chan struct{}
}

func (p *fakePipeline) Execute(ctx context.Context, job *models.Job) error {
	if p.ran != nil {
		defer func() { p.ran <- struct{}{} }()
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func newTestScheduler(t *testing.T, store Store, pipe Pipeline) *Scheduler {
	t.Helper()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	return New(Config{
		PodID:             "test-pod",
		MaxGlobalWorkers:  4,
		JobTimeout:        time.Second,
		HeartbeatInterval: time.Hour,
		OrphanThreshold:   time.Hour,
	}, store, pipe, tiers, cache.New(10), eventbus.New())
}

func TestAdmitCreatesJobAndOpensEventLog(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakePipeline{})

	job, denial, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{
		Topic: "golang concurrency",
	}, 0)
	require.NoError(t, err)
	require.Nil(t, denial)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, s.bus.Len())
}

func TestAdmitDeniesDisallowedContentType(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakePipeline{})

	_, denial, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{
		Topic:          "golang",
		RequestedTypes: []models.ContentType{models.ContentVideo},
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Equal(t, models.DenyTypeNotAllowed, denial.Reason)
}

func TestAdmitRejectsWhenUserAtInFlightCap(t *testing.T) {
	store := newFakeStore()
	// The free tier's MaxParallelStages is 1, so a single in-flight job
	// already saturates the cap.
	store.inFlight["user-1"] = 1
	s := newTestScheduler(t, store, &fakePipeline{})

	_, _, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{
		Topic: "golang",
	}, 0)
	assert.ErrorIs(t, err, ErrTooManyInFlight)
}

func TestAdmitRejectsThirdBasicTierSubmissionAtCapTwo(t *testing.T) {
	store := newFakeStore()
	// The basic tier's MaxParallelStages is 2, so a third concurrent
	// submission must be rejected even though 3 was once a hardcoded cap.
	store.inFlight["user-1"] = 2
	s := newTestScheduler(t, store, &fakePipeline{})

	_, _, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierBasic}, tierpolicy.Request{
		Topic: "golang",
	}, 0)
	assert.ErrorIs(t, err, ErrTooManyInFlight)
}

func TestAdmitServesCacheHitWithoutRunningPipeline(t *testing.T) {
	store := newFakeStore()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	c := cache.New(10)
	bus := eventbus.New()
	pipe := &fakePipeline{ran: make(chan struct{}, 1)}
	s := New(Config{PodID: "test-pod", MaxGlobalWorkers: 4, JobTimeout: time.Second}, store, pipe, tiers, c, bus)

	def := reg.Get(models.TierFree)
	normalized := tierpolicy.NormalizeTopic("golang concurrency")
	fp := cache.Fingerprint(normalized, []models.ContentType{models.ContentBlog}, def.ModelID, 0)

	_, token := c.Begin(fp, "user-1", "leader-token")
	published := cache.Bundle{models.ContentBlog: &models.Artifact{ArtifactID: "cached-1", Content: "cached content"}}
	c.Publish(fp, token, published, time.Hour)

	job, denial, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{
		Topic: "golang concurrency",
	}, 0)
	require.NoError(t, err)
	require.Nil(t, denial)
	assert.Equal(t, models.JobCompleted, job.Status)

	store.mu.Lock()
	storedStatus := store.jobs[job.JobID].Status
	store.mu.Unlock()
	assert.Equal(t, models.JobCompleted, storedStatus)

	// The pipeline must never run for a cache hit.
	select {
	case <-pipe.ran:
		t.Fatal("pipeline should not run on a cache hit")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelInvokesRegisteredCancelFunc(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakePipeline{})

	_, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels["job-1"] = cancel
	s.mu.Unlock()

	assert.True(t, s.Cancel(context.Background(), "job-1"))
	assert.False(t, s.Cancel(context.Background(), "unknown-job"))
}

func TestPollAndProcessClaimsRunsAndMarksTerminal(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.New()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	s := New(Config{PodID: "pod-1", MaxGlobalWorkers: 4, JobTimeout: time.Second}, store, &fakePipeline{}, tiers, cache.New(10), bus)

	job, _, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{Topic: "golang"}, 0)
	require.NoError(t, err)

	err = s.pollAndProcess(context.Background(), "worker-0")
	require.NoError(t, err)

	store.mu.Lock()
	status := store.jobs[job.JobID].Status
	store.mu.Unlock()
	assert.Equal(t, models.JobCompleted, status)
}

func TestPollAndProcessReturnsErrNoJobsAvailable(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakePipeline{})

	err := s.pollAndProcess(context.Background(), "worker-0")
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestPollAndProcessReturnsErrAtCapacityWhenFull(t *testing.T) {
	store := newFakeStore()
	store.pending = append(store.pending, &models.Job{JobID: "job-1"}, &models.Job{JobID: "job-2"})
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	s := New(Config{PodID: "pod-1", MaxGlobalWorkers: 1, JobTimeout: time.Second}, store, &fakePipeline{}, tiers, cache.New(10), eventbus.New())

	err = s.pollAndProcess(context.Background(), "worker-0")
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestPollAndProcessMarksFailedOnPipelineError(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.New()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	s := New(Config{PodID: "pod-1", MaxGlobalWorkers: 4, JobTimeout: time.Second}, store, &fakePipeline{err: errors.New("boom")}, tiers, cache.New(10), bus)

	job, _, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{Topic: "golang"}, 0)
	require.NoError(t, err)

	err = s.pollAndProcess(context.Background(), "worker-0")
	require.NoError(t, err)

	store.mu.Lock()
	j := store.jobs[job.JobID]
	store.mu.Unlock()
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, models.ErrKindPipelineError, j.ErrorKind)
}

func TestPollAndProcessMarksTimeoutOnDeadlineExceeded(t *testing.T) {
	store := newFakeStore()
	bus := eventbus.New()
	reg, err := config.LoadTierRegistry("")
	require.NoError(t, err)
	tiers := tierpolicy.New(reg, nil)
	s := New(Config{PodID: "pod-1", MaxGlobalWorkers: 4, JobTimeout: 5 * time.Millisecond}, store, &fakePipeline{delay: 100 * time.Millisecond}, tiers, cache.New(10), bus)

	job, _, err := s.Admit(context.Background(), models.Principal{UserID: "user-1", Tier: models.TierFree}, tierpolicy.Request{Topic: "golang"}, 0)
	require.NoError(t, err)

	err = s.pollAndProcess(context.Background(), "worker-0")
	require.NoError(t, err)

	store.mu.Lock()
	j := store.jobs[job.JobID]
	store.mu.Unlock()
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, models.ErrKindStageTimeout, j.ErrorKind)
}

func TestClassifyOutcomeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, kind, _ := classifyOutcome(ctx, ctx.Err())
	assert.Equal(t, models.JobCancelled, status)
	assert.Equal(t, models.ErrKindCancelled, kind)
}

func TestHealthReportsActiveJobs(t *testing.T) {
	store := newFakeStore()
	store.pending = append(store.pending, &models.Job{JobID: "job-1"})
	s := newTestScheduler(t, store, &fakePipeline{})

	health := s.Health(context.Background())
	assert.Equal(t, "test-pod", health.PodID)
	assert.Equal(t, 1, health.ActiveJobs)
	assert.Equal(t, 4, health.MaxConcurrent)
}

func TestStopIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakePipeline{})
	s.Start(context.Background())

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}
