// Package scheduler implements job admission, worker-pool dispatch, FSM
// enforcement, cancellation and heartbeats over a bounded worker pool:
// claim, register a cancel func, start a heartbeat goroutine, execute,
// update terminal status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/eventbus"
	"github.com/contentforge/jobserver/pkg/metrics"
	"github.com/contentforge/jobserver/pkg/models"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNoJobsAvailable = errors.New("scheduler: no jobs available")
	ErrAtCapacity      = errors.New("scheduler: at capacity")
	ErrTooManyInFlight = errors.New("scheduler: caller has reached its in-flight job limit")
)

// Store is the persistence seam the scheduler needs from the Artifact
// Store: claiming, status transitions, and in-flight counting. Kept
// narrow so scheduler tests can fake it without a database.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	ClaimNext(ctx context.Context, podID string) (*models.Job, error)
	MarkRunning(ctx context.Context, jobID, podID string) error
	MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, errKind models.ErrorKind, errMsg string) error
	Heartbeat(ctx context.Context, jobID string) error
	CountActiveForUser(ctx context.Context, userID string) (int, error)
	CountActive(ctx context.Context) (int, error)
	RecoverOrphans(ctx context.Context, staleSince time.Time) (int, error)
}

// Pipeline is the seam to the stage graph: given an admitted job, runs it
// to completion, publishing progress via the event bus and writing
// artifacts via the store as it goes. Execute must respect ctx
// cancellation.
type Pipeline interface {
	Execute(ctx context.Context, job *models.Job) error
}

// Config bounds worker-pool behavior.
type Config struct {
	PodID             string
	MaxGlobalWorkers  int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	OrphanThreshold   time.Duration
}

// Scheduler owns admission, the worker pool, and the cancel registry.
type Scheduler struct {
	cfg      Config
	store    Store
	pipeline Pipeline
	tiers    *tierpolicy.Policy
	cache    *cache.Cache
	bus      *eventbus.Bus

	mu      sync.RWMutex
	cancels map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a Scheduler over its collaborators.
func New(cfg Config, store Store, pipeline Pipeline, tiers *tierpolicy.Policy, c *cache.Cache, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		tiers:    tiers,
		cache:    c,
		bus:      bus,
		cancels:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Admit runs the admission pipeline: the principal is already resolved by
// the authn layer; Admit applies the tier policy's decision, probes the
// cache, checks the per-user in-flight count against the tier's
// MaxParallelStages, and — on success — creates the job row and opens its
// event-bus log. Global worker capacity is not checked here: an admitted
// job stays pending until a worker claims it. The returned Job's ID
// is always safe to stream from immediately after Admit returns.
func (s *Scheduler) Admit(ctx context.Context, principal models.Principal, req tierpolicy.Request, moderationVersion int) (*models.Job, *tierpolicy.Denial, error) {
	admission, denial := s.tiers.Admit(principal, req)
	if denial != nil {
		metrics.JobsDenied.WithLabelValues(string(denial.Reason)).Inc()
		return nil, denial, nil
	}

	fp := cache.Fingerprint(admission.NormalizedTopic, admission.EffectiveTypes, admission.ModelID, moderationVersion)

	if bundle, result := s.cache.Lookup(fp); result == cache.Hit {
		return s.admitFromCache(ctx, principal, admission, fp, bundle)
	}

	inFlight, err := s.store.CountActiveForUser(ctx, principal.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("counting in-flight jobs: %w", err)
	}
	if inFlight >= admission.MaxParallelStages {
		return nil, nil, ErrTooManyInFlight
	}

	job := &models.Job{
		JobID:             uuid.New().String(),
		UserID:            principal.UserID,
		Tier:              principal.Tier,
		Topic:             admission.DisplayTopic,
		NormalizedTopic:   admission.NormalizedTopic,
		RequestedTypes:    admission.EffectiveTypes,
		ModelID:           admission.ModelID,
		MaxParallelStages: admission.MaxParallelStages,
		Fingerprint:       fp,
		Status:            models.JobPending,
		CreatedAt:         time.Now(),
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}

	s.bus.Open(job.JobID, fastLaneFor(admission.EffectiveTypes))
	s.bus.Publish(job.JobID, models.EventKindStatus, map[string]any{"status": string(models.JobPending)})
	metrics.JobsAdmitted.WithLabelValues(string(principal.Tier)).Inc()

	return job, nil, nil
}

// admitFromCache is taken when the fingerprint already has a published
// bundle: the job is recorded for audit but runs no pipeline stages — its
// event log carries job_started followed directly by a complete event
// snapshotting the cached bundle.
func (s *Scheduler) admitFromCache(ctx context.Context, principal models.Principal, admission *tierpolicy.Admission, fp string, bundle cache.Bundle) (*models.Job, *tierpolicy.Denial, error) {
	job := &models.Job{
		JobID:             uuid.New().String(),
		UserID:            principal.UserID,
		Tier:              principal.Tier,
		Topic:             admission.DisplayTopic,
		NormalizedTopic:   admission.NormalizedTopic,
		RequestedTypes:    admission.EffectiveTypes,
		ModelID:           admission.ModelID,
		MaxParallelStages: admission.MaxParallelStages,
		Fingerprint:       fp,
		Status:            models.JobPending,
		CreatedAt:         time.Now(),
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}
	if err := s.store.MarkTerminal(ctx, job.JobID, models.JobCompleted, "", ""); err != nil {
		return nil, nil, fmt.Errorf("marking cached job completed: %w", err)
	}
	job.Status = models.JobCompleted

	s.bus.Open(job.JobID, fastLaneFor(admission.EffectiveTypes))
	s.bus.Publish(job.JobID, models.EventKindJobStarted, map[string]any{"status": string(models.JobRunning)})
	s.bus.Publish(job.JobID, models.EventKindComplete, completePayload(job.RequestedTypes, bundle))
	s.bus.Terminate(job.JobID)
	metrics.JobsAdmitted.WithLabelValues(string(principal.Tier)).Inc()

	return job, nil, nil
}

// completePayload snapshots a cached bundle into the complete event's
// payload shape, limited to the types this job actually requested.
func completePayload(requestedTypes []models.ContentType, bundle cache.Bundle) map[string]any {
	artifacts := make([]map[string]any, 0, len(requestedTypes))
	for _, ct := range requestedTypes {
		artifact, ok := bundle[ct]
		if !ok {
			continue
		}
		artifacts = append(artifacts, map[string]any{
			"artifact_type": string(ct),
			"content":       artifact.Content,
		})
	}
	return map[string]any{
		"status":     string(models.JobCompleted),
		"from_cache": true,
		"artifacts":  artifacts,
	}
}

// fastLaneFor reports whether any of the requested types warrants the
// event bus's tighter poll cadence.
func fastLaneFor(types []models.ContentType) bool {
	for _, ct := range types {
		if ct == models.ContentAudio || ct == models.ContentVideo {
			return true
		}
	}
	return false
}

// Cancel invokes the cancel function registered for jobID if the job is
// running on one of this pod's workers, and reports whether it did. It sets
// no persisted cancel flag, and a job that is still pending (or running on
// another pod) is left unchanged and reported as false.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	s.mu.RLock()
	cancel, ok := s.cancels[jobID]
	s.mu.RUnlock()
	if ok {
		cancel()
		return true
	}
	return false
}

// Start launches MaxGlobalWorkers polling goroutines plus the orphan
// detector.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.MaxGlobalWorkers; i++ {
		s.wg.Add(1)
		workerID := fmt.Sprintf("%s-worker-%d", s.cfg.PodID, i)
		go s.runWorker(ctx, workerID)
	}
	s.wg.Add(1)
	go s.runOrphanDetection(ctx)
}

// Stop signals every worker loop to exit and waits for in-flight jobs to
// reach a terminal state or be force-cancelled by ctx.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, workerID string) {
	defer s.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Info("scheduler worker started")

	for {
		select {
		case <-s.stopCh:
			log.Info("scheduler worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			if err := s.pollAndProcess(ctx, workerID); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					s.sleep(time.Second)
					continue
				}
				log.Error("error processing job", "error", err)
				s.sleep(time.Second)
			}
		}
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

func (s *Scheduler) pollAndProcess(ctx context.Context, workerID string) error {
	active, err := s.store.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("counting active jobs: %w", err)
	}
	if active >= s.cfg.MaxGlobalWorkers {
		return ErrAtCapacity
	}

	job, err := s.store.ClaimNext(ctx, s.cfg.PodID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNoJobsAvailable
	}

	log := slog.With("job_id", job.JobID, "worker_id", workerID)
	log.Info("job claimed")

	if err := s.store.MarkRunning(ctx, job.JobID, s.cfg.PodID); err != nil {
		log.Error("failed to mark job running", "error", err)
		return err
	}
	s.bus.Publish(job.JobID, models.EventKindJobStarted, map[string]any{"status": string(models.JobRunning)})

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	s.mu.Lock()
	s.cancels[job.JobID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.JobID)
		s.mu.Unlock()
	}()

	hbCtx, cancelHB := context.WithCancel(jobCtx)
	go s.runHeartbeat(hbCtx, job.JobID)

	metrics.ActiveWorkers.Inc()
	err = s.pipeline.Execute(jobCtx, job)
	metrics.ActiveWorkers.Dec()
	cancelHB()

	status, errKind, errMsg := classifyOutcome(jobCtx, err)
	metrics.JobsCompleted.WithLabelValues(string(status)).Inc()

	if updateErr := s.store.MarkTerminal(context.Background(), job.JobID, status, errKind, errMsg); updateErr != nil {
		log.Error("failed to mark job terminal", "error", updateErr)
	}

	payload := map[string]any{"status": string(status)}
	kind := models.EventKindComplete
	switch status {
	case models.JobFailed:
		kind = models.EventKindError
		payload["error_kind"] = string(errKind)
		payload["message"] = errMsg
	case models.JobCancelled:
		kind = models.EventKindCancelled
	}
	s.bus.Publish(job.JobID, kind, payload)
	s.bus.Terminate(job.JobID)

	log.Info("job finished", "status", status)
	return nil
}

func classifyOutcome(ctx context.Context, err error) (models.JobStatus, models.ErrorKind, string) {
	switch {
	case err == nil:
		return models.JobCompleted, "", ""
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.JobFailed, models.ErrKindStageTimeout, "job exceeded its overall timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return models.JobCancelled, models.ErrKindCancelled, "cancelled"
	default:
		return models.JobFailed, models.ErrKindPipelineError, err.Error()
	}
}

func (s *Scheduler) runHeartbeat(ctx context.Context, jobID string) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(context.Background(), jobID); err != nil {
				slog.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (s *Scheduler) runOrphanDetection(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval * 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := s.cfg.OrphanThreshold
			if threshold <= 0 {
				threshold = 2 * time.Minute
			}
			n, err := s.store.RecoverOrphans(ctx, time.Now().Add(-threshold))
			if err != nil {
				slog.Error("orphan recovery failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("recovered orphaned jobs", "count", n)
			}
		}
	}
}

// PoolHealth is the worker pool's surfaced health payload.
type PoolHealth struct {
	PodID         string `json:"pod_id"`
	TotalWorkers  int    `json:"total_workers"`
	ActiveJobs    int    `json:"active_jobs"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Health reports the pool's current occupancy.
func (s *Scheduler) Health(ctx context.Context) PoolHealth {
	active, _ := s.store.CountActive(ctx)
	return PoolHealth{
		PodID:         s.cfg.PodID,
		TotalWorkers:  s.cfg.MaxGlobalWorkers,
		ActiveJobs:    active,
		MaxConcurrent: s.cfg.MaxGlobalWorkers,
	}
}
