package buildqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/docker"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/lifecycle"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/ws"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// ErrBuildInProgress is returned when a team enqueues while it already has
// a waiting or active build.
var ErrBuildInProgress = errors.New("team already has a build in progress")

// JobStore is the broker surface the service depends on.
type JobStore interface {
	Enqueue(ctx context.Context, job *domain.BuildJob) error
	TeamHasJob(ctx context.Context, teamID string) (bool, error)
	Dequeue(ctx context.Context) (*domain.BuildJob, error)
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, job *domain.BuildJob) error
	Fail(ctx context.Context, job *domain.BuildJob, reason string) error
	CancelWaiting(ctx context.Context, job *domain.BuildJob) (bool, error)
	GetJob(ctx context.Context, jobID string) (*domain.BuildJob, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	Stalled(ctx context.Context) ([]*domain.BuildJob, error)
}

// ContainerRuntime is the runtime surface builds execute against.
type ContainerRuntime interface {
	IsRunning(ctx context.Context, containerID string) (bool, error)
	UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error
	ExecStream(ctx context.Context, containerID, command string, onOutput func([]byte)) (int, error)
}

var (
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_builds_total",
		Help: "Build jobs by terminal result.",
	}, []string{"result"})

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_build_duration_seconds",
		Help:    "Wall time of build command execution.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9),
	})
)

// Service runs the build pipeline: enqueue requests, a fixed worker pool
// that boosts container resources for the duration of a build, and a
// janitor that reaps jobs whose worker died.
type Service struct {
	store      JobStore
	runtime    ContainerRuntime
	containers repository.ContainerRepository
	teams      repository.TeamRepository
	events     ws.Emitter
	logger     *slog.Logger

	concurrency  int
	buildTimeout time.Duration
	heartbeatTTL time.Duration
	boost        domain.ResourceLimits
	baseline     domain.ResourceLimits

	wg  sync.WaitGroup
	now func() time.Time
}

// NewService constructs a build service.
func NewService(store JobStore, runtime ContainerRuntime, containers repository.ContainerRepository, teams repository.TeamRepository, events ws.Emitter, logger *slog.Logger, cfg config.ArenaConfig) *Service {
	boostCPU, boostMem := cfg.BoostLimits()
	baseCPU, baseMem := cfg.BaselineLimits()
	if logger != nil {
		logger = logger.With("component", "buildqueue")
	}
	concurrency := cfg.BuildConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		store:        store,
		runtime:      runtime,
		containers:   containers,
		teams:        teams,
		events:       events,
		logger:       logger,
		concurrency:  concurrency,
		buildTimeout: cfg.BuildTimeout,
		heartbeatTTL: cfg.BuildHeartbeatTTL,
		boost:        domain.ResourceLimits{CPUNanos: boostCPU, MemoryBytes: boostMem},
		baseline:     domain.ResourceLimits{CPUNanos: baseCPU, MemoryBytes: baseMem},
		now:          time.Now,
	}
}

// Enqueue submits a build for a team's container. An empty command falls
// back to the team framework's default build command.
func (s *Service) Enqueue(ctx context.Context, teamID, command string) (*domain.BuildJob, error) {
	busy, err := s.store.TeamHasJob(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("check build slot: %w", err)
	}
	if busy {
		return nil, ErrBuildInProgress
	}

	rec, err := s.containers.GetContainerRecord(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("team %s has no container", teamID)
		}
		return nil, fmt.Errorf("load container record: %w", err)
	}

	if command == "" {
		framework := lifecycle.FrameworkNextJS
		if team, err := s.teams.GetTeamByID(ctx, teamID); err == nil && team.Framework != "" {
			framework = team.Framework
		}
		command = lifecycle.BuildCommandFor(framework)
	}

	job := &domain.BuildJob{
		ID:           uuid.NewString(),
		TeamID:       teamID,
		ContainerID:  rec.ContainerID,
		BuildCommand: command,
		Status:       domain.JobWaiting,
		Attempts:     1,
		CreatedAt:    s.now(),
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrTeamBusy) {
			return nil, ErrBuildInProgress
		}
		return nil, err
	}

	s.logger.Info("build queued", "job_id", job.ID, "team_id", teamID, "command", command)
	s.events.EmitToTeam(teamID, "build:queued", map[string]any{"jobId": job.ID})
	return job, nil
}

// Run starts the worker pool and the stall janitor. It returns immediately;
// call Drain after cancelling ctx to wait for in-flight builds.
func (s *Service) Run(ctx context.Context) {
	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.janitor(ctx)
	s.logger.Info("build workers started", "concurrency", s.concurrency)
}

// Drain blocks until all workers and the janitor have exited.
func (s *Service) Drain() {
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.store.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		s.process(ctx, job)
	}
}

func (s *Service) process(ctx context.Context, job *domain.BuildJob) {
	log := s.logger.With("job_id", job.ID, "team_id", job.TeamID)
	log.Info("build started", "command", job.BuildCommand)
	s.events.EmitToTeam(job.TeamID, "build:started", map[string]any{"jobId": job.ID})

	running, err := s.runtime.IsRunning(ctx, job.ContainerID)
	if err != nil || !running {
		s.fail(ctx, job, "container not running")
		return
	}

	if err := s.runtime.UpdateResources(ctx, job.ContainerID, s.boost); err != nil {
		s.fail(ctx, job, fmt.Sprintf("resource boost failed: %v", err))
		return
	}
	// From here the container holds elevated limits; restoration must run
	// on every exit path, including panics in the exec plumbing.
	defer s.restoreResources(job)

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go s.keepAlive(job.ID, stopHeartbeat)

	buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	defer cancel()

	startedAt := s.now()
	exitCode, err := s.runtime.ExecStream(buildCtx, job.ContainerID, job.BuildCommand, func(chunk []byte) {
		s.events.EmitToTeam(job.TeamID, "build:log", map[string]any{
			"jobId": job.ID,
			"chunk": string(chunk),
		})
	})
	buildDuration.Observe(s.now().Sub(startedAt).Seconds())

	switch {
	case err != nil && errors.Is(err, docker.ErrTimeout):
		s.fail(ctx, job, fmt.Sprintf("build timed out after %s", s.buildTimeout))
	case err != nil:
		s.fail(ctx, job, fmt.Sprintf("build execution failed: %v", err))
	case exitCode != 0:
		s.fail(ctx, job, fmt.Sprintf("build exited with code %d", exitCode))
	default:
		if err := s.store.Complete(ctx, job); err != nil {
			log.Error("failed to finalize completed job", "error", err)
		}
		buildsTotal.WithLabelValues("success").Inc()
		log.Info("build succeeded")
		s.events.EmitToTeam(job.TeamID, "build:success", map[string]any{"jobId": job.ID})
	}
}

func (s *Service) fail(ctx context.Context, job *domain.BuildJob, reason string) {
	if err := s.store.Fail(ctx, job, reason); err != nil {
		s.logger.Error("failed to finalize failed job", "job_id", job.ID, "error", err)
	}
	buildsTotal.WithLabelValues("failure").Inc()
	s.logger.Warn("build failed", "job_id", job.ID, "team_id", job.TeamID, "reason", reason)
	s.events.EmitToTeam(job.TeamID, "build:failed", map[string]any{
		"jobId": job.ID,
		"error": reason,
	})
}

// restoreResources returns the container to its baseline ceiling after a
// build. It skips only when the container is definitively gone; any failure
// to restore an existing container is surfaced to operators as a leak of
// boosted resources.
func (s *Service) restoreResources(job *domain.BuildJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	running, err := s.runtime.IsRunning(ctx, job.ContainerID)
	if err == nil && !running {
		return
	}
	if err != nil && errors.Is(err, docker.ErrNotFound) {
		return
	}

	if err := s.runtime.UpdateResources(ctx, job.ContainerID, s.baseline); err != nil {
		s.logger.Error("failed to restore baseline resources",
			"job_id", job.ID, "team_id", job.TeamID, "container_id", job.ContainerID, "error", err)
		s.events.EmitToTeam(job.TeamID, "build:resource-leak", map[string]any{
			"jobId": job.ID,
			"error": "failed to restore container resource limits",
		})
		s.events.EmitToAdmins("build:resource-leak", map[string]any{
			"jobId":       job.ID,
			"teamId":      job.TeamID,
			"containerId": job.ContainerID,
		})
		return
	}
	s.logger.Info("baseline resources restored", "job_id", job.ID, "team_id", job.TeamID)
}

func (s *Service) keepAlive(jobID string, stop <-chan struct{}) {
	interval := s.heartbeatTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.store.Heartbeat(ctx, jobID); err != nil {
				s.logger.Warn("heartbeat refresh failed", "job_id", jobID, "error", err)
			}
			cancel()
		}
	}
}

// janitor periodically reaps active jobs whose worker stopped heartbeating.
func (s *Service) janitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := s.store.Stalled(ctx)
			if err != nil {
				s.logger.Error("stall scan failed", "error", err)
				continue
			}
			for _, job := range stalled {
				s.logger.Warn("reaping stalled build", "job_id", job.ID, "team_id", job.TeamID)
				if err := s.store.Fail(ctx, job, "build stalled: worker heartbeat lost"); err != nil {
					s.logger.Error("failed to reap stalled job", "job_id", job.ID, "error", err)
					continue
				}
				buildsTotal.WithLabelValues("stalled").Inc()
				s.events.EmitToTeam(job.TeamID, "build:stalled", map[string]any{
					"jobId": job.ID,
					"error": "build stalled, worker stopped responding",
				})
				s.events.EmitToAdmins("build:stalled", map[string]any{
					"jobId":  job.ID,
					"teamId": job.TeamID,
				})
			}
		}
	}
}

// Cancel removes a waiting job from the queue. Active jobs cannot be
// cancelled; their worker owns them until a terminal state.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobWaiting {
		return fmt.Errorf("job %s is %s, only waiting jobs can be cancelled", jobID, job.Status)
	}
	removed, err := s.store.CancelWaiting(ctx, job)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("job %s was claimed before cancellation", jobID)
	}
	s.logger.Info("build cancelled", "job_id", jobID, "team_id", job.TeamID)
	s.events.EmitToTeam(job.TeamID, "build:cancelled", map[string]any{"jobId": jobID})
	return nil
}

// Status returns the current state of one job.
func (s *Service) Status(ctx context.Context, jobID string) (*domain.BuildJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// QueueStats reports broker depth counters.
func (s *Service) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	return s.store.Stats(ctx)
}
