package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/docker"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository"
	"github.com/krishna-shrivastav232702/proctored-ide/pkg/config"
)

// Runtime is the container runtime surface the manager depends on.
type Runtime interface {
	EnsureVolume(ctx context.Context, name string) error
	CreateTeamContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	StopAndRemove(ctx context.Context, containerID string) error
	UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error
	SampleStats(ctx context.Context, containerID string) (domain.ContainerStats, error)
}

// Manager provisions and supervises one dev container per team. It is the
// sole writer of ContainerRecords.
type Manager struct {
	runtime    Runtime
	containers repository.ContainerRepository
	teams      repository.TeamRepository
	cache      *StatusCache
	logger     *slog.Logger

	baseline  domain.ResourceLimits
	pidsLimit int64

	now func() time.Time
}

// NewManager constructs a lifecycle manager.
func NewManager(runtime Runtime, containers repository.ContainerRepository, teams repository.TeamRepository, cache *StatusCache, logger *slog.Logger, cfg config.ArenaConfig) *Manager {
	cpu, mem := cfg.BaselineLimits()
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		runtime:    runtime,
		containers: containers,
		teams:      teams,
		cache:      cache,
		logger:     logger,
		baseline:   domain.ResourceLimits{CPUNanos: cpu, MemoryBytes: mem},
		pidsLimit:  cfg.PidsLimit,
		now:        time.Now,
	}
}

// Provisioned describes a ready container and how to run its dev server.
type Provisioned struct {
	ContainerID string
	Framework   string
	DevCommand  string
	DevPort     int
}

// Provision returns a running container for the team, reusing or restarting
// an existing one and creating a fresh one when the recorded container no
// longer exists in the runtime.
func (m *Manager) Provision(ctx context.Context, teamID string) (Provisioned, error) {
	framework, err := m.teamFramework(ctx, teamID)
	if err != nil {
		return Provisioned{}, err
	}

	rec, err := m.containers.GetContainerRecord(ctx, teamID)
	switch {
	case err == nil:
		id, stale, err := m.reuseExisting(ctx, rec)
		if err != nil {
			return Provisioned{}, err
		}
		if !stale {
			return m.provisioned(id, framework), nil
		}
		// Stale record: the runtime no longer knows the container.
		if err := m.containers.DeleteContainerRecord(ctx, teamID); err != nil {
			return Provisioned{}, fmt.Errorf("delete stale container record: %w", err)
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return Provisioned{}, fmt.Errorf("load container record: %w", err)
	}

	id, err := m.createFresh(ctx, teamID, framework)
	if err != nil {
		return Provisioned{}, err
	}
	return m.provisioned(id, framework), nil
}

func (m *Manager) teamFramework(ctx context.Context, teamID string) (string, error) {
	team, err := m.teams.GetTeamByID(ctx, teamID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("load team: %w", err)
		}
		return "", fmt.Errorf("team %s not found", teamID)
	}
	if team.Framework == "" {
		return FrameworkNextJS, nil
	}
	return team.Framework, nil
}

func (m *Manager) provisioned(containerID, framework string) Provisioned {
	return Provisioned{
		ContainerID: containerID,
		Framework:   framework,
		DevCommand:  DevCommandFor(framework),
		DevPort:     DevPortFor(framework),
	}
}

func (m *Manager) reuseExisting(ctx context.Context, rec *domain.ContainerRecord) (id string, stale bool, err error) {
	running, err := m.runtime.IsRunning(ctx, rec.ContainerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			m.logger.Info("recorded container gone from runtime", "team_id", rec.TeamID, "container_id", rec.ContainerID)
			return "", true, nil
		}
		return "", false, fmt.Errorf("inspect container: %w", err)
	}
	if running {
		return rec.ContainerID, false, nil
	}
	if err := m.runtime.StartContainer(ctx, rec.ContainerID); err != nil {
		m.logger.Warn("failed to restart stopped container, recreating", "team_id", rec.TeamID, "container_id", rec.ContainerID, "error", err)
		return "", true, nil
	}
	if err := m.containers.MarkContainerRunning(ctx, rec.TeamID); err != nil {
		m.logger.Warn("failed to mark record running", "team_id", rec.TeamID, "error", err)
	}
	m.cache.Invalidate(ctx, rec.TeamID)
	return rec.ContainerID, false, nil
}

func (m *Manager) createFresh(ctx context.Context, teamID, framework string) (string, error) {
	volume := VolumeName(teamID)
	if err := m.runtime.EnsureVolume(ctx, volume); err != nil {
		return "", err
	}

	spec := docker.ContainerSpec{
		TeamID:    teamID,
		Image:     ImageFor(framework),
		Env:       envFor(framework),
		Volume:    volume,
		Limits:    m.baseline,
		PidsLimit: m.pidsLimit,
		DevPort:   DevPortFor(framework),
	}
	containerID, err := m.runtime.CreateTeamContainer(ctx, spec)
	if err != nil {
		return "", err
	}

	rec := &domain.ContainerRecord{
		TeamID:      teamID,
		ContainerID: containerID,
		Status:      domain.ContainerRunning,
		CreatedAt:   m.now(),
	}
	inserted, err := m.containers.CreateContainerRecord(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("persist container record: %w", err)
	}
	if !inserted {
		// A concurrent provision won the record race; discard our container
		// and return the winner's.
		if rmErr := m.runtime.StopAndRemove(ctx, containerID); rmErr != nil {
			m.logger.Warn("failed to remove duplicate container", "team_id", teamID, "container_id", containerID, "error", rmErr)
		}
		winner, err := m.containers.GetContainerRecord(ctx, teamID)
		if err != nil {
			return "", fmt.Errorf("load winning container record: %w", err)
		}
		return winner.ContainerID, nil
	}

	m.logger.Info("container provisioned", "team_id", teamID, "container_id", containerID, "framework", framework)
	m.cache.Invalidate(ctx, teamID)
	return containerID, nil
}

// Stop gracefully stops and removes a team's container. The record is
// always marked stopped, even when the runtime call fails: it must reflect
// intent when the runtime is unreachable.
func (m *Manager) Stop(ctx context.Context, teamID string) error {
	rec, err := m.containers.GetContainerRecord(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load container record: %w", err)
	}

	if err := m.runtime.StopAndRemove(ctx, rec.ContainerID); err != nil {
		m.logger.Error("failed to stop container in runtime", "team_id", teamID, "container_id", rec.ContainerID, "error", err)
	}

	if err := m.containers.MarkContainerStopped(ctx, teamID, m.now()); err != nil {
		return fmt.Errorf("mark container stopped: %w", err)
	}
	m.cache.Invalidate(ctx, teamID)
	m.logger.Info("container stopped", "team_id", teamID, "container_id", rec.ContainerID)
	return nil
}

// Status inspects the runtime and samples one stats snapshot. Any lookup
// failure reports a non-running container rather than an error.
func (m *Manager) Status(ctx context.Context, teamID string) domain.ContainerStatus {
	if cached, ok := m.cache.Get(ctx, teamID); ok {
		return *cached
	}

	rec, err := m.containers.GetContainerRecord(ctx, teamID)
	if err != nil {
		return domain.ContainerStatus{Running: false}
	}
	running, err := m.runtime.IsRunning(ctx, rec.ContainerID)
	if err != nil {
		return domain.ContainerStatus{Running: false}
	}

	status := domain.ContainerStatus{Running: running, ContainerID: rec.ContainerID}
	if running {
		if stats, err := m.runtime.SampleStats(ctx, rec.ContainerID); err == nil {
			status.Stats = &stats
		}
	}
	m.cache.Set(ctx, teamID, status)
	return status
}

// Lookup returns the container record for a team.
func (m *Manager) Lookup(ctx context.Context, teamID string) (*domain.ContainerRecord, error) {
	return m.containers.GetContainerRecord(ctx, teamID)
}

// UpdateResources applies a new resource ceiling through the runtime. The
// monitoring engine uses this path to throttle; it never raises limits.
func (m *Manager) UpdateResources(ctx context.Context, containerID string, limits domain.ResourceLimits) error {
	return m.runtime.UpdateResources(ctx, containerID, limits)
}
