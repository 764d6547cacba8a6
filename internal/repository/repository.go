package repository

import (
	"context"
	"time"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// ContainerRepository owns the one-record-per-team container identity.
// Written only by the lifecycle manager; read by every other component.
type ContainerRepository interface {
	// CreateContainerRecord inserts a record for a team. It reports false
	// when a record already exists, so concurrent provisioners can detect
	// that they lost the race and tear down their extra container.
	CreateContainerRecord(ctx context.Context, record *domain.ContainerRecord) (bool, error)
	GetContainerRecord(ctx context.Context, teamID string) (*domain.ContainerRecord, error)
	MarkContainerRunning(ctx context.Context, teamID string) error
	MarkContainerStopped(ctx context.Context, teamID string, stoppedAt time.Time) error
	DeleteContainerRecord(ctx context.Context, teamID string) error
	ListRunningContainers(ctx context.Context) ([]domain.ContainerRecord, error)
}

// TeamRepository resolves team metadata (framework selection).
type TeamRepository interface {
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
}
