package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
	"github.com/krishna-shrivastav232702/proctored-ide/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ContainerRepository = (*Repository)(nil)
	_ repository.TeamRepository      = (*Repository)(nil)
)

// CreateContainerRecord inserts a record unless one already exists for the team.
func (r *Repository) CreateContainerRecord(ctx context.Context, record *domain.ContainerRecord) (bool, error) {
	const query = `INSERT INTO container_records (team_id, container_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, record.TeamID, record.ContainerID, record.Status, record.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetContainerRecord fetches the container record for a team.
func (r *Repository) GetContainerRecord(ctx context.Context, teamID string) (*domain.ContainerRecord, error) {
	const query = `SELECT team_id, container_id, status, created_at, stopped_at
		FROM container_records WHERE team_id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var rec domain.ContainerRecord
	if err := row.Scan(&rec.TeamID, &rec.ContainerID, &rec.Status, &rec.CreatedAt, &rec.StoppedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// MarkContainerRunning flips a record back to running after a restart.
func (r *Repository) MarkContainerRunning(ctx context.Context, teamID string) error {
	const query = `UPDATE container_records SET status = $2, stopped_at = NULL WHERE team_id = $1`
	tag, err := r.pool.Exec(ctx, query, teamID, domain.ContainerRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkContainerStopped records intent to stop even when the runtime call failed.
func (r *Repository) MarkContainerStopped(ctx context.Context, teamID string, stoppedAt time.Time) error {
	const query = `UPDATE container_records SET status = $2, stopped_at = $3 WHERE team_id = $1`
	tag, err := r.pool.Exec(ctx, query, teamID, domain.ContainerStopped, stoppedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteContainerRecord removes a stale record whose container no longer exists.
func (r *Repository) DeleteContainerRecord(ctx context.Context, teamID string) error {
	const query = `DELETE FROM container_records WHERE team_id = $1`
	_, err := r.pool.Exec(ctx, query, teamID)
	return err
}

// ListRunningContainers returns every record currently marked running.
func (r *Repository) ListRunningContainers(ctx context.Context) ([]domain.ContainerRecord, error) {
	const query = `SELECT team_id, container_id, status, created_at, stopped_at
		FROM container_records WHERE status = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domain.ContainerRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ContainerRecord
	for rows.Next() {
		var rec domain.ContainerRecord
		if err := rows.Scan(&rec.TeamID, &rec.ContainerID, &rec.Status, &rec.CreatedAt, &rec.StoppedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, framework, created_at FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Name, &team.Framework, &team.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}
