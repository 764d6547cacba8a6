package buildqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// Broker errors.
var (
	ErrJobNotFound = errors.New("build job not found")
	ErrTeamBusy    = errors.New("team already has a build in flight")
)

const (
	jobTTL       = 24 * time.Hour
	dequeueBlock = 5 * time.Second

	waitingKey      = "build:waiting"
	activeKey       = "build:active"
	completedCtrKey = "build:completed"
	failedCtrKey    = "build:failed"
)

func jobKey(jobID string) string       { return "build:job:" + jobID }
func teamKey(teamID string) string     { return "build:team:" + teamID }
func heartbeatKey(jobID string) string { return "build:heartbeat:" + jobID }

// Broker is a Redis-backed build job queue. Jobs live as JSON blobs keyed by
// id, the waiting list holds ids in FIFO order, and the active set tracks
// jobs claimed by workers. A per-team key enforces one build in flight per
// team; heartbeat keys with a TTL expose worker deaths.
type Broker struct {
	rdb          *redis.Client
	heartbeatTTL time.Duration
}

// NewBroker constructs a Broker.
func NewBroker(rdb *redis.Client, heartbeatTTL time.Duration) *Broker {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	return &Broker{rdb: rdb, heartbeatTTL: heartbeatTTL}
}

func (b *Broker) saveJob(ctx context.Context, job *domain.BuildJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.rdb.SetEx(ctx, jobKey(job.ID), raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// Enqueue claims the team slot and appends the job to the waiting list.
// It fails with ErrTeamBusy when the team already holds a job.
func (b *Broker) Enqueue(ctx context.Context, job *domain.BuildJob) error {
	claimed, err := b.rdb.SetNX(ctx, teamKey(job.TeamID), job.ID, jobTTL).Result()
	if err != nil {
		return fmt.Errorf("claim team slot: %w", err)
	}
	if !claimed {
		return ErrTeamBusy
	}
	if err := b.saveJob(ctx, job); err != nil {
		b.rdb.Del(ctx, teamKey(job.TeamID))
		return err
	}
	if err := b.rdb.RPush(ctx, waitingKey, job.ID).Err(); err != nil {
		b.rdb.Del(ctx, teamKey(job.TeamID), jobKey(job.ID))
		return fmt.Errorf("push waiting job: %w", err)
	}
	return nil
}

// TeamHasJob reports whether a team currently holds the build slot.
func (b *Broker) TeamHasJob(ctx context.Context, teamID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, teamKey(teamID)).Result()
	if err != nil {
		return false, fmt.Errorf("check team slot: %w", err)
	}
	return n > 0, nil
}

// Dequeue blocks briefly for the next waiting job, marks it active and
// plants its first heartbeat. It returns (nil, nil) when no job arrived
// within the block window.
func (b *Broker) Dequeue(ctx context.Context) (*domain.BuildJob, error) {
	popped, err := b.rdb.BLPop(ctx, dequeueBlock, waitingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop waiting job: %w", err)
	}
	jobID := popped[1]

	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Job blob expired or was cancelled between push and pop.
			return nil, nil
		}
		return nil, err
	}
	if job.Status != domain.JobWaiting {
		return nil, nil
	}

	started := time.Now()
	job.Status = domain.JobActive
	job.StartedAt = &started
	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := b.rdb.SAdd(ctx, activeKey, job.ID).Err(); err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}
	if err := b.Heartbeat(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the liveness key for an active job.
func (b *Broker) Heartbeat(ctx context.Context, jobID string) error {
	if err := b.rdb.SetEx(ctx, heartbeatKey(jobID), "1", b.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	return nil
}

// Complete finalizes a successful job and releases the team slot.
func (b *Broker) Complete(ctx context.Context, job *domain.BuildJob) error {
	return b.finalize(ctx, job, domain.JobCompleted, "", completedCtrKey)
}

// Fail finalizes a failed job with a reason and releases the team slot.
func (b *Broker) Fail(ctx context.Context, job *domain.BuildJob, reason string) error {
	return b.finalize(ctx, job, domain.JobFailed, reason, failedCtrKey)
}

func (b *Broker) finalize(ctx context.Context, job *domain.BuildJob, status, reason, counterKey string) error {
	completed := time.Now()
	job.Status = status
	job.Error = reason
	job.CompletedAt = &completed
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	b.rdb.SRem(ctx, activeKey, job.ID)
	b.rdb.Del(ctx, heartbeatKey(job.ID), teamKey(job.TeamID))
	if err := b.rdb.Incr(ctx, counterKey).Err(); err != nil {
		return fmt.Errorf("bump %s counter: %w", status, err)
	}
	return nil
}

// CancelWaiting removes a job from the waiting list before a worker claims
// it. It reports whether the job was actually removed.
func (b *Broker) CancelWaiting(ctx context.Context, job *domain.BuildJob) (bool, error) {
	removed, err := b.rdb.LRem(ctx, waitingKey, 0, job.ID).Result()
	if err != nil {
		return false, fmt.Errorf("remove waiting job: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := b.Fail(ctx, job, "cancelled before start"); err != nil {
		return true, err
	}
	// Fail bumps the failure counter; a cancellation is not a failure.
	b.rdb.Decr(ctx, failedCtrKey)
	return true, nil
}

// GetJob loads one job by id.
func (b *Broker) GetJob(ctx context.Context, jobID string) (*domain.BuildJob, error) {
	raw, err := b.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job domain.BuildJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Stats reports queue depth counters.
func (b *Broker) Stats(ctx context.Context) (domain.QueueStats, error) {
	waiting, err := b.rdb.LLen(ctx, waitingKey).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("waiting depth: %w", err)
	}
	active, err := b.rdb.SCard(ctx, activeKey).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("active depth: %w", err)
	}
	completed, _ := b.rdb.Get(ctx, completedCtrKey).Int64()
	failed, _ := b.rdb.Get(ctx, failedCtrKey).Int64()

	return domain.QueueStats{
		Waiting:   waiting,
		Active:    active,
		Completed: completed,
		Failed:    failed,
		Total:     waiting + active + completed + failed,
	}, nil
}

// Stalled returns active jobs whose heartbeat key has expired, meaning the
// worker that claimed them died mid-build.
func (b *Broker) Stalled(ctx context.Context) ([]*domain.BuildJob, error) {
	ids, err := b.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	var stalled []*domain.BuildJob
	for _, id := range ids {
		alive, err := b.rdb.Exists(ctx, heartbeatKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check heartbeat: %w", err)
		}
		if alive > 0 {
			continue
		}
		job, err := b.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				b.rdb.SRem(ctx, activeKey, id)
				continue
			}
			return nil, err
		}
		stalled = append(stalled, job)
	}
	return stalled, nil
}
