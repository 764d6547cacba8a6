package domain

import "time"

// Build job lifecycle states as tracked by the queue broker.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// BuildJob is one build request for a team's container. Attempts is always
// 1: failed builds are resubmitted by a human, never retried automatically.
type BuildJob struct {
	ID           string     `json:"id"`
	TeamID       string     `json:"team_id"`
	ContainerID  string     `json:"container_id"`
	BuildCommand string     `json:"build_command"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// QueueStats summarises broker state for operators.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}
