package domain

import "time"

// Container record lifecycle states.
const (
	ContainerRunning = "running"
	ContainerStopped = "stopped"
)

// ContainerRecord is the persistent identity of a team's dev container.
// One record per team; written only by the lifecycle manager.
type ContainerRecord struct {
	TeamID      string
	ContainerID string
	Status      string
	CreatedAt   time.Time
	StoppedAt   *time.Time
}

// ResourceLimits is the live ceiling applied to a container.
type ResourceLimits struct {
	CPUNanos    int64
	MemoryBytes int64
}

// MemoryStats captures a memory usage sample.
type MemoryStats struct {
	Usage   int64   `json:"usage"`
	Limit   int64   `json:"limit"`
	Percent float64 `json:"percent"`
}

// NetworkStats aggregates traffic across all container interfaces.
type NetworkStats struct {
	RxBytes int64 `json:"rx"`
	TxBytes int64 `json:"tx"`
}

// ContainerStats is one resource sample for a running container.
type ContainerStats struct {
	CPUPercent float64      `json:"cpu"`
	Memory     MemoryStats  `json:"memory"`
	Network    NetworkStats `json:"network"`
}

// ContainerStatus is the caller-facing view of a team's container.
// Absence of a container is a normal state, not an error.
type ContainerStatus struct {
	Running     bool            `json:"running"`
	ContainerID string          `json:"containerId,omitempty"`
	Stats       *ContainerStats `json:"stats,omitempty"`
}

// Team is the tenant a container belongs to.
type Team struct {
	ID        string
	Name      string
	Framework string
	CreatedAt time.Time
}
