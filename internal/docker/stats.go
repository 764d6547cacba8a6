package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// SampleStats takes one non-streaming stats snapshot of a container.
func (c *Client) SampleStats(ctx context.Context, containerID string) (domain.ContainerStats, error) {
	resp, err := c.inner.ContainerStats(ctx, containerID, false)
	if err != nil {
		return domain.ContainerStats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.ContainerStats{}, fmt.Errorf("decode stats: %w", err)
	}
	return statsFromRaw(raw), nil
}

func statsFromRaw(raw container.StatsResponse) domain.ContainerStats {
	usage := int64(raw.MemoryStats.Usage)
	limit := int64(raw.MemoryStats.Limit)
	if limit <= 0 {
		limit = 1
	}

	var rx, tx int64
	for _, network := range raw.Networks {
		rx += int64(network.RxBytes)
		tx += int64(network.TxBytes)
	}

	return domain.ContainerStats{
		CPUPercent: CPUPercent(raw),
		Memory: domain.MemoryStats{
			Usage:   usage,
			Limit:   limit,
			Percent: float64(usage) / float64(limit) * 100,
		},
		Network: domain.NetworkStats{RxBytes: rx, TxBytes: tx},
	}
}

// CPUPercent computes CPU usage from the delta between the sample and its
// pre-sample. A stale or first sample (non-positive delta) yields exactly 0.
func CPUPercent(raw container.StatsResponse) float64 {
	cpuDelta := int64(raw.CPUStats.CPUUsage.TotalUsage) - int64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := int64(raw.CPUStats.SystemUsage) - int64(raw.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs <= 0 {
		onlineCPUs = 1
	}
	return float64(cpuDelta) / float64(systemDelta) * onlineCPUs * 100
}
