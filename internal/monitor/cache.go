package monitor

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// MetricsCache keeps the latest stats sample per team in Redis so dashboard
// reads do not hit the runtime. A nil cache disables caching.
type MetricsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMetricsCache constructs a MetricsCache.
func NewMetricsCache(rdb *redis.Client, ttl time.Duration) *MetricsCache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MetricsCache{rdb: rdb, ttl: ttl}
}

func metricsKey(teamID string) string {
	return "metrics:" + teamID
}

// Store writes a sample, best-effort.
func (c *MetricsCache) Store(ctx context.Context, teamID string, stats domain.ContainerStats) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	c.rdb.SetEx(ctx, metricsKey(teamID), raw, c.ttl)
}

// Latest returns the most recent cached sample for a team, if any.
func (c *MetricsCache) Latest(ctx context.Context, teamID string) (*domain.ContainerStats, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, metricsKey(teamID)).Bytes()
	if err != nil {
		return nil, false
	}
	var stats domain.ContainerStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, false
	}
	return &stats, true
}
