package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/krishna-shrivastav232702/proctored-ide/internal/domain"
)

// StatusCache caches container status snapshots in Redis so frequent
// polling clients do not hammer the runtime. A nil cache disables caching.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache constructs a StatusCache.
func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func statusKey(teamID string) string {
	return "container:status:" + teamID
}

// Get returns a cached status, if present.
func (c *StatusCache) Get(ctx context.Context, teamID string) (*domain.ContainerStatus, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, statusKey(teamID)).Bytes()
	if err != nil {
		return nil, false
	}
	var status domain.ContainerStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, false
	}
	return &status, true
}

// Set stores a status snapshot with the cache TTL. Failures are ignored;
// the cache is best-effort.
func (c *StatusCache) Set(ctx context.Context, teamID string, status domain.ContainerStatus) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	c.rdb.SetEx(ctx, statusKey(teamID), raw, c.ttl)
}

// Invalidate drops a cached status after lifecycle transitions.
func (c *StatusCache) Invalidate(ctx context.Context, teamID string) {
	if c == nil {
		return
	}
	c.rdb.Del(ctx, statusKey(teamID))
}
