package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStatus caches rendered run views for polling clients. Entries
// expire quickly; the repository stays the source of truth.
type RunStatus struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunStatus returns a run status cache with the given TTL.
func NewRunStatus(client *redis.Client, ttl time.Duration) *RunStatus {
	return &RunStatus{client: client, ttl: ttl}
}

func (c *RunStatus) key(id string) string {
	return "pipeline:run:" + id + ":status"
}

// Get returns the cached view, if any. Cache errors degrade to a miss.
func (c *RunStatus) Get(ctx context.Context, id string) ([]byte, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores the rendered view.
func (c *RunStatus) Set(ctx context.Context, id string, view []byte) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Set(ctx, c.key(id), view, c.ttl).Err()
}

// Invalidate drops the cached view after a state transition.
func (c *RunStatus) Invalidate(ctx context.Context, id string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, c.key(id)).Err()
}
