package redis

import (
	"context"
	"fmt"
)

// Registry records which jobs have an active tracker so that a restarted
// instance can resume them. It implements job.Registry.
type Registry struct {
	c *Client
}

func NewRegistry(c *Client) *Registry {
	return &Registry{c: c}
}

// Add registers a tracked job and its owner.
func (r *Registry) Add(ctx context.Context, jobID, userID string) error {
	if err := r.c.rdb.HSet(ctx, r.c.trackedKey(), jobID, userID).Err(); err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

// Remove unregisters a job.
func (r *Registry) Remove(ctx context.Context, jobID string) error {
	return r.c.rdb.HDel(ctx, r.c.trackedKey(), jobID).Err()
}

// List returns every registered job id with its owner.
func (r *Registry) List(ctx context.Context) (map[string]string, error) {
	m, err := r.c.rdb.HGetAll(ctx, r.c.trackedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	return m, nil
}
