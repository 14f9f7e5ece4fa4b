package redis

import (
	"context"
	"encoding/json"
	"time"

	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/infra/metrics"
)

// JobCache absorbs poll traffic for finished jobs. Only terminal jobs are
// cached: a pending or processing row can still change, so readers must see
// the database for those.
type JobCache struct {
	client *Client
	ttl    time.Duration
}

func NewJobCache(client *Client, ttl time.Duration) *JobCache {
	return &JobCache{
		client: client,
		ttl:    ttl,
	}
}

func jobKey(jobID string) string { return "research_job:" + jobID }

// Store writes the job to the cache when it is terminal and is a no-op
// otherwise.
func (c *JobCache) Store(ctx context.Context, job *model.ResearchJob) error {
	if job == nil || !job.Terminal() {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, jobKey(job.ID), data, c.ttl)
}

// Get returns the cached terminal job, or (nil, nil) on a miss.
func (c *JobCache) Get(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	data, err := c.client.Get(ctx, jobKey(jobID))
	if err != nil {
		if IsNil(err) {
			metrics.IncCacheRequest("job", "miss")
			return nil, nil
		}
		return nil, err
	}
	var job model.ResearchJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		// A corrupt entry is dropped rather than served.
		_ = c.client.Del(ctx, jobKey(jobID))
		metrics.IncCacheRequest("job", "miss")
		return nil, nil
	}
	metrics.IncCacheRequest("job", "hit")
	return &job, nil
}

func (c *JobCache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, jobKey(jobID))
}
