package repository

import (
	"context"
	"time"

	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
)

// ProgressRepository fans progress events out over Redis pub/sub and keeps
// the latest event per job so pollers on other instances can read it.
type ProgressRepository struct {
	cache   *CacheRepository
	channel string
	ttl     time.Duration
}

// NewProgressRepository constructs the publisher.
func NewProgressRepository(cache *CacheRepository, channel string, ttl time.Duration) *ProgressRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProgressRepository{cache: cache, channel: channel, ttl: ttl}
}

// Publish implements pipeline.ProgressSink.
func (r *ProgressRepository) Publish(ctx context.Context, event pipeline.ProgressEvent) error {
	if err := r.cache.Set(ctx, r.cache.Key("progress", event.JobID), event, r.ttl); err != nil {
		return err
	}
	return r.cache.Publish(ctx, r.channel, event)
}

// Latest returns the most recent event stored for a job.
func (r *ProgressRepository) Latest(ctx context.Context, jobID string) (*pipeline.ProgressEvent, error) {
	var event pipeline.ProgressEvent
	if err := r.cache.Get(ctx, r.cache.Key("progress", jobID), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
