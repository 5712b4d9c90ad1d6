package service

import (
	"context"
	"sync"

	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
)

// ProgressTracker keeps the latest progress event of every job in memory so
// the status endpoint can answer without the redis fan-out.
type ProgressTracker struct {
	mu     sync.RWMutex
	latest map[string]pipeline.ProgressEvent
}

// NewProgressTracker constructs an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{latest: make(map[string]pipeline.ProgressEvent)}
}

// Publish implements pipeline.ProgressSink.
func (t *ProgressTracker) Publish(_ context.Context, event pipeline.ProgressEvent) error {
	t.mu.Lock()
	t.latest[event.JobID] = event
	t.mu.Unlock()
	return nil
}

// Latest returns the most recent event for the job.
func (t *ProgressTracker) Latest(jobID string) (pipeline.ProgressEvent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	event, ok := t.latest[jobID]
	return event, ok
}

// Forget drops the job's entry.
func (t *ProgressTracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.latest, jobID)
	t.mu.Unlock()
}
