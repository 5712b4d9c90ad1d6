package pipeline

import (
	"context"
	"errors"
	"time"
)

// ProgressEvent is published on every state transition and periodically
// inside the long running stages.
type ProgressEvent struct {
	JobID                     string         `json:"job_id"`
	Stage                     State          `json:"stage"`
	ProgressPercent           float64        `json:"progress_percent"`
	CurrentStep               string         `json:"current_step"`
	ElapsedSeconds            float64        `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64        `json:"estimated_remaining_seconds"`
	Detail                    map[string]any `json:"detail,omitempty"`
	At                        time.Time      `json:"at"`
}

// ProgressSink receives progress events. Publish errors are logged and never
// fail a run.
type ProgressSink interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ctx context.Context, event ProgressEvent) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, event ProgressEvent) error {
	return f(ctx, event)
}

// MultiSink fans an event out to every sink.
type MultiSink []ProgressSink

// Publish delivers to all sinks and joins their errors.
func (m MultiSink) Publish(ctx context.Context, event ProgressEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func percentWithin(state State, fraction float64) float64 {
	band, ok := progressBand[state]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return band[0] + (band[1]-band[0])*fraction
}

func estimateRemaining(elapsed time.Duration, percent float64) float64 {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	return elapsed.Seconds() * (100 - percent) / percent
}
