package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSampler struct {
	mu      sync.Mutex
	samples []Usage
	err     error
}

func (s *scriptedSampler) Sample(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Usage{}, s.err
	}
	if len(s.samples) == 0 {
		return Usage{UsedBytes: 10, LimitBytes: 100}, nil
	}
	next := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return next, nil
}

func usage(ratio float64) Usage {
	return Usage{UsedBytes: uint64(ratio * 1000), LimitBytes: 1000}
}

func TestNewRejectsInvertedThresholds(t *testing.T) {
	_, err := New(&scriptedSampler{}, Config{WarningRatio: 0.9, CriticalRatio: 0.8})
	require.Error(t, err)

	_, err = New(nil, Config{})
	require.Error(t, err)
}

func TestCheckPublishesOnlyOnLevelChange(t *testing.T) {
	sampler := &scriptedSampler{samples: []Usage{usage(0.5), usage(0.85), usage(0.86), usage(0.95), usage(0.4)}}
	m, err := New(sampler, Config{WarningRatio: 0.8, CriticalRatio: 0.92})
	require.NoError(t, err)

	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Check(ctx)
		require.NoError(t, err)
	}

	var got []Level
	for len(events) > 0 {
		got = append(got, (<-events).Level)
	}
	assert.Equal(t, []Level{LevelWarning, LevelCritical, LevelNormal}, got)
	assert.Equal(t, LevelNormal, m.Level())
	assert.InDelta(t, 0.4, m.Last().Ratio(), 0.001)
}

func TestDeliverKeepsLatestWhenBufferFull(t *testing.T) {
	sampler := &scriptedSampler{samples: []Usage{usage(0.85), usage(0.1), usage(0.95)}}
	m, err := New(sampler, Config{WarningRatio: 0.8, CriticalRatio: 0.92})
	require.NoError(t, err)

	events, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		_, err := m.Check(context.Background())
		require.NoError(t, err)
	}
	last := <-events
	assert.Equal(t, LevelCritical, last.Level)
	assert.Equal(t, LevelNormal, last.Previous)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m, err := New(&scriptedSampler{samples: []Usage{usage(0.99)}}, Config{})
	require.NoError(t, err)

	events, unsubscribe := m.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)

	_, err = m.Check(context.Background())
	require.NoError(t, err)
}

func TestCheckSurfacesSamplerError(t *testing.T) {
	m, err := New(&scriptedSampler{err: errors.New("boom")}, Config{})
	require.NoError(t, err)
	_, err = m.Check(context.Background())
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	sampler := &scriptedSampler{samples: []Usage{usage(0.99)}}
	m, err := New(sampler, Config{Interval: time.Millisecond})
	require.NoError(t, err)

	events, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case event := <-events:
		assert.Equal(t, LevelCritical, event.Level)
	case <-time.After(time.Second):
		t.Fatal("expected critical event")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
