// Package monitor samples memory pressure while generation runs and
// publishes typed threshold events to subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Level is the pressure classification of a sample.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Usage is one memory reading.
type Usage struct {
	UsedBytes  uint64
	LimitBytes uint64
}

// Ratio is the used fraction of the limit.
func (u Usage) Ratio() float64 {
	if u.LimitBytes == 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.LimitBytes)
}

// Event is published whenever the pressure level changes.
type Event struct {
	Level    Level
	Previous Level
	Usage    Usage
	At       time.Time
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// VirtualMemorySampler reads host memory through gopsutil. LimitBytes caps
// the denominator, e.g. to a container memory limit.
type VirtualMemorySampler struct {
	LimitBytes uint64
}

// Sample implements Sampler.
func (s VirtualMemorySampler) Sample(ctx context.Context) (Usage, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read virtual memory: %w", err)
	}
	limit := stat.Total
	if s.LimitBytes > 0 && s.LimitBytes < limit {
		limit = s.LimitBytes
	}
	return Usage{UsedBytes: stat.Used, LimitBytes: limit}, nil
}

// Config tunes sampling.
type Config struct {
	Interval      time.Duration
	WarningRatio  float64
	CriticalRatio float64
	Logger        *zap.Logger
}

// Monitor polls a Sampler and fans level changes out to subscribers.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	warning  float64
	critical float64
	logger   *zap.Logger

	mu      sync.Mutex
	level   Level
	last    Usage
	nextID  int
	subs    map[int]chan Event
	running bool
}

// New validates the thresholds and builds a monitor.
func New(sampler Sampler, cfg Config) (*Monitor, error) {
	if sampler == nil {
		return nil, errors.New("monitor: sampler is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 0.80
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = 0.92
	}
	if cfg.WarningRatio >= cfg.CriticalRatio {
		return nil, fmt.Errorf("monitor: warning ratio %.2f must be below critical ratio %.2f", cfg.WarningRatio, cfg.CriticalRatio)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Monitor{
		sampler:  sampler,
		interval: cfg.Interval,
		warning:  cfg.WarningRatio,
		critical: cfg.CriticalRatio,
		logger:   cfg.Logger,
		subs:     make(map[int]chan Event),
	}, nil
}

// Subscribe registers a buffered event channel. The returned func removes
// the subscription and closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Level returns the most recent classification.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Last returns the most recent sample.
func (m *Monitor) Last() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run polls until ctx is cancelled. Sampling errors are logged and skipped.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor: already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Sugar().Infow("resource monitor started", "interval", m.interval, "warning_ratio", m.warning, "critical_ratio", m.critical)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Sugar().Warnw("memory sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Sugar().Infow("resource monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Check takes one sample and publishes an event if the level changed.
func (m *Monitor) Check(ctx context.Context) (Level, error) {
	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		return m.Level(), err
	}
	level := m.classify(usage.Ratio())

	m.mu.Lock()
	previous := m.level
	m.level = level
	m.last = usage
	var targets []chan Event
	if level != previous {
		for _, ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	event := Event{Level: level, Previous: previous, Usage: usage, At: time.Now().UTC()}
	for _, ch := range targets {
		deliver(ch, event)
	}
	m.mu.Unlock()

	if level != previous {
		m.logger.Sugar().Infow("memory pressure changed", "from", previous.String(), "to", level.String(), "ratio", usage.Ratio())
	}
	return level, nil
}

func (m *Monitor) classify(ratio float64) Level {
	switch {
	case ratio >= m.critical:
		return LevelCritical
	case ratio >= m.warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// deliver never blocks the sampler: when the buffer is full the oldest
// pending event is dropped so subscribers always see the latest level.
func deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}
