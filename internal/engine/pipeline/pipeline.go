package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/timetable-engine/internal/engine/cluster"
	"github.com/noah-isme/timetable-engine/internal/engine/monitor"
	"github.com/noah-isme/timetable-engine/internal/engine/refine"
	"github.com/noah-isme/timetable-engine/internal/engine/repair"
	"github.com/noah-isme/timetable-engine/internal/engine/solver"
	"github.com/noah-isme/timetable-engine/internal/engine/strategy"
	"github.com/noah-isme/timetable-engine/internal/models"
	"github.com/noah-isme/timetable-engine/pkg/logger"
)

var errMemoryCritical = errors.New("memory pressure critical")

// ExecutionMode declares how a stage may share the process with others.
type ExecutionMode string

const (
	// ModeParallel stages fan out on the strategy's worker limit.
	ModeParallel ExecutionMode = "parallel"
	// ModeExclusive stages hold a lock keyed by what they mutate.
	ModeExclusive ExecutionMode = "exclusive"
)

// Config holds process level settings shared by every run.
type Config struct {
	Table          strategy.Table
	EdgeThreshold  float64
	MaxClusterSize int
	// ProgressEvery throttles intra-stage events to one per N iterations.
	ProgressEvery int
	Logger        *zap.Logger
}

// Request is one generation run.
type Request struct {
	JobID    string
	Entities *models.Entities
	Profile  strategy.HardwareProfile
	Quality  strategy.QualityMode
	// Scope selects the shared Q-table.
	Scope string
	Seed  uint64
	// Strategy bypasses hardware based selection when set.
	Strategy *strategy.StrategyConfig
}

// StageStats records one executed stage.
type StageStats struct {
	Stage          State          `json:"stage"`
	Mode           ExecutionMode  `json:"mode"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	Scheduled      int            `json:"scheduled"`
	Unscheduled    int            `json:"unscheduled"`
	Counts         map[string]int `json:"counts,omitempty"`
}

// Stats aggregates a run.
type Stats struct {
	Courses        int               `json:"courses"`
	Sessions       int               `json:"sessions"`
	Stages         []StageStats      `json:"stages"`
	Cluster        cluster.Stats     `json:"cluster"`
	Merge          solver.MergeStats `json:"merge"`
	ExactClusters  int               `json:"exact_clusters"`
	GreedyClusters int               `json:"greedy_clusters"`
	Fallbacks      map[string]int    `json:"fallbacks"`
	Refine         refine.Stats      `json:"refine"`
	Repair         repair.Stats      `json:"repair"`
	Degraded       bool              `json:"degraded"`
	DegradedBefore State             `json:"degraded_before,omitempty"`
	QTableVersion  int64             `json:"qtable_version"`
	QTableSaved    bool              `json:"qtable_saved"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
}

// Result is a completed run.
type Result struct {
	JobID    string                  `json:"job_id"`
	State    State                   `json:"state"`
	Schedule *models.Schedule        `json:"-"`
	Strategy strategy.StrategyConfig `json:"strategy"`
	Stats    Stats                   `json:"stats"`
	Quality  Quality                 `json:"quality"`
}

// Orchestrator runs requests through the stage sequence. It is safe for
// concurrent use; runs share only the monitor, the Q-table store and the
// exclusive stage locks.
type Orchestrator struct {
	cfg     Config
	monitor *monitor.Monitor
	qtables repair.Store
	sink    ProgressSink
	logger  *zap.Logger
	locks   *keyedLocks
}

// New wires an orchestrator. The monitor, store and sink are optional.
func New(cfg Config, mon *monitor.Monitor, qtables repair.Store, sink ProgressSink) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Table == nil {
		cfg.Table = strategy.DefaultTable()
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if qtables == nil {
		qtables = repair.NewMemoryStore()
	}
	return &Orchestrator{
		cfg:     cfg,
		monitor: mon,
		qtables: qtables,
		sink:    sink,
		logger:  cfg.Logger,
		locks:   newKeyedLocks(),
	}
}

type pressure struct {
	warning  atomic.Bool
	critical atomic.Bool
}

type run struct {
	req      Request
	cfg      strategy.StrategyConfig
	domains  *models.ValidDomain
	clusters []models.Cluster
	sched    *models.Schedule
	stats    Stats
	state    State
	start    time.Time
	logger   *zap.Logger
	pressure pressure
	// qtable holds a trained table until its stage passes validation.
	qtable *repair.QTable
}

type stage struct {
	state   State
	mode    ExecutionMode
	lockKey func(r *run) string
	run     func(ctx context.Context, r *run) (map[string]int, error)
	// validate runs the invariant checker after the stage.
	validate bool
	// commit persists stage output once validation passed, still under the
	// stage lock.
	commit func(ctx context.Context, r *run)
}

// Run executes the request. A cancelled or failed run returns a
// *PipelineError and no result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Entities == nil {
		return nil, fmt.Errorf("pipeline: entities are required")
	}
	r := &run{
		req:    req,
		state:  StateInitializing,
		start:  time.Now(),
		logger: logger.ForJob(o.logger, req.JobID),
		stats:  Stats{Fallbacks: make(map[string]int)},
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := o.watch(runCtx, r, cancel)
	defer stopWatch()

	o.initialize(runCtx, r)

	for _, st := range o.stages() {
		if err := o.boundary(runCtx, r, st.state); err != nil {
			return nil, o.fail(ctx, runCtx, r, err)
		}
		if err := o.execute(runCtx, r, st); err != nil {
			return nil, o.fail(ctx, runCtx, r, err)
		}
	}

	o.transition(ctx, r, StateFinalizing, 0, "computing quality metrics", nil)
	result := &Result{
		JobID:    req.JobID,
		State:    StateCompleted,
		Schedule: r.sched,
		Strategy: r.cfg,
		Quality:  Measure(r.sched),
	}
	r.stats.ElapsedSeconds = time.Since(r.start).Seconds()
	result.Stats = r.stats
	o.transition(ctx, r, StateCompleted, 1, "done", map[string]any{
		"scheduled":   result.Quality.ScheduledCount,
		"unscheduled": result.Quality.UnscheduledCount,
	})
	r.logger.Info("timetable generated",
		zap.Int("scheduled", result.Quality.ScheduledCount),
		zap.Int("unscheduled", result.Quality.UnscheduledCount),
		zap.Bool("degraded", r.stats.Degraded),
		zap.Float64("elapsed_seconds", r.stats.ElapsedSeconds),
	)
	return result, nil
}

func (o *Orchestrator) initialize(ctx context.Context, r *run) {
	if r.req.Strategy != nil {
		r.cfg = *r.req.Strategy
	} else {
		r.cfg = strategy.SelectFrom(o.cfg.Table, r.req.Profile, r.req.Quality)
	}
	if o.cfg.MaxClusterSize > 0 {
		r.cfg.MaxClusterSize = o.cfg.MaxClusterSize
	}
	e := r.req.Entities
	r.domains = models.BuildValidDomain(e)
	r.stats.Courses = len(e.Courses)
	r.stats.Sessions = e.TotalSessions()
	o.publish(ctx, r, StateInitializing, 1, "strategy selected", map[string]any{
		"tier":        string(r.cfg.Tier),
		"quality":     string(r.cfg.Quality),
		"solver_mode": string(r.cfg.SolverMode),
		"courses":     r.stats.Courses,
		"sessions":    r.stats.Sessions,
	})
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{state: StateClustering, mode: ModeParallel, run: o.clusterStage},
		{state: StateSolving, mode: ModeParallel, run: o.solveStage, validate: true},
		{
			state:    StateRefining,
			mode:     ModeExclusive,
			lockKey:  func(r *run) string { return "run:" + r.req.JobID },
			run:      o.refineStage,
			validate: true,
		},
		{
			state:    StateRepairing,
			mode:     ModeExclusive,
			lockKey:  func(r *run) string { return "qtable:" + repair.NormalizeScope(r.req.Scope) },
			run:      o.repairStage,
			validate: true,
			commit:   o.commitQTable,
		},
	}
}

// boundary samples memory before a stage and applies the degradation policy.
func (o *Orchestrator) boundary(ctx context.Context, r *run, next State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.monitor != nil {
		level, err := o.monitor.Check(ctx)
		if err != nil {
			r.logger.Warn("memory sample failed", zap.Error(err))
		}
		switch level {
		case monitor.LevelCritical:
			r.pressure.critical.Store(true)
		case monitor.LevelWarning:
			r.pressure.warning.Store(true)
		}
	}
	if r.pressure.critical.Load() {
		return errMemoryCritical
	}
	if r.pressure.warning.Load() && !r.cfg.Degraded {
		r.cfg = r.cfg.Degrade()
		r.stats.Degraded = true
		r.stats.DegradedBefore = next
		r.logger.Warn("memory pressure, degrading strategy",
			zap.String("stage", string(next)),
			zap.String("solver_mode", string(r.cfg.SolverMode)),
		)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, st stage) error {
	if st.mode == ModeExclusive && st.lockKey != nil {
		unlock, err := o.locks.lock(ctx, st.lockKey(r))
		if err != nil {
			return err
		}
		defer unlock()
	}

	started := time.Now()
	o.transition(ctx, r, st.state, 0, "started", nil)
	counts, err := st.run(ctx, r)
	if err != nil {
		return err
	}
	if st.validate {
		if verr := Validate(r.sched); verr != nil {
			return &PipelineError{Kind: KindInvariantViolation, LastStage: st.state, Err: verr}
		}
	}
	if st.commit != nil {
		st.commit(ctx, r)
	}
	summary := StageStats{
		Stage:          st.state,
		Mode:           st.mode,
		ElapsedSeconds: time.Since(started).Seconds(),
		Counts:         counts,
	}
	if r.sched != nil {
		summary.Scheduled = r.sched.Len()
		summary.Unscheduled = len(r.sched.Missing())
	}
	r.stats.Stages = append(r.stats.Stages, summary)
	r.logger.Debug("stage finished",
		zap.String("stage", string(st.state)),
		zap.Float64("elapsed_seconds", summary.ElapsedSeconds),
		zap.Int("scheduled", summary.Scheduled),
	)
	return nil
}

func (o *Orchestrator) clusterStage(ctx context.Context, r *run) (map[string]int, error) {
	clusters, stats, err := cluster.Build(ctx, r.req.Entities, cluster.Options{
		Workers:        r.cfg.ClusterWorkers,
		EdgeThreshold:  o.cfg.EdgeThreshold,
		MaxClusterSize: r.cfg.MaxClusterSize,
		Seed:           r.req.Seed,
		Logger:         r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.clusters = clusters
	r.stats.Cluster = stats
	return map[string]int{"clusters": stats.Clusters, "edges": stats.Edges, "oversized": stats.Oversized}, nil
}

func (o *Orchestrator) solveStage(ctx context.Context, r *run) (map[string]int, error) {
	e := r.req.Entities
	partials, err := solver.SolveAll(ctx, r.clusters, e, r.domains, r.cfg.SolverWorkers, solver.Options{
		Exact:      r.cfg.SolverMode == strategy.SolverExact,
		Timeout:    r.cfg.SolverTimeout,
		NodeBudget: r.cfg.SolverNodeBudget,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range partials {
		if p.Method == solver.MethodExact {
			r.stats.ExactClusters++
		} else {
			r.stats.GreedyClusters++
			r.stats.Fallbacks[p.Fallback]++
		}
	}
	sched, merged := solver.Merge(e, r.domains, partials)
	r.sched = sched
	r.stats.Merge = merged
	return map[string]int{
		"exact":      r.stats.ExactClusters,
		"greedy":     r.stats.GreedyClusters,
		"collisions": merged.Collisions,
	}, nil
}

func (o *Orchestrator) refineStage(ctx context.Context, r *run) (map[string]int, error) {
	if r.cfg.PopulationSize <= 0 || r.cfg.Generations <= 0 {
		return map[string]int{"generations": 0}, nil
	}
	every := o.cfg.ProgressEvery
	refined, stats, err := refine.Run(ctx, r.sched, r.domains, refine.Config{
		PopulationSize:     r.cfg.PopulationSize,
		Generations:        r.cfg.Generations,
		PlateauGenerations: r.cfg.PlateauGenerations,
		TournamentSize:     r.cfg.TournamentSize,
		CrossoverRate:      r.cfg.CrossoverRate,
		MutationRate:       r.cfg.MutationRate,
		Seed:               r.req.Seed,
		Logger:             r.logger,
		Progress: func(generation, total int, best refine.Fitness) {
			if generation%every != 0 && generation != total {
				return
			}
			o.publish(ctx, r, StateRefining, float64(generation)/float64(total),
				fmt.Sprintf("generation %d/%d", generation, total),
				map[string]any{"best_fitness": best.Total})
		},
	})
	if err != nil {
		return nil, err
	}
	r.sched = refined
	r.stats.Refine = stats
	return map[string]int{"generations": stats.Generations, "mutations": stats.Mutations}, nil
}

// repairStage loads and trains the scope's Q-table. It runs under the scope
// lock so in-process runs never race on the table version; the table is
// saved by commitQTable only after the repaired schedule validates.
func (o *Orchestrator) repairStage(ctx context.Context, r *run) (map[string]int, error) {
	table, err := o.qtables.Load(ctx, r.req.Scope)
	if err != nil {
		r.logger.Warn("q-table load failed, starting empty", zap.Error(err))
		table = repair.NewQTable()
	}
	r.stats.QTableVersion = table.Version

	every := o.cfg.ProgressEvery
	repaired, stats, err := repair.Run(ctx, r.sched, r.domains, table, repair.Config{
		Iterations:     r.cfg.RepairIterations,
		LearningRate:   r.cfg.LearningRate,
		Discount:       r.cfg.Discount,
		EpsilonStart:   r.cfg.EpsilonStart,
		EpsilonMin:     r.cfg.EpsilonMin,
		AnnealFraction: r.cfg.AnnealFraction,
		Seed:           r.req.Seed,
		Logger:         r.logger,
		Progress: func(iteration, total, remaining int) {
			if iteration%every != 0 && iteration != total {
				return
			}
			o.publish(ctx, r, StateRepairing, float64(iteration)/float64(total),
				fmt.Sprintf("iteration %d/%d", iteration, total),
				map[string]any{"remaining_conflicts": remaining})
		},
	})
	if err != nil {
		return nil, err
	}
	r.sched = repaired
	r.stats.Repair = stats

	if stats.Updates > 0 {
		r.qtable = table
	}
	return map[string]int{
		"initial_conflicts":   stats.InitialConflicts,
		"remaining_conflicts": stats.RemainingConflicts,
		"reassignments":       stats.Reassignments,
	}, nil
}

// commitQTable saves the table trained by the repair stage, if any.
func (o *Orchestrator) commitQTable(ctx context.Context, r *run) {
	table := r.qtable
	r.qtable = nil
	if table == nil {
		return
	}
	if err := o.qtables.Save(ctx, r.req.Scope, table); err != nil {
		r.logger.Warn("q-table save failed", zap.String("scope", repair.NormalizeScope(r.req.Scope)), zap.Error(err))
		return
	}
	r.stats.QTableSaved = true
	r.stats.QTableVersion = table.Version
}

// watch forwards monitor events into the run. A critical event cancels the
// running stage.
func (o *Orchestrator) watch(ctx context.Context, r *run, cancel context.CancelCauseFunc) func() {
	if o.monitor == nil {
		return func() {}
	}
	events, unsubscribe := o.monitor.Subscribe(8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range events {
			switch event.Level {
			case monitor.LevelCritical:
				r.pressure.critical.Store(true)
				cancel(errMemoryCritical)
			case monitor.LevelWarning:
				r.pressure.warning.Store(true)
			}
		}
	}()
	return func() {
		unsubscribe()
		wg.Wait()
	}
}

// fail converts a stage error into the terminal state and PipelineError.
func (o *Orchestrator) fail(parent, runCtx context.Context, r *run, err error) error {
	last := r.state
	r.stats.ElapsedSeconds = time.Since(r.start).Seconds()

	var pe *PipelineError
	switch {
	case errors.As(err, &pe):
		pe.Stats = r.stats
	case errors.Is(err, errMemoryCritical) || errors.Is(context.Cause(runCtx), errMemoryCritical):
		pe = &PipelineError{Kind: KindResourceExhausted, LastStage: last, Stats: r.stats, Err: errMemoryCritical}
	case parent.Err() != nil:
		pe = &PipelineError{Kind: KindCancelled, LastStage: last, Stats: r.stats, Err: parent.Err()}
	default:
		o.transition(parent, r, StateFailed, 0, err.Error(), nil)
		r.logger.Error("generation failed", zap.String("stage", string(last)), zap.Error(err))
		return fmt.Errorf("pipeline %s: %w", last, err)
	}

	terminal := StateFailed
	if pe.Kind == KindCancelled {
		terminal = StateCancelled
	}
	o.transition(parent, r, terminal, 0, string(pe.Kind), map[string]any{"last_stage": string(last)})
	r.logger.Warn("generation stopped",
		zap.String("kind", string(pe.Kind)),
		zap.String("stage", string(last)),
		zap.NamedError("cause", pe.Err),
	)
	return pe
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to State, fraction float64, step string, detail map[string]any) {
	if to != r.state {
		if !CanTransition(r.state, to) {
			r.logger.Error("illegal state transition", zap.String("from", string(r.state)), zap.String("to", string(to)))
			return
		}
		r.state = to
	}
	o.publish(ctx, r, to, fraction, step, detail)
}

func (o *Orchestrator) publish(ctx context.Context, r *run, state State, fraction float64, step string, detail map[string]any) {
	if o.sink == nil {
		return
	}
	elapsed := time.Since(r.start)
	percent := percentWithin(state, fraction)
	event := ProgressEvent{
		JobID:                     r.req.JobID,
		Stage:                     state,
		ProgressPercent:           percent,
		CurrentStep:               step,
		ElapsedSeconds:            elapsed.Seconds(),
		EstimatedRemainingSeconds: estimateRemaining(elapsed, percent),
		Detail:                    detail,
		At:                        time.Now().UTC(),
	}
	if err := o.sink.Publish(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("progress publish failed", zap.String("stage", string(state)), zap.Error(err))
	}
}

// keyedLocks hands out context aware mutexes by name.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]chan struct{})}
}

func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
