// Package repair patches sessions left unplaced by earlier stages with
// small local moves chosen by a tabular Q-learning agent.
package repair

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/noah-isme/timetable-engine/internal/engine/solver"
	"github.com/noah-isme/timetable-engine/internal/models"
)

// Reward terms.
const (
	RewardResolved     = 1.0
	PenaltyIntroduced  = 5.0
	RewardLoadImproved = 0.2

	varianceEpsilon = 1e-9
)

// Reward scores a change in the conflict count alone, treating the
// difference as purely resolved or purely introduced conflicts.
func Reward(oldConflicts, newConflicts int, loadImproved bool) float64 {
	return MoveReward(max(oldConflicts-newConflicts, 0), max(newConflicts-oldConflicts, 0), loadImproved)
}

// MoveReward scores one move from the conflicts it resolved and the ones it
// introduced. A move that places one session by evicting another scores
// both terms.
func MoveReward(resolved, introduced int, loadImproved bool) float64 {
	reward := RewardResolved*float64(resolved) - PenaltyIntroduced*float64(introduced)
	if loadImproved {
		reward += RewardLoadImproved
	}
	return reward
}

// diffConflicts counts the sessions that left and joined the conflict set.
func diffConflicts(before, after []Conflict) (resolved, introduced int) {
	was := make(map[models.SessionKey]struct{}, len(before))
	for _, c := range before {
		was[c.Key] = struct{}{}
	}
	for _, c := range after {
		if _, ok := was[c.Key]; ok {
			delete(was, c.Key)
			continue
		}
		introduced++
	}
	return len(was), introduced
}

// Config tunes the agent.
type Config struct {
	Iterations     int
	LearningRate   float64
	Discount       float64
	EpsilonStart   float64
	EpsilonMin     float64
	AnnealFraction float64
	Seed           uint64
	Logger         *zap.Logger
	// Progress is invoked after every iteration.
	Progress func(iteration, total, remaining int)
}

// Epsilon anneals linearly from EpsilonStart to EpsilonMin over the first
// AnnealFraction of the iterations and stays at EpsilonMin afterwards.
func (c Config) Epsilon(iteration int) float64 {
	steps := int(c.AnnealFraction * float64(c.Iterations))
	if steps <= 0 || iteration >= steps {
		return c.EpsilonMin
	}
	return c.EpsilonStart - (c.EpsilonStart-c.EpsilonMin)*float64(iteration)/float64(steps)
}

// Stats summarises one repair run.
type Stats struct {
	InitialConflicts   int            `json:"initial_conflicts"`
	RemainingConflicts int            `json:"remaining_conflicts"`
	Iterations         int            `json:"iterations"`
	Updates            int            `json:"updates"`
	Reassignments      int            `json:"reassignments"`
	TotalReward        float64        `json:"total_reward"`
	FinalEpsilon       float64        `json:"final_epsilon"`
	Actions            map[string]int `json:"actions"`
}

// Run repairs a copy of sched, updating table in place. The returned
// schedule has no more unplaced sessions than the input. A schedule without
// unplaced sessions is returned untouched and the table is not updated.
func Run(ctx context.Context, sched *models.Schedule, domains *models.ValidDomain, table *QTable, cfg Config) (*models.Schedule, Stats, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if table == nil {
		return nil, Stats{}, fmt.Errorf("repair: q-table is required")
	}

	work := sched.Clone()
	conflicts := detect(work, domains)
	stats := Stats{InitialConflicts: len(conflicts), Actions: make(map[string]int)}
	if len(conflicts) == 0 {
		return work, stats, nil
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))
	m := mover{sched: work, domains: domains}
	best := work.Clone()
	bestMissing, bestVariance := len(conflicts), loadVariance(work)

	for it := 0; it < cfg.Iterations && len(conflicts) > 0; it++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, fmt.Errorf("repair iteration %d: %w", it, err)
		}
		target := conflicts[rng.IntN(len(conflicts))]
		state := observe(work, domains, target)

		epsilon := cfg.Epsilon(it)
		action, _ := table.Best(state)
		if rng.Float64() < epsilon {
			action = Actions[rng.IntN(len(Actions))]
		}

		before := conflicts
		varianceBefore := loadVariance(work)
		if m.apply(action, target.Key) {
			stats.Reassignments++
		}
		conflicts = detect(work, domains)
		varianceAfter := loadVariance(work)

		resolved, introduced := diffConflicts(before, conflicts)
		reward := MoveReward(resolved, introduced, varianceAfter < varianceBefore-varianceEpsilon)
		maxNext := 0.0
		if len(conflicts) > 0 {
			_, maxNext = table.Best(observe(work, domains, conflicts[0]))
		}
		table.Update(state, action, reward, maxNext, cfg.LearningRate, cfg.Discount)

		stats.Iterations++
		stats.Updates++
		stats.TotalReward += reward
		stats.FinalEpsilon = epsilon
		stats.Actions[action.String()]++

		if len(conflicts) < bestMissing || (len(conflicts) == bestMissing && varianceAfter < bestVariance-varianceEpsilon) {
			best = work.Clone()
			bestMissing, bestVariance = len(conflicts), varianceAfter
		}
		if cfg.Progress != nil {
			cfg.Progress(it+1, cfg.Iterations, len(conflicts))
		}
	}

	stats.RemainingConflicts = bestMissing
	for _, key := range best.Missing() {
		if _, marked := best.UnscheduledReason(key); !marked {
			best.MarkUnscheduled(key, string(solver.DominantBlocker(best, domains, key)))
		}
	}
	cfg.Logger.Debug("repair finished",
		zap.Int("initial_conflicts", stats.InitialConflicts),
		zap.Int("remaining_conflicts", stats.RemainingConflicts),
		zap.Int("iterations", stats.Iterations),
		zap.Float64("total_reward", stats.TotalReward),
	)
	return best, stats, nil
}
