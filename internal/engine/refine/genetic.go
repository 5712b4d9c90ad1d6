package refine

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/noah-isme/timetable-engine/internal/models"
)

const plateauEpsilon = 1e-6

// Config tunes the genetic search.
type Config struct {
	PopulationSize     int
	Generations        int
	PlateauGenerations int
	TournamentSize     int
	CrossoverRate      float64
	MutationRate       float64
	Seed               uint64
	Logger             *zap.Logger
	// Progress is invoked after every generation.
	Progress func(generation, total int, best Fitness)
}

// Stats summarises one refinement run.
type Stats struct {
	Generations    int     `json:"generations"`
	Population     int     `json:"population"`
	InitialFitness float64 `json:"initial_fitness"`
	FinalFitness   float64 `json:"final_fitness"`
	Plateaued      bool    `json:"plateaued"`
	Adopted        int     `json:"adopted"`
	Mutations      int     `json:"mutations"`
}

type individual struct {
	sched   *models.Schedule
	fitness Fitness
}

// runner holds the population of one refinement run. Mutation rewrites
// population members in place, so a runner must not be shared between
// goroutines.
type runner struct {
	cfg        Config
	domains    *models.ValidDomain
	rng        *rand.Rand
	population []individual
	stats      Stats
}

// Run refines a copy of seed and returns the best schedule found. The seed
// is never modified.
func Run(ctx context.Context, seed *models.Schedule, domains *models.ValidDomain, cfg Config) (*models.Schedule, Stats, error) {
	r := newRunner(seed, domains, cfg)
	return r.run(ctx)
}

func newRunner(seed *models.Schedule, domains *models.ValidDomain, cfg Config) *runner {
	if cfg.PopulationSize < 2 {
		cfg.PopulationSize = 2
	}
	if cfg.TournamentSize < 1 {
		cfg.TournamentSize = 2
	}
	if cfg.PlateauGenerations <= 0 {
		cfg.PlateauGenerations = cfg.Generations
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &runner{
		cfg:     cfg,
		domains: domains,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
	}

	base := individual{sched: seed.Clone()}
	base.fitness = Evaluate(base.sched)
	r.population = append(r.population, base)
	for len(r.population) < cfg.PopulationSize {
		clone := base.sched.Clone()
		r.mutate(clone)
		r.population = append(r.population, individual{sched: clone, fitness: Evaluate(clone)})
	}
	r.stats = Stats{Population: cfg.PopulationSize, InitialFitness: base.fitness.Total}
	return r
}

func (r *runner) run(ctx context.Context) (*models.Schedule, Stats, error) {
	best := r.best().snapshot()
	stale := 0
	for gen := 0; gen < r.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, r.stats, fmt.Errorf("refine generation %d: %w", gen, err)
		}
		r.step(best)

		current := r.best()
		improved := current.sched.Len() > best.sched.Len() ||
			(current.sched.Len() == best.sched.Len() && current.fitness.Total-best.fitness.Total > plateauEpsilon)
		if improved {
			best = current.snapshot()
			stale = 0
		} else {
			stale++
		}
		r.stats.Generations = gen + 1
		if r.cfg.Progress != nil {
			r.cfg.Progress(gen+1, r.cfg.Generations, best.fitness)
		}
		if stale >= r.cfg.PlateauGenerations {
			r.stats.Plateaued = true
			break
		}
	}

	r.stats.FinalFitness = best.fitness.Total
	r.cfg.Logger.Debug("refinement finished",
		zap.Int("generations", r.stats.Generations),
		zap.Float64("initial_fitness", r.stats.InitialFitness),
		zap.Float64("final_fitness", r.stats.FinalFitness),
		zap.Bool("plateaued", r.stats.Plateaued),
	)
	return best.sched, r.stats, nil
}

// step breeds the next generation into the population array. The elite is
// carried over unchanged.
func (r *runner) step(elite individual) {
	next := make([]individual, 0, len(r.population))
	next = append(next, individual{sched: elite.sched.Clone(), fitness: elite.fitness})
	for len(next) < len(r.population) {
		parentA := r.tournament()
		parentB := r.tournament()
		var child *models.Schedule
		if r.rng.Float64() < r.cfg.CrossoverRate {
			child = r.crossover(parentA.sched, parentB.sched)
		} else {
			child = parentA.sched.Clone()
		}
		next = append(next, individual{sched: child})
	}
	r.population = next

	for i := 1; i < len(r.population); i++ {
		if r.rng.Float64() < r.cfg.MutationRate {
			r.mutate(r.population[i].sched)
		}
		r.population[i].fitness = Evaluate(r.population[i].sched)
	}
}

// snapshot detaches an individual from the population so later in-place
// mutation cannot alter it.
func (ind individual) snapshot() individual {
	return individual{sched: ind.sched.Clone(), fitness: ind.fitness}
}

func (r *runner) best() individual {
	best := r.population[0]
	for _, ind := range r.population[1:] {
		if Better(ind.sched, ind.fitness, best.sched, best.fitness) {
			best = ind
		}
	}
	return best
}

func (r *runner) tournament() individual {
	winner := r.population[r.rng.IntN(len(r.population))]
	for i := 1; i < r.cfg.TournamentSize; i++ {
		contender := r.population[r.rng.IntN(len(r.population))]
		if Better(contender.sched, contender.fitness, winner.sched, winner.fitness) {
			winner = contender
		}
	}
	return winner
}

// crossover starts from a copy of a and adopts each of b's placements with
// probability one half when the move stays feasible.
func (r *runner) crossover(a, b *models.Schedule) *models.Schedule {
	child := a.Clone()
	for _, key := range b.Keys() {
		if r.rng.IntN(2) == 0 {
			continue
		}
		want, _ := b.Lookup(key)
		current, assigned := child.Lookup(key)
		if assigned && current == want {
			continue
		}
		if assigned {
			child.Unassign(key)
		}
		if err := child.Assign(key, want); err != nil {
			if assigned {
				_ = child.Assign(key, current)
			}
			continue
		}
		r.stats.Adopted++
	}
	return child
}

// mutate relocates a few random sessions to another feasible candidate.
func (r *runner) mutate(s *models.Schedule) {
	keys := s.Keys()
	if len(keys) == 0 {
		return
	}
	moves := max(1, len(keys)/10)
	for i := 0; i < moves; i++ {
		key := keys[r.rng.IntN(len(keys))]
		candidates := r.domains.For(key)
		if len(candidates) < 2 {
			continue
		}
		current, _ := s.Lookup(key)
		s.Unassign(key)
		offset := r.rng.IntN(len(candidates))
		moved := false
		for j := 0; j < len(candidates); j++ {
			p := candidates[(offset+j)%len(candidates)]
			if p == current {
				continue
			}
			if s.Assign(key, p) == nil {
				moved = true
				break
			}
		}
		if !moved {
			_ = s.Assign(key, current)
			continue
		}
		r.stats.Mutations++
	}
}
