// Package strategy maps detected hardware capability and a quality mode
// to the tunables every pipeline stage runs with.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Tier buckets available memory.
type Tier string

const (
	TierVeryLow Tier = "very_low"
	TierLow     Tier = "low"
	TierMid     Tier = "mid"
	TierHigh    Tier = "high"
)

const (
	gib            = 1 << 30
	veryLowCeiling = 2 * gib
	lowCeiling     = 8 * gib
	midCeiling     = 32 * gib
)

// QualityMode trades runtime for solution quality.
type QualityMode string

const (
	QualityFast     QualityMode = "fast"
	QualityBalanced QualityMode = "balanced"
	QualityBest     QualityMode = "best"
)

// ParseQualityMode accepts fast, balanced or best (case-insensitive).
func ParseQualityMode(raw string) (QualityMode, error) {
	switch QualityMode(strings.ToLower(strings.TrimSpace(raw))) {
	case QualityFast:
		return QualityFast, nil
	case QualityBalanced, "":
		return QualityBalanced, nil
	case QualityBest:
		return QualityBest, nil
	default:
		return "", fmt.Errorf("unknown quality mode %q", raw)
	}
}

func (q QualityMode) scale() float64 {
	switch q {
	case QualityFast:
		return 0.5
	case QualityBest:
		return 2
	default:
		return 1
	}
}

// SolverMode selects how the constraint stage treats each cluster.
type SolverMode string

const (
	SolverExact      SolverMode = "exact"
	SolverGreedyOnly SolverMode = "greedy"
)

// HardwareProfile is the detected capability of the host. It is captured
// once per process and never mutated during a run.
type HardwareProfile struct {
	CPUCores             int    `json:"cpu_cores"`
	TotalMemoryBytes     uint64 `json:"total_memory_bytes"`
	AvailableMemoryBytes uint64 `json:"available_memory_bytes"`
	HasGPU               bool   `json:"has_gpu"`
}

// Tier classifies the profile by available memory, falling back to total.
func (p HardwareProfile) Tier() Tier {
	memory := p.AvailableMemoryBytes
	if memory == 0 {
		memory = p.TotalMemoryBytes
	}
	switch {
	case memory < veryLowCeiling:
		return TierVeryLow
	case memory < lowCeiling:
		return TierLow
	case memory < midCeiling:
		return TierMid
	default:
		return TierHigh
	}
}

// StrategyConfig carries the per-stage tunables of one run. Values are
// immutable once selected; degradation produces a new value.
type StrategyConfig struct {
	Tier    Tier        `json:"tier"`
	Quality QualityMode `json:"quality"`

	ClusterWorkers int `json:"cluster_workers"`
	SolverWorkers  int `json:"solver_workers"`
	MaxClusterSize int `json:"max_cluster_size"`

	SolverMode       SolverMode    `json:"solver_mode"`
	SolverTimeout    time.Duration `json:"solver_timeout"`
	SolverNodeBudget int           `json:"solver_node_budget"`

	PopulationSize     int     `json:"population_size"`
	Generations        int     `json:"generations"`
	PlateauGenerations int     `json:"plateau_generations"`
	TournamentSize     int     `json:"tournament_size"`
	CrossoverRate      float64 `json:"crossover_rate"`
	MutationRate       float64 `json:"mutation_rate"`

	RepairIterations int     `json:"repair_iterations"`
	LearningRate     float64 `json:"learning_rate"`
	Discount         float64 `json:"discount"`
	EpsilonStart     float64 `json:"epsilon_start"`
	EpsilonMin       float64 `json:"epsilon_min"`
	AnnealFraction   float64 `json:"anneal_fraction"`

	Degraded bool `json:"degraded"`
}

// Select is a pure lookup over the default table.
func Select(profile HardwareProfile, mode QualityMode) StrategyConfig {
	return SelectFrom(DefaultTable(), profile, mode)
}

// SelectFrom maps the profile's tier and the quality mode to a config.
func SelectFrom(table Table, profile HardwareProfile, mode QualityMode) StrategyConfig {
	tier := profile.Tier()
	settings, ok := table[tier]
	if !ok {
		settings = DefaultTable()[tier]
	}
	scale := mode.scale()

	population := scaleInt(settings.PopulationSize, scale, 4)
	if profile.HasGPU {
		population += population / 2
	}

	solverMode := SolverExact
	if !settings.Exact {
		solverMode = SolverGreedyOnly
	}

	return StrategyConfig{
		Tier:               tier,
		Quality:            mode,
		ClusterWorkers:     clampWorkers(settings.Workers, profile.CPUCores),
		SolverWorkers:      clampWorkers(settings.Workers, profile.CPUCores),
		MaxClusterSize:     settings.MaxClusterSize,
		SolverMode:         solverMode,
		SolverTimeout:      time.Duration(float64(settings.SolverTimeout) * scale),
		SolverNodeBudget:   scaleInt(settings.NodeBudget, scale, 1000),
		PopulationSize:     population,
		Generations:        scaleInt(settings.Generations, scale, 2),
		PlateauGenerations: scaleInt(settings.Generations/4, 1, 2),
		TournamentSize:     3,
		CrossoverRate:      0.7,
		MutationRate:       0.2,
		RepairIterations:   scaleInt(settings.RepairIterations, scale, 10),
		LearningRate:       0.1,
		Discount:           0.9,
		EpsilonStart:       0.3,
		EpsilonMin:         0.05,
		AnnealFraction:     0.6,
	}
}

// Degrade shrinks the config after a memory warning: the constraint stage
// drops to greedy and the refinement and repair budgets are halved.
func (c StrategyConfig) Degrade() StrategyConfig {
	out := c
	out.SolverMode = SolverGreedyOnly
	out.PopulationSize = maxInt(c.PopulationSize/2, 2)
	out.Generations = maxInt(c.Generations/2, 1)
	out.PlateauGenerations = maxInt(c.PlateauGenerations/2, 1)
	out.RepairIterations = maxInt(c.RepairIterations/2, 1)
	out.Degraded = true
	return out
}

func clampWorkers(requested, cores int) int {
	if cores <= 0 {
		cores = 1
	}
	if requested <= 0 || requested > cores {
		return cores
	}
	return requested
}

func scaleInt(value int, scale float64, floor int) int {
	return maxInt(int(float64(value)*scale), floor)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
