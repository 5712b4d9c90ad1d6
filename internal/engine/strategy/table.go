package strategy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierSettings are the base tunables of a tier before quality scaling.
type TierSettings struct {
	Workers          int           `yaml:"workers"`
	MaxClusterSize   int           `yaml:"max_cluster_size"`
	Exact            bool          `yaml:"exact"`
	SolverTimeout    time.Duration `yaml:"solver_timeout"`
	NodeBudget       int           `yaml:"node_budget"`
	PopulationSize   int           `yaml:"population_size"`
	Generations      int           `yaml:"generations"`
	RepairIterations int           `yaml:"repair_iterations"`
}

// Table is the tier lookup used by SelectFrom.
type Table map[Tier]TierSettings

// DefaultTable returns a fresh copy of the built-in lookup table.
func DefaultTable() Table {
	return Table{
		TierVeryLow: {Workers: 1, MaxClusterSize: 8, Exact: false, SolverTimeout: 500 * time.Millisecond, NodeBudget: 5_000, PopulationSize: 6, Generations: 10, RepairIterations: 50},
		TierLow:     {Workers: 2, MaxClusterSize: 16, Exact: true, SolverTimeout: 2 * time.Second, NodeBudget: 50_000, PopulationSize: 12, Generations: 30, RepairIterations: 150},
		TierMid:     {Workers: 4, MaxClusterSize: 24, Exact: true, SolverTimeout: 5 * time.Second, NodeBudget: 200_000, PopulationSize: 24, Generations: 60, RepairIterations: 300},
		TierHigh:    {Workers: 8, MaxClusterSize: 40, Exact: true, SolverTimeout: 10 * time.Second, NodeBudget: 1_000_000, PopulationSize: 40, Generations: 100, RepairIterations: 600},
	}
}

type tableFile struct {
	Tiers map[Tier]TierSettings `yaml:"tiers"`
}

// LoadTable reads tier overrides from a YAML file and merges them over the
// default table. Tiers missing from the file keep their defaults.
func LoadTable(path string) (Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy table: %w", err)
	}
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode strategy table: %w", err)
	}
	for tier, settings := range file.Tiers {
		if _, known := table[tier]; !known {
			return nil, fmt.Errorf("strategy table: unknown tier %q", tier)
		}
		if settings.Workers < 0 || settings.PopulationSize < 0 || settings.Generations < 0 || settings.RepairIterations < 0 {
			return nil, fmt.Errorf("strategy table: tier %q has negative values", tier)
		}
		table[tier] = settings
	}
	return table, nil
}
