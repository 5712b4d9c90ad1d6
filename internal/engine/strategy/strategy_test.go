package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileTiers(t *testing.T) {
	cases := map[uint64]Tier{
		1 * gib:  TierVeryLow,
		4 * gib:  TierLow,
		16 * gib: TierMid,
		64 * gib: TierHigh,
	}
	for memory, want := range cases {
		assert.Equal(t, want, HardwareProfile{AvailableMemoryBytes: memory}.Tier())
	}
	assert.Equal(t, TierMid, HardwareProfile{TotalMemoryBytes: 16 * gib}.Tier())
}

func TestSelectIsPure(t *testing.T) {
	profile := HardwareProfile{CPUCores: 6, AvailableMemoryBytes: 12 * gib, HasGPU: true}
	for _, mode := range []QualityMode{QualityFast, QualityBalanced, QualityBest} {
		first := Select(profile, mode)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Select(profile, mode))
		}
	}
}

func TestSelectScalesWithQuality(t *testing.T) {
	profile := HardwareProfile{CPUCores: 16, AvailableMemoryBytes: 16 * gib}
	fast := Select(profile, QualityFast)
	balanced := Select(profile, QualityBalanced)
	best := Select(profile, QualityBest)

	assert.Equal(t, TierMid, balanced.Tier)
	assert.Equal(t, 5*time.Second, balanced.SolverTimeout)
	assert.Less(t, fast.SolverTimeout, balanced.SolverTimeout)
	assert.Less(t, balanced.SolverTimeout, best.SolverTimeout)
	assert.Less(t, fast.PopulationSize, best.PopulationSize)
	assert.Less(t, fast.Generations, best.Generations)
	assert.Less(t, fast.RepairIterations, best.RepairIterations)
}

func TestSelectClampsWorkersToCores(t *testing.T) {
	cfg := Select(HardwareProfile{CPUCores: 2, AvailableMemoryBytes: 64 * gib}, QualityBalanced)
	assert.Equal(t, 2, cfg.ClusterWorkers)
	assert.Equal(t, 2, cfg.SolverWorkers)

	cfg = Select(HardwareProfile{CPUCores: 0, AvailableMemoryBytes: 64 * gib}, QualityBalanced)
	assert.Equal(t, 1, cfg.SolverWorkers)
}

func TestSelectVeryLowTierUsesGreedy(t *testing.T) {
	cfg := Select(HardwareProfile{CPUCores: 4, AvailableMemoryBytes: gib}, QualityBest)
	assert.Equal(t, SolverGreedyOnly, cfg.SolverMode)
}

func TestGPUIncreasesPopulation(t *testing.T) {
	base := HardwareProfile{CPUCores: 4, AvailableMemoryBytes: 16 * gib}
	withGPU := base
	withGPU.HasGPU = true
	assert.Greater(t, Select(withGPU, QualityBalanced).PopulationSize, Select(base, QualityBalanced).PopulationSize)
}

func TestDegrade(t *testing.T) {
	cfg := Select(HardwareProfile{CPUCores: 4, AvailableMemoryBytes: 16 * gib}, QualityBalanced)
	degraded := cfg.Degrade()

	assert.True(t, degraded.Degraded)
	assert.Equal(t, SolverGreedyOnly, degraded.SolverMode)
	assert.Equal(t, cfg.PopulationSize/2, degraded.PopulationSize)
	assert.Equal(t, cfg.RepairIterations/2, degraded.RepairIterations)
	assert.False(t, cfg.Degraded, "original config must stay untouched")
}

func TestParseQualityMode(t *testing.T) {
	mode, err := ParseQualityMode(" BEST ")
	require.NoError(t, err)
	assert.Equal(t, QualityBest, mode)

	mode, err = ParseQualityMode("")
	require.NoError(t, err)
	assert.Equal(t, QualityBalanced, mode)

	_, err = ParseQualityMode("ultra")
	require.Error(t, err)
}

func TestLoadTableMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  low:
    workers: 3
    max_cluster_size: 10
    exact: true
    solver_timeout: 750ms
    node_budget: 9000
    population_size: 8
    generations: 12
    repair_iterations: 40
`), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, table[TierLow].SolverTimeout)
	assert.Equal(t, DefaultTable()[TierHigh], table[TierHigh])

	cfg := SelectFrom(table, HardwareProfile{CPUCores: 8, AvailableMemoryBytes: 4 * gib}, QualityBalanced)
	assert.Equal(t, 3, cfg.SolverWorkers)
	assert.Equal(t, 10, cfg.MaxClusterSize)
}

func TestLoadTableRejectsUnknownTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  huge:\n    workers: 1\n"), 0o600))
	_, err := LoadTable(path)
	require.Error(t, err)
}

func TestDetectUsesProbeAndLimit(t *testing.T) {
	profile, err := Detect(context.Background(), DetectOptions{
		GPUOverride:      "true",
		MemoryLimitBytes: 4 * gib,
		VirtualMemory: func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 64 * gib, Available: 32 * gib}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, profile.HasGPU)
	assert.Equal(t, uint64(4*gib), profile.AvailableMemoryBytes)
	assert.Equal(t, TierLow, profile.Tier())
	assert.Positive(t, profile.CPUCores)

	_, err = Detect(context.Background(), DetectOptions{
		VirtualMemory: func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
			return nil, errors.New("no procfs")
		},
	})
	require.Error(t, err)
}
