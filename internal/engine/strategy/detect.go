package strategy

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v3/mem"
)

var gpuDevices = []string{"/dev/nvidiactl", "/dev/nvidia0", "/dev/dri/renderD128"}

// DetectOptions customises hardware detection.
type DetectOptions struct {
	// GPUOverride forces GPU presence when set to a boolean string.
	GPUOverride string
	// MemoryLimitBytes caps the reported memory (e.g. a container limit).
	MemoryLimitBytes uint64
	// VirtualMemory replaces the gopsutil probe in tests.
	VirtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// Detect probes cores, memory and GPU presence of the host.
func Detect(ctx context.Context, opts DetectOptions) (HardwareProfile, error) {
	probe := opts.VirtualMemory
	if probe == nil {
		probe = mem.VirtualMemoryWithContext
	}
	stat, err := probe(ctx)
	if err != nil {
		return HardwareProfile{}, fmt.Errorf("probe memory: %w", err)
	}

	profile := HardwareProfile{
		CPUCores:             runtime.NumCPU(),
		TotalMemoryBytes:     stat.Total,
		AvailableMemoryBytes: stat.Available,
		HasGPU:               detectGPU(opts.GPUOverride),
	}
	if limit := opts.MemoryLimitBytes; limit > 0 {
		if profile.TotalMemoryBytes > limit {
			profile.TotalMemoryBytes = limit
		}
		if profile.AvailableMemoryBytes > limit {
			profile.AvailableMemoryBytes = limit
		}
	}
	return profile, nil
}

func detectGPU(override string) bool {
	if override != "" {
		if forced, err := strconv.ParseBool(override); err == nil {
			return forced
		}
	}
	for _, device := range gpuDevices {
		if _, err := os.Stat(device); err == nil {
			return true
		}
	}
	return false
}
