package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrUnavailable is returned when the requested accelerator is not present.
var ErrUnavailable = errors.New("device: requested device is unavailable")

// Kind identifies where tensors are computed.
type Kind string

const CPU Kind = "cpu"

// simdFeatures are the instruction sets worth reporting for the int8 kernels.
var simdFeatures = []cpuid.FeatureID{
	cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3,
	cpuid.AVX512F, cpuid.AVX512BW, cpuid.AVX512VNNI, cpuid.AVXVNNI,
	cpuid.ASIMD, cpuid.ASIMDDP,
}

// Info describes the resolved device and host.
type Info struct {
	Kind          Kind
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	Features      []string
	// Memory sizes in bytes. Zero when the host does not report them.
	TotalMemory     uint64
	AvailableMemory uint64
}

// Resolve maps a configured device name to a concrete device. "auto" and
// "cpu" resolve to the host CPU; accelerators are never available in this
// build.
func Resolve(ctx context.Context, name string) (Info, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cpu":
	case "cuda", "gpu", "mps":
		return Info{}, fmt.Errorf("%s: %w", name, ErrUnavailable)
	default:
		return Info{}, fmt.Errorf("device: unknown device %q", name)
	}
	return hostCPU(ctx), nil
}

func hostCPU(ctx context.Context) Info {
	info := Info{
		Kind:          CPU,
		Brand:         strings.TrimSpace(cpuid.CPU.BrandName),
		Vendor:        cpuid.CPU.VendorID.String(),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			info.Features = append(info.Features, f.String())
		}
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.LogicalCores = n
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	}
	return info
}

// SuggestedWorkers is the loader worker count used when none is configured.
func (i Info) SuggestedWorkers() int {
	n := i.LogicalCores / 2
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

// LogAttrs renders Info as key/value pairs for structured logging.
func (i Info) LogAttrs() []any {
	return []any{
		"device", string(i.Kind),
		"cpu", i.Brand,
		"vendor", i.Vendor,
		"logical_cores", i.LogicalCores,
		"simd", strings.Join(i.Features, ","),
		"mem_total_mb", i.TotalMemory / (1 << 20),
		"mem_available_mb", i.AvailableMemory / (1 << 20),
	}
}
