// Package cutlass implements the GEMM offload pipeline: it scans a compiled
// graph for fusable dense(+bias)(+activation) subgraphs, extracts each match
// into an independently compilable partition, selects a specialized kernel
// configuration for it by enumeration and profiling, and merges the compiled
// kernels into the generic backend's artifact so the runtime executes them
// in place of the generic implementations.
//
//   - Partition: pattern matcher/partitioner (partition.go).
//   - Candidates: kernel space enumerator (enumerate.go).
//   - Tuner: profiler/tuner with exhaustive and heuristic modes (tune.go).
//   - Build: kernel builder/loader merging into an executor.Artifact
//     (build.go, gensrc.go, toolchain.go).
//   - Offload: the whole pipeline in dependency order (pipeline.go).
//
// Offload is an optimization, never a semantic change: a build with zero
// successfully offloaded partitions is a complete, valid artifact.
package cutlass

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// Arch identifies the target compute capability, e.g. SM80 for an Ampere
// class device.
type Arch int

const (
	SM70 Arch = 70
	SM75 Arch = 75
	SM80 Arch = 80
	SM86 Arch = 86
	SM90 Arch = 90
)

// HasTensorCores reports whether the architecture supports tensor core
// instructions, required by the half-precision kernel tables.
func (a Arch) HasTensorCores() bool { return a >= SM70 }

// String implements fmt.Stringer ("sm_80").
func (a Arch) String() string { return fmt.Sprintf("sm_%d", int(a)) }

// Mode selects how the tuner picks a kernel candidate per partition.
type Mode int

const (
	// ModeExhaustive measures the latency of every candidate and keeps the
	// minimum, breaking ties by candidate insertion order.
	ModeExhaustive Mode = iota

	// ModeHeuristic picks a single plausible default candidate without any
	// measurement, for when measurement cost is prohibitive.
	ModeHeuristic
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeExhaustive:
		return "exhaustive"
	case ModeHeuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

// Config is the configuration surface of the pipeline.
type Config struct {
	// Arch is the target compute capability.
	Arch Arch

	// Mode selects exhaustive or heuristic tuning.
	Mode Mode

	// WorkDir receives generated kernel sources and intermediates.
	// Empty means sources are not written out.
	WorkDir string

	// OutputPath, if set, receives a manifest of the built artifact:
	// one line per partition with its selected kernel.
	OutputPath string

	// Workers bounds tuning parallelism across partitions. Zero defaults
	// to the number of CPUs; 1 is sequential and always correctness
	// preserving.
	Workers int

	// CachePath, if set, persists tuning records across sessions (parquet).
	CachePath string

	// ProfileRepeats is how many times each candidate is executed per
	// measurement; the minimum wall-clock time is kept. Zero defaults to 3.
	ProfileRepeats int

	// Toolchain compiles selected candidates into invocable kernels.
	// Nil defaults to the host toolchain.
	Toolchain Toolchain

	// Runner measures candidate latency. Nil defaults to wall-clock
	// execution through the toolchain-built kernel.
	Runner Runner
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Arch == 0 {
		return errors.New("config: target architecture is required")
	}
	if c.Workers < 0 {
		return errors.Errorf("config: workers must be non-negative, got %d", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ProfileRepeats <= 0 {
		c.ProfileRepeats = 3
	}
	if c.Toolchain == nil {
		c.Toolchain = NewHostToolchain()
	}
	if c.Runner == nil {
		c.Runner = WallClockRunner()
	}
	if c.WorkDir != "" {
		if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
			return errors.Wrapf(err, "config: creating work directory %q", c.WorkDir)
		}
	}
	return nil
}
