package cutlass

import (
	"fmt"

	"github.com/gomlx/cutlass-gomlx/types/dtypes"
)

// KernelCandidate is one concrete, architecture-valid kernel configuration
// for a GEMM partition. Candidates are stateless values; the tuner compares
// them by measured or estimated cost.
type KernelCandidate struct {
	// Threadblock tile (per-CTA output tile and K slice per stage).
	TileM, TileN, TileK int

	// Warp tile within the threadblock.
	WarpM, WarpN, WarpK int

	// Tensor core (or SIMT, 1x1x1) instruction shape.
	InstM, InstN, InstK int

	// Stages is the software pipeline depth through shared memory.
	Stages int

	// Accum is the dtype dot products accumulate in.
	Accum dtypes.DType

	// Arch the candidate is valid for.
	Arch Arch
}

// Name returns a compact identifier used in generated kernel names and in
// the tuning cache, e.g. "tb128x256x32_w64x64x32_i16x8x16_s3".
func (c KernelCandidate) Name() string {
	return fmt.Sprintf("tb%dx%dx%d_w%dx%dx%d_i%dx%dx%d_s%d",
		c.TileM, c.TileN, c.TileK, c.WarpM, c.WarpN, c.WarpK, c.InstM, c.InstN, c.InstK, c.Stages)
}

// tileDef is a (threadblock, warp, stages) entry of a per-architecture
// kernel table, in the order candidates are enumerated in. Tuning ties are
// broken by this insertion order.
type tileDef struct {
	tileM, tileN, tileK int
	warpM, warpN, warpK int
	stages              int
}

// Tensor core tables, largest tiles first: bigger tiles win on large
// problems and the heuristic default prefers early entries that fit.
var (
	sm80HalfTiles = []tileDef{
		{128, 256, 32, 64, 64, 32, 3},
		{256, 128, 32, 64, 64, 32, 3},
		{128, 128, 32, 64, 64, 32, 4},
		{128, 64, 32, 64, 32, 32, 4},
		{64, 128, 32, 32, 64, 32, 4},
		{64, 64, 32, 32, 32, 32, 5},
	}
	sm75HalfTiles = []tileDef{
		{128, 128, 32, 64, 64, 32, 2},
		{128, 64, 32, 64, 32, 32, 2},
		{64, 128, 32, 32, 64, 32, 2},
		{64, 64, 32, 32, 32, 32, 2},
	}
	sm70HalfTiles = []tileDef{
		{128, 128, 32, 64, 64, 32, 2},
		{64, 128, 32, 32, 64, 32, 2},
		{64, 64, 32, 32, 32, 32, 2},
	}

	// SIMT single-precision table, valid on any architecture.
	simtFloatTiles = []tileDef{
		{128, 128, 8, 32, 64, 8, 2},
		{128, 64, 8, 32, 32, 8, 2},
		{64, 128, 8, 32, 64, 8, 2},
		{64, 64, 8, 32, 32, 8, 2},
	}
)

// halfAlignment is the element alignment tensor core half-precision kernels
// require on the contraction and output leading dimensions.
const halfAlignment = 8

// Candidates enumerates the kernel configurations able to implement the
// problem on the target architecture, in deterministic order. It returns an
// empty slice, not an error, when no kernel supports the combination of
// dtype, layout and shape alignment; such partitions fall back to the
// generic backend.
func Candidates(p GemmProblem, arch Arch) []KernelCandidate {
	var (
		table []tileDef
		instM = 1
		instN = 1
		instK = 1
	)
	switch p.InDType {
	case dtypes.Float16:
		if !arch.HasTensorCores() {
			return nil
		}
		// Row-major data (lda=K) times column-major weightᵀ (ldb=K) into
		// row-major output (ldc=N): K and N carry the alignment requirement.
		if p.K%halfAlignment != 0 || p.N%halfAlignment != 0 {
			return nil
		}
		switch {
		case arch >= SM80:
			table, instM, instN, instK = sm80HalfTiles, 16, 8, 16
		case arch >= SM75:
			table, instM, instN, instK = sm75HalfTiles, 16, 8, 8
		default:
			table, instM, instN, instK = sm70HalfTiles, 8, 8, 4
		}
	case dtypes.Float32:
		table = simtFloatTiles
	default:
		// No kernel family covers this dtype.
		return nil
	}

	candidates := make([]KernelCandidate, 0, len(table))
	for _, def := range table {
		candidates = append(candidates, KernelCandidate{
			TileM: def.tileM, TileN: def.tileN, TileK: def.tileK,
			WarpM: def.warpM, WarpN: def.warpN, WarpK: def.warpK,
			InstM: instM, InstN: instN, InstK: instK,
			Stages: def.stages,
			Accum:  p.InDType.AccumulationDType(),
			Arch:   arch,
		})
	}
	return candidates
}

// DefaultCandidate is the heuristic-mode pick: the first enumerated
// candidate whose threadblock tile fits inside the problem, falling back to
// the last (smallest) entry. It returns false when enumeration is empty.
func DefaultCandidate(p GemmProblem, arch Arch) (KernelCandidate, bool) {
	candidates := Candidates(p, arch)
	if len(candidates) == 0 {
		return KernelCandidate{}, false
	}
	for _, candidate := range candidates {
		if candidate.TileM <= p.M && candidate.TileN <= p.N {
			return candidate, true
		}
	}
	return candidates[len(candidates)-1], true
}
