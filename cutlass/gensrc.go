package cutlass

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/pkg/errors"
)

// This file generates the CUDA C++ source implementing a selected kernel
// candidate: a CUTLASS device GEMM instantiation plus an extern "C" entry
// point named after the partition identifier, which is the symbol the merged
// artifact resolves at load time.

// epilogueFunctor returns the CUTLASS epilogue implementing the partition's
// bias/activation tail.
func epilogueFunctor(p GemmProblem) (string, error) {
	switch p.Activation {
	case ir.ActivationNone:
		return "cutlass::epilogue::thread::LinearCombination", nil
	case ir.ActivationRelu:
		return "cutlass::epilogue::thread::LinearCombinationRelu", nil
	case ir.ActivationGelu:
		return "cutlass::epilogue::thread::LinearCombinationGELU", nil
	default:
		return "", errors.Errorf("no epilogue for activation %s", p.Activation)
	}
}

// GenerateSource writes the kernel source for the candidate to w.
func GenerateSource(writer io.Writer, p GemmProblem, c KernelCandidate, symbol string) error {
	elemIn, err := p.InDType.CutlassName()
	if err != nil {
		return errors.WithMessagef(err, "generating %s", symbol)
	}
	elemOut, err := p.OutDType.CutlassName()
	if err != nil {
		return errors.WithMessagef(err, "generating %s", symbol)
	}
	elemAccum, err := c.Accum.CutlassName()
	if err != nil {
		return errors.WithMessagef(err, "generating %s", symbol)
	}
	epilogue, err := epilogueFunctor(p)
	if err != nil {
		return errors.WithMessagef(err, "generating %s", symbol)
	}

	w := func(format string, args ...any) {
		if err != nil {
			// No op if an error was encountered earlier.
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}

	w("// %s: %s on %s, generated kernel %s.\n", symbol, p.Signature(), c.Arch, c.Name())
	w("#include \"cutlass/gemm/device/gemm_universal.h\"\n")
	w("#include \"cutlass/epilogue/thread/linear_combination.h\"\n")
	w("#include \"cutlass/epilogue/thread/linear_combination_relu.h\"\n")
	w("#include \"cutlass/epilogue/thread/linear_combination_gelu.h\"\n")
	w("\n")
	w("using ElementA = %s;\n", elemIn)
	w("using ElementB = %s;\n", elemIn)
	w("using ElementC = %s;\n", elemOut)
	w("using ElementAccumulator = %s;\n", elemAccum)
	w("\n")
	w("using Gemm_%s = cutlass::gemm::device::GemmUniversal<\n", symbol)
	w("    ElementA, cutlass::layout::RowMajor,\n")
	w("    ElementB, cutlass::layout::ColumnMajor,\n")
	w("    ElementC, cutlass::layout::RowMajor,\n")
	w("    ElementAccumulator,\n")
	if c.InstM == 1 {
		w("    cutlass::arch::OpClassSimt,\n")
	} else {
		w("    cutlass::arch::OpClassTensorOp,\n")
	}
	w("    cutlass::arch::Sm%d,\n", int(c.Arch))
	w("    cutlass::gemm::GemmShape<%d, %d, %d>,\n", c.TileM, c.TileN, c.TileK)
	w("    cutlass::gemm::GemmShape<%d, %d, %d>,\n", c.WarpM, c.WarpN, c.WarpK)
	w("    cutlass::gemm::GemmShape<%d, %d, %d>,\n", c.InstM, c.InstN, c.InstK)
	w("    %s<ElementC, %d, ElementAccumulator, ElementAccumulator>,\n", epilogue, epilogueVectorLength(p))
	w("    cutlass::gemm::threadblock::GemmIdentityThreadblockSwizzle<>,\n")
	w("    %d>;\n", c.Stages)
	w("\n")
	w("extern \"C\" int %s(void const* data, void const* weight,%s void* out, cudaStream_t stream) {\n",
		symbol, biasParam(p))
	w("  Gemm_%s op;\n", symbol)
	w("  typename Gemm_%s::Arguments arguments{\n", symbol)
	w("      cutlass::gemm::GemmUniversalMode::kGemm,\n")
	w("      {%d, %d, %d},\n", p.M, p.N, p.K)
	w("      1,  // batch count\n")
	w("      {ElementAccumulator(1), ElementAccumulator(%d)},\n", biasBeta(p))
	w("      data, weight, %s, out,\n", biasSource(p))
	w("      0, 0, 0, 0,\n")
	// Leading dimensions: lda=K (row-major A), ldb=K (column-major Bᵀ),
	// ldc=0 (bias broadcast over rows), ldd=N.
	w("      %d, %d, 0, %d};\n", p.K, p.K, p.N)
	w("  cutlass::Status status = op.initialize(arguments, nullptr, stream);\n")
	w("  if (status != cutlass::Status::kSuccess) return int(status);\n")
	w("  status = op(stream);\n")
	w("  return int(status);\n")
	w("}\n")
	return err
}

func biasParam(p GemmProblem) string {
	if p.HasBias {
		return " void const* bias,"
	}
	return ""
}

func biasSource(p GemmProblem) string {
	if p.HasBias {
		return "bias"
	}
	return "nullptr"
}

func biasBeta(p GemmProblem) int {
	if p.HasBias {
		return 1
	}
	return 0
}

// epilogueVectorLength is the epilogue vector access width: the output
// alignment the kernel assumes.
func epilogueVectorLength(p GemmProblem) int {
	if p.OutDType.Size() == 2 {
		return halfAlignment
	}
	return 4
}

// WriteKernelSource generates the source for the candidate into workDir,
// named after the symbol, and returns the file path.
func WriteKernelSource(p GemmProblem, c KernelCandidate, symbol, workDir string) (string, error) {
	var buf bytes.Buffer
	if err := GenerateSource(&buf, p, c, symbol); err != nil {
		return "", err
	}
	path := filepath.Join(workDir, symbol+".cu")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", errors.Wrapf(err, "writing kernel source for %s", symbol)
	}
	return path, nil
}
