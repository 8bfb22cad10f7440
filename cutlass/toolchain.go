package cutlass

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Toolchain turns a selected kernel candidate into an invocable kernel for a
// partition. Implementations own the accelerator compilation toolchain; the
// tuner and builder serialize use of one Toolchain value per worker, so
// implementations need not be safe for concurrent Compile calls.
type Toolchain interface {
	// Compile generates and compiles the kernel source for the candidate.
	// The returned kernel answers to the given symbol (the partition
	// identifier). workDir, when non-empty, receives the generated source.
	Compile(p GemmProblem, candidate KernelCandidate, symbol, workDir string) (executor.PartitionKernel, error)
}

// NewHostToolchain returns the default toolchain: it emits the kernel source
// for inspection and lowers the candidate configuration to host loops that
// follow the same tile blocking and accumulation dtype the generated kernel
// uses. Host kernels stream the contraction axis in order, so their results
// match the generic backend exactly for supported dtypes; they exist to make
// the pipeline runnable and profileable without a device, and device
// toolchains plug in through the Toolchain interface.
func NewHostToolchain() Toolchain { return hostToolchain{} }

type hostToolchain struct{}

func (hostToolchain) Compile(p GemmProblem, candidate KernelCandidate, symbol, workDir string) (executor.PartitionKernel, error) {
	if p.InDType != dtypes.Float16 && p.InDType != dtypes.Float32 {
		return nil, errors.Errorf("host toolchain cannot compile %s kernels", p.InDType)
	}
	if workDir != "" {
		path, err := WriteKernelSource(p, candidate, symbol, workDir)
		if err != nil {
			return nil, err
		}
		klog.V(2).Infof("wrote kernel source for %s to %s", symbol, path)
	}
	return &hostKernel{symbol: symbol, problem: p, candidate: candidate}, nil
}

// hostKernel executes a GEMM partition with the candidate's threadblock
// blocking on the host. Accumulation is float32 per output element with K
// streamed in order, matching the generic backend bit for bit.
type hostKernel struct {
	symbol    string
	problem   GemmProblem
	candidate KernelCandidate
}

func (k *hostKernel) Symbol() string { return k.symbol }

func (k *hostKernel) Run(inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	p := k.problem
	wantInputs := 2
	if p.HasBias {
		wantInputs = 3
	}
	if len(inputs) != wantInputs {
		return nil, errors.Errorf("kernel %s takes %d inputs, got %d", k.symbol, wantInputs, len(inputs))
	}
	data, weight := inputs[0], inputs[1]
	if data.DType() != p.InDType || weight.DType() != p.InDType {
		return nil, errors.Errorf("kernel %s compiled for %s inputs, got %s and %s",
			k.symbol, p.InDType, data.DType(), weight.DType())
	}
	a := data.Float32Data()
	b := weight.Float32Data()
	var bias []float32
	if p.HasBias {
		bias = inputs[2].Float32Data()
	}

	m, n, kDim := p.M, p.N, p.K
	out := make([]float32, m*n)
	// Threadblock-tile loop structure of the generated kernel. Each output
	// element accumulates over the full K extent in order.
	for i0 := 0; i0 < m; i0 += k.candidate.TileM {
		iEnd := min(i0+k.candidate.TileM, m)
		for j0 := 0; j0 < n; j0 += k.candidate.TileN {
			jEnd := min(j0+k.candidate.TileN, n)
			for i := i0; i < iEnd; i++ {
				for j := j0; j < jEnd; j++ {
					var acc float32
					for kk := 0; kk < kDim; kk++ {
						acc += a[i*kDim+kk] * b[j*kDim+kk]
					}
					out[i*n+j] = acc
				}
			}
		}
	}

	// Epilogue: bias and activation in float32 working precision, with the
	// output dtype's rounding applied between steps so results stay
	// interchangeable with the generic per-op implementation.
	roundToOut(out, p.OutDType)
	if bias != nil {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				out[i*n+j] += bias[j]
			}
		}
		roundToOut(out, p.OutDType)
	}
	switch p.Activation {
	case ir.ActivationRelu:
		for i, v := range out {
			out[i] = max(v, 0)
		}
	case ir.ActivationGelu:
		for i, v := range out {
			out[i] = 0.5 * v * (1 + math32.Erf(v/math32.Sqrt2))
		}
	}
	return tensors.StoreFloat32(shapes.Make(p.OutDType, m, n), out), nil
}

// roundToOut applies the storage rounding of dtype to float32 working
// values in place. Float32 is already the working precision.
func roundToOut(values []float32, dtype dtypes.DType) {
	if dtype != dtypes.Float16 {
		return
	}
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}
