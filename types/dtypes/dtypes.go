// Package dtypes defines the element types supported by the GEMM offload
// pipeline and the graphs it rewrites.
//
// The set is deliberately small: the fusion templates only cover dense
// (matrix multiplication) chains, and the kernel generator only knows how to
// emit kernels for the floating point types below.
package dtypes

import "github.com/pkg/errors"

// DType is the element type of a tensor or graph node.
type DType int

const (
	InvalidDType DType = iota
	Float16
	Float32
	Float64
)

// String implements fmt.Stringer, using the short names used in kernel
// signatures ("f16", "f32", "f64").
func (dt DType) String() string {
	switch dt {
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	default:
		return "invalid"
	}
}

// Size returns the size in bytes of one element.
func (dt DType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// CutlassName returns the CUTLASS C++ type spelling for the dtype,
// used when generating kernel sources.
func (dt DType) CutlassName() (string, error) {
	switch dt {
	case Float16:
		return "cutlass::half_t", nil
	case Float32:
		return "float", nil
	case Float64:
		return "double", nil
	default:
		return "", errors.Errorf("dtype %s has no CUTLASS equivalent", dt)
	}
}

// AccumulationDType returns the dtype used to accumulate dot products for
// inputs of the given dtype. Half precision inputs accumulate in Float32;
// everything else accumulates in its own precision.
func (dt DType) AccumulationDType() DType {
	if dt == Float16 {
		return Float32
	}
	return dt
}

// Priority returns a promotion priority: higher values win when two
// operands of different dtypes meet in a binary operation.
func (dt DType) Priority() int {
	switch dt {
	case Float64:
		return 100
	case Float32:
		return 90
	case Float16:
		return 80
	default:
		return 0
	}
}
