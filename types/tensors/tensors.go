// Package tensors implements the flat host tensors moved in and out of
// compiled artifacts: inputs, weights, and outputs of graph execution.
//
// Storage is dtype-specific (float16 values are kept in their 16-bit
// encoding, not widened), but all arithmetic in the executor and in the
// generated kernels reads and writes through the widened float32/float64
// accessors, so per-op rounding semantics are explicit.
package tensors

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense host tensor. The zero value is invalid; use FromShape
// or one of the other constructors.
type Tensor struct {
	shape shapes.Shape

	// Exactly one of these is non-nil, matching shape.DType.
	f16 []float16.Float16
	f32 []float32
	f64 []float64
}

// FromShape returns a zero-initialized tensor of the given shape.
// It panics on invalid shapes: tensor construction is a graph-building
// time operation.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	t := &Tensor{shape: shape}
	switch shape.DType {
	case dtypes.Float16:
		t.f16 = make([]float16.Float16, shape.Size())
	case dtypes.Float32:
		t.f32 = make([]float32, shape.Size())
	case dtypes.Float64:
		t.f64 = make([]float64, shape.Size())
	default:
		exceptions.Panicf("tensors.FromShape: unsupported dtype %s", shape.DType)
	}
	return t
}

// FromFlatFloat64 builds a tensor of the given shape from float64 values,
// rounding to the shape's dtype.
func FromFlatFloat64(shape shapes.Shape, values []float64) *Tensor {
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatFloat64: shape %s requires %d values, got %d",
			shape, shape.Size(), len(values))
	}
	t := FromShape(shape)
	for i, v := range values {
		t.setFloat64(i, v)
	}
	return t
}

// RandomUniform returns a tensor of the given shape filled with values
// uniformly sampled from [low, high), rounded to the shape's dtype.
func RandomUniform(rng *rand.Rand, shape shapes.Shape, low, high float64) *Tensor {
	t := FromShape(shape)
	for i := 0; i < shape.Size(); i++ {
		t.setFloat64(i, low+rng.Float64()*(high-low))
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

func (t *Tensor) setFloat64(i int, v float64) {
	switch t.shape.DType {
	case dtypes.Float16:
		t.f16[i] = float16.Fromfloat32(float32(v))
	case dtypes.Float32:
		t.f32[i] = float32(v)
	case dtypes.Float64:
		t.f64[i] = v
	}
}

// Float32Data returns the tensor contents widened to float32.
// Float16 values widen exactly; calling this on a Float64 tensor panics
// (it would silently lose precision).
func (t *Tensor) Float32Data() []float32 {
	switch t.shape.DType {
	case dtypes.Float16:
		out := make([]float32, len(t.f16))
		for i, v := range t.f16 {
			out[i] = v.Float32()
		}
		return out
	case dtypes.Float32:
		out := make([]float32, len(t.f32))
		copy(out, t.f32)
		return out
	default:
		exceptions.Panicf("Tensor.Float32Data called on %s tensor", t.shape.DType)
		return nil
	}
}

// Float64Data returns the tensor contents widened to float64, for any dtype.
func (t *Tensor) Float64Data() []float64 {
	out := make([]float64, t.Size())
	switch t.shape.DType {
	case dtypes.Float16:
		for i, v := range t.f16 {
			out[i] = float64(v.Float32())
		}
	case dtypes.Float32:
		for i, v := range t.f32 {
			out[i] = float64(v)
		}
	case dtypes.Float64:
		copy(out, t.f64)
	}
	return out
}

// StoreFloat32 builds a tensor of the given shape from float32 values,
// rounding to the shape's dtype. The shape's dtype must not be Float64.
func StoreFloat32(shape shapes.Shape, values []float32) *Tensor {
	if shape.DType == dtypes.Float64 {
		exceptions.Panicf("tensors.StoreFloat32: cannot store float32 values into %s", shape)
	}
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.StoreFloat32: shape %s requires %d values, got %d",
			shape, shape.Size(), len(values))
	}
	t := FromShape(shape)
	switch shape.DType {
	case dtypes.Float16:
		for i, v := range values {
			t.f16[i] = float16.Fromfloat32(v)
		}
	case dtypes.Float32:
		copy(t.f32, values)
	}
	return t
}

// StoreFloat64 builds a tensor of the given shape from float64 values,
// rounding to the shape's dtype.
func StoreFloat64(shape shapes.Shape, values []float64) *Tensor {
	return FromFlatFloat64(shape, values)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := FromShape(t.shape.Clone())
	copy(out.f16, t.f16)
	copy(out.f32, t.f32)
	copy(out.f64, t.f64)
	return out
}

// Equal reports whether both tensors have the same shape and bit-identical
// contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	switch t.shape.DType {
	case dtypes.Float16:
		for i := range t.f16 {
			if t.f16[i] != other.f16[i] {
				return false
			}
		}
	case dtypes.Float32:
		for i := range t.f32 {
			if t.f32[i] != other.f32[i] {
				return false
			}
		}
	case dtypes.Float64:
		for i := range t.f64 {
			if t.f64[i] != other.f64[i] {
				return false
			}
		}
	}
	return true
}

// AllClose checks that both tensors have the same shape and that every pair
// of elements satisfies |a-b| <= atol + rtol*|b|. It returns an error
// describing the first violation found, or nil.
func AllClose(got, want *Tensor, atol, rtol float64) error {
	if !got.Shape().Equal(want.Shape()) {
		return errors.Errorf("shape mismatch: got %s, want %s", got.Shape(), want.Shape())
	}
	gotData := got.Float64Data()
	wantData := want.Float64Data()
	for i := range gotData {
		diff := gotData[i] - wantData[i]
		if diff < 0 {
			diff = -diff
		}
		ref := wantData[i]
		if ref < 0 {
			ref = -ref
		}
		if diff > atol+rtol*ref {
			return errors.Errorf("element %d: got %g, want %g (|diff|=%g > atol=%g + rtol*|want|=%g)",
				i, gotData[i], wantData[i], diff, atol, rtol*ref)
		}
	}
	return nil
}
