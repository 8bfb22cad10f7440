// Package shapes defines Shape, the combination of a dtype and dimensions
// that types every node in a graph and every tensor.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/cutlass-gomlx/types/dtypes"
)

// Shape is the dtype and dimensions of a tensor or graph node.
// A Shape with no dimensions is a scalar.
//
// Shapes are values: compare them with Shape.Equal, copy them with
// Shape.Clone before mutating Dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Rank returns the number of dimensions. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Equal returns whether both dtype and dimensions match.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Ok returns whether the shape is valid: a known dtype and strictly
// positive dimensions.
func (s Shape) Ok() bool {
	if s.DType == dtypes.InvalidDType {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// String formats the shape as "(f16)[1820 768]".
func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for i, dim := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
