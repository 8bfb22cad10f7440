package executor

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/pkg/errors"
)

// This file is the generic implementation of every op: a reference
// interpreter over host tensors. Half precision operands are widened to
// float32, computed, and rounded back once per op; float64 is evaluated in
// float64 throughout. Dense accumulates in the dtype's accumulation type
// with the contraction axis streamed in order, which specialized kernels
// reproduce (see cutlass.hostToolchain).

// evaluate runs the graph with the tensors bound positionally to its
// parameters and returns the value of every node.
func (a *Artifact) evaluate(g *ir.Graph, params []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(params) != len(g.Parameters()) {
		return nil, errors.Errorf("graph %q takes %d parameters, got %d", g.Name(), len(g.Parameters()), len(params))
	}
	values := make([]*tensors.Tensor, g.NumNodes())
	paramIdx := 0
	for id := ir.NodeID(0); int(id) < g.NumNodes(); id++ {
		node := g.Node(id)
		inputs := make([]*tensors.Tensor, len(node.Inputs()))
		for i, inputID := range node.Inputs() {
			inputs[i] = values[inputID]
		}
		var err error
		switch node.Op() {
		case ir.OpParameter:
			values[id] = params[paramIdx]
			paramIdx++
		case ir.OpConstant:
			values[id] = node.ConstValue()
		case ir.OpPartitionCall:
			values[id], err = a.evalPartitionCall(node, inputs)
		default:
			values[id], err = evalOp(node, inputs)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating node #%d (%s) of graph %q", id, node.Op(), g.Name())
		}
	}
	return values, nil
}

// evalPartitionCall dispatches to the specialized kernel if one was merged
// in for this partition, and interprets the partition body otherwise.
func (a *Artifact) evalPartitionCall(node *ir.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	call := node.Call()
	if kernel, found := a.kernels[call.Target]; found {
		out, err := kernel.Run(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "specialized kernel %q", call.Target)
		}
		if !out.Shape().Equal(node.Shape()) {
			return nil, errors.Errorf("kernel %q returned %s, placeholder expects %s", call.Target, out.Shape(), node.Shape())
		}
		return out, nil
	}
	bodyValues, err := a.evaluate(call.Body, inputs)
	if err != nil {
		return nil, err
	}
	return bodyValues[call.Body.Outputs()[0]], nil
}

func evalOp(node *ir.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	switch node.Op() {
	case ir.OpDense:
		return evalDense(node.Shape(), inputs[0], inputs[1]), nil
	case ir.OpBiasAdd:
		return evalBiasAdd(node.Shape(), inputs[0], inputs[1]), nil
	case ir.OpAdd:
		return evalBinary(node.Shape(), inputs[0], inputs[1], func(a, b float64) float64 { return a + b }), nil
	case ir.OpMul:
		return evalBinary(node.Shape(), inputs[0], inputs[1], func(a, b float64) float64 { return a * b }), nil
	case ir.OpErf:
		return evalUnary(node.Shape(), inputs[0], math32.Erf, math.Erf), nil
	case ir.OpCast:
		return tensors.StoreFloat64(node.Shape(), inputs[0].Float64Data()), nil
	case ir.OpRelu:
		return evalUnary(node.Shape(), inputs[0],
			func(x float32) float32 { return max(x, 0) },
			func(x float64) float64 { return max(x, 0) }), nil
	case ir.OpGelu:
		return evalUnary(node.Shape(), inputs[0], geluF32, geluF64), nil
	default:
		return nil, errors.Errorf("no generic implementation for op %s", node.Op())
	}
}

func geluF32(x float32) float32 {
	return 0.5 * x * (1 + math32.Erf(x/math32.Sqrt2))
}

func geluF64(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// evalDense computes data @ weightᵀ with data (M, K) and weight (N, K),
// accumulating in float32 (half and single precision) or float64, streaming
// the contraction axis in order.
func evalDense(outShape shapes.Shape, data, weight *tensors.Tensor) *tensors.Tensor {
	m := data.Shape().Dimensions[0]
	k := data.Shape().Dimensions[1]
	n := weight.Shape().Dimensions[0]
	if data.DType() == dtypes.Float64 {
		a := data.Float64Data()
		b := weight.Float64Data()
		out := make([]float64, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var acc float64
				for kk := 0; kk < k; kk++ {
					acc += a[i*k+kk] * b[j*k+kk]
				}
				out[i*n+j] = acc
			}
		}
		return tensors.StoreFloat64(outShape, out)
	}
	a := data.Float32Data()
	b := weight.Float32Data()
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for kk := 0; kk < k; kk++ {
				acc += a[i*k+kk] * b[j*k+kk]
			}
			out[i*n+j] = acc
		}
	}
	return tensors.StoreFloat32(outShape, out)
}

func evalBiasAdd(outShape shapes.Shape, x, bias *tensors.Tensor) *tensors.Tensor {
	m := x.Shape().Dimensions[0]
	n := x.Shape().Dimensions[1]
	if x.DType() == dtypes.Float64 {
		xs := x.Float64Data()
		bs := bias.Float64Data()
		out := make([]float64, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				out[i*n+j] = xs[i*n+j] + bs[j]
			}
		}
		return tensors.StoreFloat64(outShape, out)
	}
	xs := x.Float32Data()
	bs := bias.Float32Data()
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = xs[i*n+j] + bs[j]
		}
	}
	return tensors.StoreFloat32(outShape, out)
}

// evalBinary applies fn element-wise, broadcasting a scalar operand if one
// side is a scalar. Half and single precision are computed in float32,
// going through float64 only for the callback.
func evalBinary(outShape shapes.Shape, lhs, rhs *tensors.Tensor, fn func(a, b float64) float64) *tensors.Tensor {
	ls := lhs.Float64Data()
	rs := rhs.Float64Data()
	size := outShape.Size()
	out := make([]float64, size)
	lhsScalar := lhs.Shape().IsScalar()
	rhsScalar := rhs.Shape().IsScalar()
	for i := 0; i < size; i++ {
		a := ls[0]
		if !lhsScalar {
			a = ls[i]
		}
		b := rs[0]
		if !rhsScalar {
			b = rs[i]
		}
		out[i] = fn(a, b)
	}
	if outShape.DType != dtypes.Float64 {
		// Round through float32 so half/single precision keep per-op
		// float32 semantics.
		out32 := make([]float32, size)
		for i, v := range out {
			out32[i] = float32(v)
		}
		return tensors.StoreFloat32(outShape, out32)
	}
	return tensors.StoreFloat64(outShape, out)
}

func evalUnary(outShape shapes.Shape, x *tensors.Tensor, fn32 func(float32) float32, fn64 func(float64) float64) *tensors.Tensor {
	if x.DType() == dtypes.Float64 {
		xs := x.Float64Data()
		out := make([]float64, len(xs))
		for i, v := range xs {
			out[i] = fn64(v)
		}
		return tensors.StoreFloat64(outShape, out)
	}
	xs := x.Float32Data()
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = fn32(v)
	}
	return tensors.StoreFloat32(outShape, out)
}
