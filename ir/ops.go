package ir

import (
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/gomlx/exceptions"
)

// This file defines the op constructors. They are graph-building APIs in the
// usual style: they panic (throw exceptions) on invalid shapes or dtypes
// instead of returning errors.

// Parameter declares a named graph input with the given shape.
func (g *Graph) Parameter(name string, shape shapes.Shape) NodeID {
	if name == "" {
		exceptions.Panicf("graph %q: parameters require a name", g.name)
	}
	if !shape.Ok() {
		exceptions.Panicf("graph %q: parameter %q has invalid shape %s", g.name, name, shape)
	}
	for _, paramID := range g.params {
		if g.nodes[paramID].name == name {
			exceptions.Panicf("graph %q: duplicate parameter name %q", g.name, name)
		}
	}
	id := g.newNode(OpParameter, nil, shape.Clone())
	g.nodes[id].name = name
	g.params = append(g.params, id)
	return id
}

// Constant embeds a tensor value in the graph.
func (g *Graph) Constant(value *tensors.Tensor) NodeID {
	id := g.newNode(OpConstant, nil, value.Shape().Clone())
	g.nodes[id].value = value
	return id
}

// Scalar embeds a scalar constant of the given dtype.
func (g *Graph) Scalar(dtype dtypes.DType, value float64) NodeID {
	return g.Constant(tensors.FromFlatFloat64(shapes.Make(dtype), []float64{value}))
}

// Dense multiplies data (M, K) by weightᵀ where weight is (N, K), producing
// an (M, N) result in outDType. This is the row-major layout GEMM kernels
// are generated for; the weight is stored transposed.
func (g *Graph) Dense(data, weight NodeID, outDType dtypes.DType) NodeID {
	dataShape := g.Node(data).shape
	weightShape := g.Node(weight).shape
	if dataShape.Rank() != 2 || weightShape.Rank() != 2 {
		exceptions.Panicf("Dense requires rank-2 operands, got data=%s, weight=%s", dataShape, weightShape)
	}
	if dataShape.DType != weightShape.DType {
		exceptions.Panicf("Dense operand dtypes differ: data=%s, weight=%s", dataShape, weightShape)
	}
	if dataShape.Dimensions[1] != weightShape.Dimensions[1] {
		exceptions.Panicf("Dense contraction dimensions differ: data=%s, weight=%s", dataShape, weightShape)
	}
	if outDType == dtypes.InvalidDType {
		outDType = dataShape.DType
	}
	outShape := shapes.Make(outDType, dataShape.Dimensions[0], weightShape.Dimensions[0])
	return g.newNode(OpDense, []NodeID{data, weight}, outShape)
}

// BiasAdd adds a rank-1 bias to every row of a rank-2 operand.
func (g *Graph) BiasAdd(x, bias NodeID) NodeID {
	xShape := g.Node(x).shape
	biasShape := g.Node(bias).shape
	if xShape.Rank() != 2 || biasShape.Rank() != 1 {
		exceptions.Panicf("BiasAdd requires rank-2 input and rank-1 bias, got %s and %s", xShape, biasShape)
	}
	if xShape.DType != biasShape.DType {
		exceptions.Panicf("BiasAdd dtypes differ: %s vs %s", xShape, biasShape)
	}
	if xShape.Dimensions[1] != biasShape.Dimensions[0] {
		exceptions.Panicf("BiasAdd bias dimension %d does not match input %s", biasShape.Dimensions[0], xShape)
	}
	return g.newNode(OpBiasAdd, []NodeID{x, bias}, xShape.Clone())
}

// binaryOp checks the broadcast rule shared by Add and Mul: operands have
// identical shapes, or one of them is a scalar of the same dtype.
func (g *Graph) binaryOp(op OpType, lhs, rhs NodeID) NodeID {
	lhsShape := g.Node(lhs).shape
	rhsShape := g.Node(rhs).shape
	if lhsShape.DType != rhsShape.DType {
		exceptions.Panicf("%s dtypes differ: %s vs %s", op, lhsShape, rhsShape)
	}
	outShape := lhsShape
	switch {
	case lhsShape.Equal(rhsShape):
	case lhsShape.IsScalar():
		outShape = rhsShape
	case rhsShape.IsScalar():
	default:
		exceptions.Panicf("%s shapes are not broadcastable: %s vs %s", op, lhsShape, rhsShape)
	}
	return g.newNode(op, []NodeID{lhs, rhs}, outShape.Clone())
}

// Add is element-wise addition; one operand may be a scalar.
func (g *Graph) Add(lhs, rhs NodeID) NodeID { return g.binaryOp(OpAdd, lhs, rhs) }

// Mul is element-wise multiplication; one operand may be a scalar.
func (g *Graph) Mul(lhs, rhs NodeID) NodeID { return g.binaryOp(OpMul, lhs, rhs) }

// Erf is the element-wise error function.
func (g *Graph) Erf(x NodeID) NodeID {
	return g.newNode(OpErf, []NodeID{x}, g.Node(x).shape.Clone())
}

// Cast converts the operand element-wise to the given dtype.
func (g *Graph) Cast(x NodeID, dtype dtypes.DType) NodeID {
	shape := g.Node(x).shape.Clone()
	shape.DType = dtype
	return g.newNode(OpCast, []NodeID{x}, shape)
}

// Relu is max(x, 0).
func (g *Graph) Relu(x NodeID) NodeID {
	return g.newNode(OpRelu, []NodeID{x}, g.Node(x).shape.Clone())
}

// Gelu is the exact (erf based) gaussian error linear unit:
// 0.5·x·(1+erf(x/√2)). Half-precision operands are evaluated in float32 and
// rounded once.
func (g *Graph) Gelu(x NodeID) NodeID {
	return g.newNode(OpGelu, []NodeID{x}, g.Node(x).shape.Clone())
}

// PartitionCall invokes an extracted partition body. The inputs map
// positionally to the body's parameters and must match their shapes.
func (g *Graph) PartitionCall(target string, body *Graph, inputs ...NodeID) NodeID {
	if target == "" {
		exceptions.Panicf("PartitionCall requires a partition identifier")
	}
	if len(body.Outputs()) != 1 {
		exceptions.Panicf("partition %q body must have exactly one output, has %d", target, len(body.Outputs()))
	}
	bodyParams := body.Parameters()
	if len(inputs) != len(bodyParams) {
		exceptions.Panicf("partition %q takes %d inputs, got %d", target, len(bodyParams), len(inputs))
	}
	for i, input := range inputs {
		inputShape := g.Node(input).shape
		paramShape := body.Node(bodyParams[i]).shape
		if !inputShape.Equal(paramShape) {
			exceptions.Panicf("partition %q input %d is %s, body parameter expects %s",
				target, i, inputShape, paramShape)
		}
	}
	outShape := body.Node(body.Outputs()[0]).shape.Clone()
	id := g.newNode(OpPartitionCall, inputs, outShape)
	g.nodes[id].call = &PartitionCallAttrs{Target: target, Body: body}
	return id
}
