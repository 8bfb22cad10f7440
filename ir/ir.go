// Package ir implements the arena-indexed computation graph the offload
// pipeline rewrites: a small, typed, shape-inferred IR with nodes addressed
// by integer handles.
//
//   - New: creates an empty Graph; nodes are added with the op constructors
//     in ops.go (Parameter, Dense, BiasAdd, Relu, ...), each returning a
//     NodeID handle.
//   - Graphs are append-only: a node's inputs always precede it in the
//     arena, so iterating nodes in handle order is a topological traversal.
//   - Rewrites never mutate nodes in place; they produce a new Graph value
//     (see EmitCopy), so handles into the original graph stay valid.
package ir

import (
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/gomlx/exceptions"
)

// NodeID is an integer handle to a node in a Graph's arena.
// Handles are only meaningful relative to the Graph that created them.
type NodeID int

// InvalidNodeID is the zero-less sentinel for "no node".
const InvalidNodeID NodeID = -1

// OpType identifies the operation a node performs. The set is closed: the
// fusion templates and the generic executor both switch exhaustively on it.
type OpType int

const (
	OpInvalid OpType = iota

	// OpParameter is a named graph input.
	OpParameter

	// OpConstant holds a tensor value embedded in the graph.
	OpConstant

	// OpDense is a matrix multiplication data @ weightᵀ: data is (M, K),
	// weight is (N, K), output is (M, N) in the node's output dtype.
	OpDense

	// OpBiasAdd adds a rank-1 bias of dimension N to every row of an (M, N)
	// operand.
	OpBiasAdd

	// Element-wise binary ops; one operand may be a scalar.
	OpAdd
	OpMul

	// Element-wise unary ops.
	OpErf
	OpCast
	OpRelu
	OpGelu

	// OpPartitionCall invokes an extracted partition body. Its inputs map
	// positionally to the body graph's parameters.
	OpPartitionCall
)

var opTypeNames = map[OpType]string{
	OpInvalid:       "Invalid",
	OpParameter:     "Parameter",
	OpConstant:      "Constant",
	OpDense:         "Dense",
	OpBiasAdd:       "BiasAdd",
	OpAdd:           "Add",
	OpMul:           "Mul",
	OpErf:           "Erf",
	OpCast:          "Cast",
	OpRelu:          "Relu",
	OpGelu:          "Gelu",
	OpPartitionCall: "PartitionCall",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if name, found := opTypeNames[op]; found {
		return name
	}
	return "Unknown"
}

// Activation is the closed set of activations the fusion templates cover.
// Adding a member here is a deliberate extension of the template family.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationGelu
)

// String implements fmt.Stringer, using the lower-case names that appear in
// partition signatures.
func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "identity"
	case ActivationRelu:
		return "relu"
	case ActivationGelu:
		return "gelu"
	default:
		return "unknown"
	}
}

// PartitionCallAttrs are the attributes of an OpPartitionCall node.
type PartitionCallAttrs struct {
	// Target is the unique partition identifier the runtime resolves to a
	// compiled symbol.
	Target string

	// Body is the extracted, independently compilable subgraph. Its
	// parameters correspond positionally to the call node's inputs.
	Body *Graph
}

// Node is one operator invocation in a Graph. Nodes are immutable once
// constructed; rewrites replace them in a new Graph rather than mutating.
type Node struct {
	id     NodeID
	op     OpType
	inputs []NodeID
	shape  shapes.Shape

	name  string          // OpParameter only.
	value *tensors.Tensor // OpConstant only.
	call  *PartitionCallAttrs
}

// ID returns the node's handle.
func (n *Node) ID() NodeID { return n.id }

// Op returns the node's operation type.
func (n *Node) Op() OpType { return n.op }

// Inputs returns the node's input handles. The returned slice must not be
// modified.
func (n *Node) Inputs() []NodeID { return n.inputs }

// Shape returns the node's inferred output shape.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Name returns the parameter name, or "" for non-parameter nodes.
func (n *Node) Name() string { return n.name }

// ConstValue returns the constant tensor, or nil for non-constant nodes.
func (n *Node) ConstValue() *tensors.Tensor { return n.value }

// ScalarValue returns the node's value as a float64 if it is a scalar
// constant.
func (n *Node) ScalarValue() (float64, bool) {
	if n.op != OpConstant || !n.shape.IsScalar() {
		return 0, false
	}
	return n.value.Float64Data()[0], true
}

// Call returns the partition call attributes, or nil for other node types.
func (n *Node) Call() *PartitionCallAttrs { return n.call }

// Graph is an arena of nodes plus the designated parameter and output lists.
type Graph struct {
	name    string
	nodes   []Node
	params  []NodeID
	outputs []NodeID
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the arena.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given handle. The returned pointer is into
// the arena and must be treated as read-only.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("graph %q has no node %d", g.name, id)
	}
	return &g.nodes[id]
}

// Parameters returns the handles of the graph's parameters, in declaration
// order.
func (g *Graph) Parameters() []NodeID { return g.params }

// Outputs returns the handles of the graph's outputs, set by Return.
func (g *Graph) Outputs() []NodeID { return g.outputs }

// Return declares the graph's outputs. It can be called once.
func (g *Graph) Return(outputs ...NodeID) {
	if len(g.outputs) > 0 {
		exceptions.Panicf("graph %q already has outputs", g.name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("graph %q: Return requires at least one output", g.name)
	}
	for _, id := range outputs {
		g.Node(id) // Bounds check.
	}
	g.outputs = append(g.outputs, outputs...)
}

// newNode appends a node to the arena after checking its inputs exist.
// Since inputs must already be in the arena, handle order is a topological
// order by construction.
func (g *Graph) newNode(op OpType, inputs []NodeID, shape shapes.Shape) NodeID {
	for _, input := range inputs {
		g.Node(input)
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, Node{id: id, op: op, inputs: inputs, shape: shape})
	return id
}

// EmitCopy appends to g a copy of node (from another graph) with its inputs
// remapped to the given handles. The node's shape and attributes carry over
// unchanged. This is the primitive graph rewrites are built from.
func (g *Graph) EmitCopy(node *Node, inputs []NodeID) NodeID {
	if len(inputs) != len(node.inputs) {
		exceptions.Panicf("EmitCopy of %s node: got %d inputs, want %d",
			node.op, len(inputs), len(node.inputs))
	}
	id := g.newNode(node.op, inputs, node.shape.Clone())
	n := &g.nodes[id]
	n.name = node.name
	n.value = node.value
	n.call = node.call
	if node.op == OpParameter {
		g.params = append(g.params, id)
	}
	return id
}
