package cutlass

import (
	"fmt"
	"math"
	"sort"

	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/internal/metrics"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"k8s.io/klog/v2"
)

// Partition scans the graph for maximal occurrences of the supported fusion
// templates (dense, dense+bias, dense+bias+activation with activation in
// {identity, relu, gelu}) and replaces each by an opaque partition call.
// Matching is structural; non-matching regions are untouched.
//
// A match is only partitioned if the enumerator has at least one kernel
// candidate for its shapes and dtypes on the target architecture: shapes no
// kernel supports stay in the graph and are compiled generically. When
// templates overlap, the longest (most fused) match wins; a node belongs to
// at most one partition.
//
// PartitionGraph returns a new graph (the input is never mutated) and the
// extracted partitions. Partitioning is idempotent: a graph whose dense
// chains are already extracted comes back unchanged, with no partitions.
func PartitionGraph(g *ir.Graph, arch Arch) (*ir.Graph, []*Partition) {
	consumers := buildConsumerMap(g)
	outputs := make(map[ir.NodeID]bool, len(g.Outputs()))
	for _, output := range g.Outputs() {
		outputs[output] = true
	}

	// Collect a candidate match per dense node.
	var matches []*templateMatch
	for id := ir.NodeID(0); int(id) < g.NumNodes(); id++ {
		if g.Node(id).Op() != ir.OpDense {
			continue
		}
		match := matchDenseChain(g, consumers, outputs, id)
		if match == nil {
			continue
		}
		if len(Candidates(match.problem, arch)) == 0 {
			// No kernel supports this combination: leave the region to the
			// generic backend. Partitioning decisions are only reversible
			// before tuning starts, so the decision is made here.
			klog.V(1).Infof("not partitioning %s: no kernel candidate on %s", match.problem.Signature(), arch)
			continue
		}
		matches = append(matches, match)
	}
	if len(matches) == 0 {
		return g, nil
	}

	// Longest match first; ties broken by position for determinism.
	sort.SliceStable(matches, func(i, j int) bool {
		if len(matches[i].internal) != len(matches[j].internal) {
			return len(matches[i].internal) > len(matches[j].internal)
		}
		return matches[i].dense < matches[j].dense
	})

	// Greedily select non-overlapping matches: a node belongs to at most
	// one partition.
	claimed := make(map[ir.NodeID]bool)
	selected := matches[:0]
	for _, match := range matches {
		overlap := false
		for id := range match.internal {
			if claimed[id] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for id := range match.internal {
			claimed[id] = true
		}
		selected = append(selected, match)
	}

	metrics.PartitionsDetected.Add(float64(len(selected)))
	return extractPartitions(g, selected)
}

// templateMatch is one detected occurrence of a fusion template, before
// extraction.
type templateMatch struct {
	problem GemmProblem

	dense              ir.NodeID
	data, weight, bias ir.NodeID // bias is InvalidNodeID without a bias add.
	root               ir.NodeID // Last node of the fused chain.

	// internal holds every node replaced by the partition call, including
	// chain-internal scalar constants.
	internal map[ir.NodeID]bool
}

// buildConsumerMap maps every node to the nodes consuming its output.
func buildConsumerMap(g *ir.Graph) map[ir.NodeID][]ir.NodeID {
	consumers := make(map[ir.NodeID][]ir.NodeID)
	for id := ir.NodeID(0); int(id) < g.NumNodes(); id++ {
		for _, input := range g.Node(id).Inputs() {
			consumers[input] = append(consumers[input], id)
		}
	}
	return consumers
}

// soleConsumer returns the single consumer of a node, or InvalidNodeID if it
// has zero or 2+ consumers or is itself a graph output (externally visible,
// so the chain cannot swallow it). The partition boundary stops at the first
// node whose output fans out beyond the chain.
func soleConsumer(consumers map[ir.NodeID][]ir.NodeID, outputs map[ir.NodeID]bool, id ir.NodeID) ir.NodeID {
	if outputs[id] {
		return ir.InvalidNodeID
	}
	list := consumers[id]
	if len(list) == 1 {
		return list[0]
	}
	return ir.InvalidNodeID
}

// matchDenseChain matches the longest dense → [bias add] → [activation]
// chain starting at a dense node. A bare dense is itself a valid template,
// so every dense node yields a match.
func matchDenseChain(g *ir.Graph, consumers map[ir.NodeID][]ir.NodeID, outputs map[ir.NodeID]bool, denseID ir.NodeID) *templateMatch {
	dense := g.Node(denseID)
	match := &templateMatch{
		dense:    denseID,
		data:     dense.Inputs()[0],
		weight:   dense.Inputs()[1],
		bias:     ir.InvalidNodeID,
		root:     denseID,
		internal: map[ir.NodeID]bool{denseID: true},
	}
	dataShape := g.Node(match.data).Shape()
	weightShape := g.Node(match.weight).Shape()
	match.problem = GemmProblem{
		M:        dataShape.Dimensions[0],
		N:        weightShape.Dimensions[0],
		K:        dataShape.Dimensions[1],
		InDType:  dataShape.DType,
		OutDType: dense.Shape().DType,
	}

	// Extend over a bias add.
	chainEnd := denseID
	if next := soleConsumer(consumers, outputs, chainEnd); next != ir.InvalidNodeID {
		nextNode := g.Node(next)
		if nextNode.Op() == ir.OpBiasAdd && nextNode.Inputs()[0] == chainEnd {
			match.bias = nextNode.Inputs()[1]
			match.internal[next] = true
			match.problem.HasBias = true
			match.root = next
			chainEnd = next
		}
	}

	// Extend over an activation: a Relu or Gelu node, or the expanded
	// erf-based gelu chain frontends commonly emit.
	if next := soleConsumer(consumers, outputs, chainEnd); next != ir.InvalidNodeID {
		nextNode := g.Node(next)
		switch nextNode.Op() {
		case ir.OpRelu:
			match.internal[next] = true
			match.problem.Activation = ir.ActivationRelu
			match.root = next
		case ir.OpGelu:
			match.internal[next] = true
			match.problem.Activation = ir.ActivationGelu
			match.root = next
		}
	}
	if match.problem.Activation == ir.ActivationNone {
		if root, internal := matchExpandedGelu(g, consumers, outputs, chainEnd, match.internal); root != ir.InvalidNodeID {
			for id := range internal {
				match.internal[id] = true
			}
			match.problem.Activation = ir.ActivationGelu
			match.root = root
		}
	}
	return match
}

// matchExpandedGelu matches the erf expansion of gelu applied to x:
//
//	Mul(x, 1/√2) → [Cast f32] → Erf → [Cast back] → Mul(·, 0.5) → Add(·, 0.5) → Mul(·, x)
//
// x legitimately fans out to both the chain head and the final Mul; every
// other link must have a sole consumer, and x must have no consumers outside
// the chain. Returns the final Mul and the set of matched nodes (including
// the chain's scalar constants), or InvalidNodeID if the pattern is absent.
func matchExpandedGelu(g *ir.Graph, consumers map[ir.NodeID][]ir.NodeID, outputs map[ir.NodeID]bool, x ir.NodeID, alreadyInternal map[ir.NodeID]bool) (ir.NodeID, map[ir.NodeID]bool) {
	xConsumers := consumers[x]
	if outputs[x] || len(xConsumers) != 2 {
		return ir.InvalidNodeID, nil
	}
	internal := make(map[ir.NodeID]bool)

	// Chain head: Mul(x, const ≈ 1/√2).
	var head ir.NodeID = ir.InvalidNodeID
	for _, consumer := range xConsumers {
		if constID, ok := scalarMulOperand(g, consumer, x, 1/math.Sqrt2); ok {
			head = consumer
			internal[consumer] = true
			internal[constID] = true
			break
		}
	}
	if head == ir.InvalidNodeID {
		return ir.InvalidNodeID, nil
	}

	// Optional upcast to float32 before erf (half precision only).
	cur := soleConsumer(consumers, outputs, head)
	if cur == ir.InvalidNodeID {
		return ir.InvalidNodeID, nil
	}
	if g.Node(cur).Op() == ir.OpCast && g.Node(cur).Shape().DType == dtypes.Float32 {
		internal[cur] = true
		cur = soleConsumer(consumers, outputs, cur)
		if cur == ir.InvalidNodeID {
			return ir.InvalidNodeID, nil
		}
	}
	if g.Node(cur).Op() != ir.OpErf {
		return ir.InvalidNodeID, nil
	}
	internal[cur] = true
	cur = soleConsumer(consumers, outputs, cur)
	if cur == ir.InvalidNodeID {
		return ir.InvalidNodeID, nil
	}
	if g.Node(cur).Op() == ir.OpCast {
		internal[cur] = true
		cur = soleConsumer(consumers, outputs, cur)
		if cur == ir.InvalidNodeID {
			return ir.InvalidNodeID, nil
		}
	}

	// Mul(·, 0.5) → Add(·, 0.5) → Mul(·, x).
	constID, ok := scalarOperand(g, cur, ir.OpMul, 0.5)
	if !ok {
		return ir.InvalidNodeID, nil
	}
	internal[cur] = true
	internal[constID] = true
	cur = soleConsumer(consumers, outputs, cur)
	if cur == ir.InvalidNodeID {
		return ir.InvalidNodeID, nil
	}
	constID, ok = scalarOperand(g, cur, ir.OpAdd, 0.5)
	if !ok {
		return ir.InvalidNodeID, nil
	}
	internal[cur] = true
	internal[constID] = true
	final := soleConsumer(consumers, outputs, cur)
	if final == ir.InvalidNodeID {
		return ir.InvalidNodeID, nil
	}
	finalNode := g.Node(final)
	if finalNode.Op() != ir.OpMul {
		return ir.InvalidNodeID, nil
	}
	if !(finalNode.Inputs()[0] == x || finalNode.Inputs()[1] == x) {
		return ir.InvalidNodeID, nil
	}
	internal[final] = true

	// The chain's scalar constants must not feed anything else: a constant
	// is only matched into the partition if all its consumers are matched.
	for id := range internal {
		if g.Node(id).Op() != ir.OpConstant {
			continue
		}
		if hasExternalConsumers(consumers, id, internal, alreadyInternal) {
			return ir.InvalidNodeID, nil
		}
	}
	return final, internal
}

// hasExternalConsumers reports whether any consumer of id falls outside the
// union of the two internal sets.
func hasExternalConsumers(consumers map[ir.NodeID][]ir.NodeID, id ir.NodeID, internal, alsoInternal map[ir.NodeID]bool) bool {
	for _, consumer := range consumers[id] {
		if !internal[consumer] && !alsoInternal[consumer] {
			return true
		}
	}
	return false
}

// scalarMulOperand checks that node is Mul(other, const ≈ want) and returns
// the constant's handle.
func scalarMulOperand(g *ir.Graph, node, other ir.NodeID, want float64) (ir.NodeID, bool) {
	if g.Node(node).Op() != ir.OpMul {
		return ir.InvalidNodeID, false
	}
	inputs := g.Node(node).Inputs()
	if inputs[0] != other && inputs[1] != other {
		return ir.InvalidNodeID, false
	}
	constID := inputs[0]
	if constID == other {
		constID = inputs[1]
	}
	return constID, isScalarApprox(g, constID, want)
}

// scalarOperand checks that node has the given op with one scalar constant
// input ≈ want, returning the constant's handle.
func scalarOperand(g *ir.Graph, node ir.NodeID, op ir.OpType, want float64) (ir.NodeID, bool) {
	n := g.Node(node)
	if n.Op() != op {
		return ir.InvalidNodeID, false
	}
	for _, input := range n.Inputs() {
		if isScalarApprox(g, input, want) {
			return input, true
		}
	}
	return ir.InvalidNodeID, false
}

// isScalarApprox reports whether id is a scalar constant within half
// precision rounding of want.
func isScalarApprox(g *ir.Graph, id ir.NodeID, want float64) bool {
	v, ok := g.Node(id).ScalarValue()
	return ok && math.Abs(v-want) < 1e-3
}

// extractPartitions produces the rewritten graph: matched chains collapse
// into partition calls; everything else is copied over with its handles
// remapped. Handles in the source graph remain valid for the source graph.
func extractPartitions(g *ir.Graph, matches []*templateMatch) (*ir.Graph, []*Partition) {
	// Index matches by their root node, where the call node is emitted.
	byRoot := make(map[ir.NodeID]*templateMatch, len(matches))
	internal := make(map[ir.NodeID]bool)
	for _, match := range matches {
		byRoot[match.root] = match
		for id := range match.internal {
			internal[id] = true
		}
	}

	out := ir.New(g.Name())
	partitions := make([]*Partition, 0, len(matches))
	mapping := make([]ir.NodeID, g.NumNodes())
	for i := range mapping {
		mapping[i] = ir.InvalidNodeID
	}

	for id := ir.NodeID(0); int(id) < g.NumNodes(); id++ {
		match := byRoot[id]
		if match == nil {
			if internal[id] {
				continue // Replaced by a partition call at the chain root.
			}
			node := g.Node(id)
			newInputs := make([]ir.NodeID, len(node.Inputs()))
			for i, input := range node.Inputs() {
				newInputs[i] = mapping[input]
			}
			mapping[id] = out.EmitCopy(node, newInputs)
			continue
		}

		partition := newPartition(g, match, len(partitions))
		callInputs := []ir.NodeID{mapping[match.data], mapping[match.weight]}
		if match.bias != ir.InvalidNodeID {
			callInputs = append(callInputs, mapping[match.bias])
		}
		mapping[id] = out.PartitionCall(partition.ID, partition.Body, callInputs...)
		partitions = append(partitions, partition)
	}

	outputs := make([]ir.NodeID, len(g.Outputs()))
	for i, output := range g.Outputs() {
		outputs[i] = mapping[output]
	}
	out.Return(outputs...)
	return out, partitions
}

// newPartition builds the canonical dense(+bias)(+activation) body for a
// match. Expanded gelu chains collapse to the single Gelu op, which the
// generic backend evaluates with the same erf formula.
func newPartition(g *ir.Graph, match *templateMatch, index int) *Partition {
	id := fmt.Sprintf("cutlass_%s_%d", g.Name(), index)
	problem := match.problem

	body := ir.New(id)
	data := body.Parameter("data", g.Node(match.data).Shape())
	weight := body.Parameter("weight", g.Node(match.weight).Shape())
	x := body.Dense(data, weight, problem.OutDType)
	if problem.HasBias {
		bias := body.Parameter("bias", g.Node(match.bias).Shape())
		x = body.BiasAdd(x, bias)
	}
	switch problem.Activation {
	case ir.ActivationRelu:
		x = body.Relu(x)
	case ir.ActivationGelu:
		x = body.Gelu(x)
	}
	body.Return(x)

	return &Partition{ID: id, Problem: problem, Body: body}
}
