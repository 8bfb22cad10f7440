// Package executor is the generic backend and runtime loader the offload
// pipeline builds on:
//
//   - Compile: compiles a (possibly partitioned) graph into an Artifact in
//     which every node, including partition-call placeholders, has a generic
//     implementation. This is the fallback and the merge base.
//   - Artifact.AttachKernel: merges a specialized compiled kernel into a
//     copy of the artifact, keyed by partition identifier.
//   - Load: returns a Session exposing named-input/named-output invocation
//     and a benchmarking operation.
//
// Offload never changes the call contract: a Session behaves identically
// whether or not any partition was offloaded, modulo numerics within the
// documented tolerances.
package executor

import (
	"time"

	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PartitionKernel is one specialized compiled implementation of a partition
// body, invocable with the partition's external inputs in body-parameter
// order.
type PartitionKernel interface {
	// Symbol returns the partition identifier the kernel implements.
	Symbol() string

	// Run executes the kernel. Inputs map positionally to the partition
	// body's parameters.
	Run(inputs []*tensors.Tensor) (*tensors.Tensor, error)
}

// Artifact is a compiled module: the generic implementation of every graph
// node plus any specialized kernels merged in, addressable by partition
// identifier.
type Artifact struct {
	graph *ir.Graph

	// genericSymbols maps each partition identifier to its body: the
	// baseline implementation that exists whether or not a specialized
	// kernel was merged in.
	genericSymbols map[string]*ir.Graph

	// kernels holds the specialized implementations, keyed by partition
	// identifier.
	kernels map[string]PartitionKernel
}

// Compile is the generic backend: it produces a baseline Artifact covering
// every node of the graph, with partition-call placeholders implemented by
// interpreting their bodies.
//
// It fails if the graph has no declared outputs or if two partition calls
// share an identifier: every placeholder must resolve to exactly one symbol.
func Compile(g *ir.Graph) (*Artifact, error) {
	if len(g.Outputs()) == 0 {
		return nil, errors.Errorf("graph %q has no outputs; call Graph.Return before compiling", g.Name())
	}
	a := &Artifact{
		graph:          g,
		genericSymbols: make(map[string]*ir.Graph),
		kernels:        make(map[string]PartitionKernel),
	}
	for id := ir.NodeID(0); int(id) < g.NumNodes(); id++ {
		node := g.Node(id)
		if node.Op() != ir.OpPartitionCall {
			continue
		}
		call := node.Call()
		if _, duplicate := a.genericSymbols[call.Target]; duplicate {
			return nil, errors.Errorf("graph %q: partition identifier %q used by more than one call node", g.Name(), call.Target)
		}
		a.genericSymbols[call.Target] = call.Body
	}
	klog.V(1).Infof("compiled graph %q: %d nodes, %d partition placeholders", g.Name(), g.NumNodes(), len(a.genericSymbols))
	return a, nil
}

// Graph returns the graph the artifact was compiled from.
func (a *Artifact) Graph() *ir.Graph { return a.graph }

// Clone returns a copy of the artifact sharing the (immutable) graph but
// with independent kernel tables, so merging kernels never mutates the
// generic artifact.
func (a *Artifact) Clone() *Artifact {
	out := &Artifact{
		graph:          a.graph,
		genericSymbols: make(map[string]*ir.Graph, len(a.genericSymbols)),
		kernels:        make(map[string]PartitionKernel, len(a.kernels)),
	}
	for target, body := range a.genericSymbols {
		out.genericSymbols[target] = body
	}
	for target, kernel := range a.kernels {
		out.kernels[target] = kernel
	}
	return out
}

// AttachKernel merges a specialized kernel into the artifact. The kernel's
// symbol must match a partition placeholder in the compiled graph.
func (a *Artifact) AttachKernel(kernel PartitionKernel) error {
	target := kernel.Symbol()
	if _, found := a.genericSymbols[target]; !found {
		return errors.Errorf("no partition placeholder %q in artifact for graph %q", target, a.graph.Name())
	}
	a.kernels[target] = kernel
	return nil
}

// HasSymbol reports whether the artifact has a generic symbol for the
// partition identifier.
func (a *Artifact) HasSymbol(target string) bool {
	_, found := a.genericSymbols[target]
	return found
}

// OffloadedSymbols returns the partition identifiers with a specialized
// kernel attached.
func (a *Artifact) OffloadedSymbols() []string {
	out := make([]string, 0, len(a.kernels))
	for target := range a.kernels {
		out = append(out, target)
	}
	return out
}

// NumOffloaded returns how many partitions execute a specialized kernel.
func (a *Artifact) NumOffloaded() int { return len(a.kernels) }

// Load returns an executable Session for the artifact, after checking that
// every partition placeholder resolves to a symbol.
func Load(a *Artifact) (*Session, error) {
	graph := a.graph
	for id := ir.NodeID(0); int(id) < graph.NumNodes(); id++ {
		node := graph.Node(id)
		if node.Op() != ir.OpPartitionCall {
			continue
		}
		if !a.HasSymbol(node.Call().Target) {
			return nil, errors.Errorf("dangling partition %q: no symbol in artifact", node.Call().Target)
		}
	}
	return &Session{
		artifact: a,
		inputs:   make(map[string]*tensors.Tensor),
	}, nil
}

// Session is a loaded artifact ready to execute with named inputs and
// indexed outputs.
type Session struct {
	artifact *Artifact
	inputs   map[string]*tensors.Tensor
	outputs  []*tensors.Tensor
}

// SetInput binds a tensor to the named graph parameter.
func (s *Session) SetInput(name string, t *tensors.Tensor) error {
	graph := s.artifact.graph
	for _, paramID := range graph.Parameters() {
		param := graph.Node(paramID)
		if param.Name() != name {
			continue
		}
		if !param.Shape().Equal(t.Shape()) {
			return errors.Errorf("input %q is %s, graph expects %s", name, t.Shape(), param.Shape())
		}
		s.inputs[name] = t
		return nil
	}
	return errors.Errorf("graph %q has no input named %q", graph.Name(), name)
}

// Run executes the artifact with the inputs bound so far. All parameters
// must be bound. Outputs are available through Session.Output afterwards.
func (s *Session) Run() error {
	graph := s.artifact.graph
	bindings := make([]*tensors.Tensor, len(graph.Parameters()))
	for i, paramID := range graph.Parameters() {
		name := graph.Node(paramID).Name()
		t, found := s.inputs[name]
		if !found {
			return errors.Errorf("input %q was not set", name)
		}
		bindings[i] = t
	}
	values, err := s.artifact.evaluate(graph, bindings)
	if err != nil {
		return err
	}
	s.outputs = s.outputs[:0]
	for _, outputID := range graph.Outputs() {
		s.outputs = append(s.outputs, values[outputID])
	}
	return nil
}

// NumOutputs returns the number of graph outputs.
func (s *Session) NumOutputs() int { return len(s.artifact.graph.Outputs()) }

// Output returns the i-th output of the last Run.
func (s *Session) Output(i int) (*tensors.Tensor, error) {
	if len(s.outputs) == 0 {
		return nil, errors.New("session has not run yet")
	}
	if i < 0 || i >= len(s.outputs) {
		return nil, errors.Errorf("output index %d out of range [0,%d)", i, len(s.outputs))
	}
	return s.outputs[i], nil
}

// BenchmarkResult holds the timing statistics of Session.Benchmark.
type BenchmarkResult struct {
	Repeats               int
	Total, Mean, Min, Max time.Duration
}

// Benchmark runs the session the given number of times with its currently
// bound inputs and reports wall-clock statistics.
func (s *Session) Benchmark(repeats int) (BenchmarkResult, error) {
	if repeats <= 0 {
		return BenchmarkResult{}, errors.Errorf("benchmark repeats must be positive, got %d", repeats)
	}
	result := BenchmarkResult{Repeats: repeats}
	for i := 0; i < repeats; i++ {
		start := time.Now()
		if err := s.Run(); err != nil {
			return BenchmarkResult{}, errors.WithMessagef(err, "benchmark repeat %d", i)
		}
		elapsed := time.Since(start)
		result.Total += elapsed
		if i == 0 || elapsed < result.Min {
			result.Min = elapsed
		}
		if elapsed > result.Max {
			result.Max = elapsed
		}
	}
	result.Mean = result.Total / time.Duration(repeats)
	return result, nil
}
