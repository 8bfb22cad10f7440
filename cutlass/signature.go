package cutlass

import (
	"fmt"
	"strings"

	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
)

// GemmProblem describes the GEMM a partition computes: out = data @ weightᵀ
// with data (M, K) and weight (N, K), optionally followed by a bias add and
// an activation.
type GemmProblem struct {
	M, N, K int

	// InDType is the dtype of data and weight; OutDType the dtype of the
	// result (and of the bias, when present).
	InDType, OutDType dtypes.DType

	HasBias    bool
	Activation ir.Activation
}

// Signature returns the deterministic key for the problem, derived from its
// operator sequence, shapes and dtypes. Signature equality implies
// kernel-compatibility equality, so tuning records are reusable across
// partitions with equal signatures.
func (p GemmProblem) Signature() string {
	var ops strings.Builder
	ops.WriteString("dense")
	if p.HasBias {
		ops.WriteString("_bias")
	}
	if p.Activation != ir.ActivationNone {
		ops.WriteString("_")
		ops.WriteString(p.Activation.String())
	}
	return fmt.Sprintf("%s|M%dN%dK%d|in=%s,out=%s", ops.String(), p.M, p.N, p.K, p.InDType, p.OutDType)
}

// Partition is an extracted subgraph matching a fusion template: the unit
// the enumerator, tuner and builder operate on. It is created by PartitionGraph,
// and the placeholder call node left in the parent graph references ID.
type Partition struct {
	// ID is the unique partition identifier, and the symbol name the
	// compiled kernel is addressed by at load time.
	ID string

	// Problem is the GEMM the partition computes.
	Problem GemmProblem

	// Body is the extracted, independently compilable subgraph. Its
	// parameters are (data, weight[, bias]), in that order.
	Body *ir.Graph
}

// Signature returns Problem.Signature.
func (p *Partition) Signature() string { return p.Problem.Signature() }
