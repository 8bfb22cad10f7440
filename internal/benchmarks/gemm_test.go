// Package benchmarks compares the offloaded GEMM pipeline against the
// generic backend on a few representative problem sizes.
//
// Benchmarks are disabled by default; enable with e.g.:
//
//	go test ./internal/benchmarks/ -bench_duration=10s
package benchmarks

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"

	"github.com/gomlx/cutlass-gomlx/cutlass"
	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
)

var flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")

type gemmCase struct {
	m, n, k int
	dtype   dtypes.DType
}

var gemmCases = []gemmCase{
	{128, 128, 128, dtypes.Float16},
	{512, 512, 512, dtypes.Float16},
	{1820, 768, 768, dtypes.Float16},
	{512, 512, 512, dtypes.Float32},
}

func (c gemmCase) String() string {
	return fmt.Sprintf("%s/M%dN%dK%d", c.dtype, c.m, c.n, c.k)
}

func (c gemmCase) graph() *ir.Graph {
	g := ir.New("bench")
	data := g.Parameter("data", shapes.Make(c.dtype, c.m, c.k))
	weight := g.Parameter("weight", shapes.Make(c.dtype, c.n, c.k))
	bias := g.Parameter("bias", shapes.Make(c.dtype, c.n))
	g.Return(g.Relu(g.BiasAdd(g.Dense(data, weight, c.dtype), bias)))
	return g
}

func benchSession(c gemmCase, a *executor.Artifact) *executor.Session {
	session := must.M1(executor.Load(a))
	rng := rand.New(rand.NewSource(42))
	must.M(session.SetInput("data", tensors.RandomUniform(rng, shapes.Make(c.dtype, c.m, c.k), -1, 1)))
	must.M(session.SetInput("weight", tensors.RandomUniform(rng, shapes.Make(c.dtype, c.n, c.k), -1, 1)))
	must.M(session.SetInput("bias", tensors.RandomUniform(rng, shapes.Make(c.dtype, c.n), -1, 1)))
	return session
}

func TestBenchGemmOffloaded(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Benchmark tests disabled, set --bench_duration to enable")
	}

	for caseIdx, c := range gemmCases {
		g := c.graph()
		cfg := &cutlass.Config{Arch: cutlass.SM80, Mode: cutlass.ModeHeuristic}
		result := must.M1(cutlass.Offload(context.Background(), g, cfg))
		session := benchSession(c, result.Artifact)

		testFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("Offloaded/%s:", c),
			Func: func() {
				must.M(session.Run())
			},
		}
		runtime.LockOSThread()
		benchmarks.New(testFn).
			WithWarmUps(5).
			WithDuration(*flagBenchDuration).
			WithHeader(caseIdx == 0).
			Done()
		runtime.UnlockOSThread()
	}
}

func TestBenchGemmGeneric(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Benchmark tests disabled, set --bench_duration to enable")
	}

	for caseIdx, c := range gemmCases {
		session := benchSession(c, must.M1(executor.Compile(c.graph())))

		testFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("Generic/%s:", c),
			Func: func() {
				must.M(session.Run())
			},
		}
		runtime.LockOSThread()
		benchmarks.New(testFn).
			WithWarmUps(5).
			WithDuration(*flagBenchDuration).
			WithHeader(caseIdx == 0).
			Done()
		runtime.UnlockOSThread()
	}
}
