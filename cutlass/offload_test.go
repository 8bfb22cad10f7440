package cutlass

import (
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end pipeline tests: Offload a graph, run the merged artifact, and
// compare against executing the same graph entirely on the generic backend.

func graphInputs(g *ir.Graph, seed int64, low, high float64) map[string]*tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	inputs := make(map[string]*tensors.Tensor)
	for _, paramID := range g.Parameters() {
		param := g.Node(paramID)
		inputs[param.Name()] = tensors.RandomUniform(rng, param.Shape(), low, high)
	}
	return inputs
}

func runArtifact(t *testing.T, a *executor.Artifact, inputs map[string]*tensors.Tensor) *tensors.Tensor {
	session := must.M1(executor.Load(a))
	for name, tensor := range inputs {
		require.NoError(t, session.SetInput(name, tensor))
	}
	require.NoError(t, session.Run())
	return must.M1(session.Output(0))
}

// verifyOffload offloads g, checks how many partitions got specialized
// kernels, and compares the artifact's output against the generic baseline
// within the given tolerances on shared random inputs.
func verifyOffload(t *testing.T, g *ir.Graph, cfg *Config, wantOffloaded int, atol, rtol, inputScale float64) (got, want *tensors.Tensor) {
	result := must.M1(Offload(context.Background(), g, cfg))
	require.Equal(t, wantOffloaded, result.NumOffloaded())

	inputs := graphInputs(g, 11, -inputScale, inputScale)
	got = runArtifact(t, result.Artifact, inputs)
	want = runArtifact(t, must.M1(executor.Compile(g)), inputs)
	require.NoError(t, tensors.AllClose(got, want, atol, rtol))
	return got, want
}

func heuristicConfig() *Config {
	return &Config{Arch: SM80, Mode: ModeHeuristic, Workers: 1}
}

func TestOffloadDenseHalfLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("large GEMM")
	}
	g := denseGraph(1820, 768, 768, dtypes.Float16, dtypes.Float16)
	got, want := verifyOffload(t, g, heuristicConfig(), 1, 1e-5, 1e-5, 1)
	// The host kernel reproduces the generic accumulation order exactly.
	assert.True(t, got.Equal(want))
}

func TestOffloadFusedChains(t *testing.T) {
	testCases := []struct {
		name       string
		graph      *ir.Graph
		atol, rtol float64
	}{
		{"dense_bias_f16", denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationNone), 1e-5, 1e-5},
		{"dense_bias_relu_f16", denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationRelu), 1e-5, 1e-5},
		{"dense_bias_gelu_f16", denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationGelu), 1e-3, 1e-3},
		{"dense_bias_relu_f32out", denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float32, ir.ActivationRelu), 1e-5, 1e-5},
		{"dense_bias_gelu_f32", denseBiasGraph(33, 65, 17, dtypes.Float32, dtypes.Float32, ir.ActivationGelu), 1e-3, 1e-3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			verifyOffload(t, tc.graph, heuristicConfig(), 1, tc.atol, tc.rtol, 1)
		})
	}
}

func TestOffloadExpandedGelu(t *testing.T) {
	// Float32: the erf chain collapses to the fused gelu epilogue and stays
	// within single precision noise of evaluating the expansion op by op.
	g := denseBiasErfGeluGraph(64, 64, 64, dtypes.Float32)
	verifyOffload(t, g, heuristicConfig(), 1, 1e-5, 1e-5, 1)

	// Half precision pays one rounding per expanded op that the fused form
	// does not, so the comparison carries the half precision tolerance.
	g = denseBiasErfGeluGraph(64, 64, 64, dtypes.Float16)
	verifyOffload(t, g, heuristicConfig(), 1, 1e-3, 1e-3, 0.05)
}

func TestOffloadExhaustive(t *testing.T) {
	g := denseBiasGraph(64, 64, 64, dtypes.Float32, dtypes.Float32, ir.ActivationRelu)
	cfg := &Config{Arch: SM80, Mode: ModeExhaustive, Workers: 2, ProfileRepeats: 1}
	result := must.M1(Offload(context.Background(), g, cfg))
	require.Equal(t, 1, result.NumOffloaded())

	records := result.Records.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Measured)
	assert.Greater(t, records[0].Latency.Nanoseconds(), int64(0))

	inputs := graphInputs(g, 3, -1, 1)
	got := runArtifact(t, result.Artifact, inputs)
	want := runArtifact(t, must.M1(executor.Compile(g)), inputs)
	assert.True(t, got.Equal(want))
}

func TestOffloadUnsupportedFallsBackToGeneric(t *testing.T) {
	testCases := []struct {
		name  string
		graph *ir.Graph
	}{
		{"float64", denseBiasGraph(16, 16, 16, dtypes.Float64, dtypes.Float64, ir.ActivationGelu)},
		{"misaligned_half", denseGraph(64, 64, 60, dtypes.Float16, dtypes.Float16)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := must.M1(Offload(context.Background(), tc.graph, heuristicConfig()))
			assert.Empty(t, result.Partitions)
			require.Equal(t, 0, result.NumOffloaded())

			// Zero offloaded partitions still yields a complete artifact,
			// and it computes exactly what the generic compilation does.
			inputs := graphInputs(tc.graph, 5, -1, 1)
			got := runArtifact(t, result.Artifact, inputs)
			want := runArtifact(t, must.M1(executor.Compile(tc.graph)), inputs)
			assert.True(t, got.Equal(want))
		})
	}
}

func TestOffloadMultiLayerGraph(t *testing.T) {
	// Two stacked dense layers with non-fusable glue between them.
	g := ir.New("mlp")
	data := g.Parameter("data", shapes.Make(dtypes.Float16, 128, 64))
	w1 := g.Parameter("w1", shapes.Make(dtypes.Float16, 64, 64))
	b1 := g.Parameter("b1", shapes.Make(dtypes.Float16, 64))
	w2 := g.Parameter("w2", shapes.Make(dtypes.Float16, 32, 64))
	hidden := g.Relu(g.BiasAdd(g.Dense(data, w1, dtypes.Float16), b1))
	scaled := g.Mul(hidden, g.Scalar(dtypes.Float16, 2))
	g.Return(g.Dense(scaled, w2, dtypes.Float16))

	verifyOffload(t, g, heuristicConfig(), 2, 1e-5, 1e-5, 1)
}

func TestOffloadCachePersistsAcrossRuns(t *testing.T) {
	g := denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationRelu)
	cfg := heuristicConfig()
	cfg.CachePath = t.TempDir() + "/tuning.parquet"

	first := must.M1(Offload(context.Background(), g, cfg))
	require.Equal(t, 1, first.NumOffloaded())
	_, err := os.Stat(cfg.CachePath)
	require.NoError(t, err)

	// A later session starts warm and reaches the same selection.
	second := must.M1(Offload(context.Background(), g, cfg))
	assert.Equal(t, first.Records.Records(), second.Records.Records())
}

func TestOffloadRequiresArch(t *testing.T) {
	g := denseGraph(8, 8, 8, dtypes.Float32, dtypes.Float32)
	_, err := Offload(context.Background(), g, &Config{})
	require.Error(t, err)
}

func TestOffloadWorkDirReceivesSources(t *testing.T) {
	g := denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationRelu)
	cfg := heuristicConfig()
	cfg.WorkDir = t.TempDir()

	result := must.M1(Offload(context.Background(), g, cfg))
	require.Equal(t, 1, result.NumOffloaded())
	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.Partitions[0].ID+".cu", entries[0].Name())
}
