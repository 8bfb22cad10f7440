package ir

import (
	"testing"

	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseShapeInference(t *testing.T) {
	g := New("main")
	data := g.Parameter("data", shapes.Make(dtypes.Float16, 1820, 768))
	weight := g.Parameter("weight", shapes.Make(dtypes.Float16, 768, 768))
	out := g.Dense(data, weight, dtypes.Float32)
	require.True(t, g.Node(out).Shape().Equal(shapes.Make(dtypes.Float32, 1820, 768)))

	// Defaults to the input dtype when no output dtype is given.
	out = g.Dense(data, weight, dtypes.InvalidDType)
	assert.Equal(t, dtypes.Float16, g.Node(out).Shape().DType)
}

func TestDenseRejectsMismatchedContraction(t *testing.T) {
	g := New("main")
	data := g.Parameter("data", shapes.Make(dtypes.Float32, 8, 16))
	weight := g.Parameter("weight", shapes.Make(dtypes.Float32, 4, 32))
	err := exceptions.TryCatch[error](func() { g.Dense(data, weight, dtypes.Float32) })
	require.Error(t, err)
}

func TestBiasAddShapes(t *testing.T) {
	g := New("main")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 8, 4))
	bias := g.Parameter("bias", shapes.Make(dtypes.Float32, 4))
	out := g.BiasAdd(x, bias)
	assert.True(t, g.Node(out).Shape().Equal(shapes.Make(dtypes.Float32, 8, 4)))

	badBias := g.Parameter("bad", shapes.Make(dtypes.Float32, 5))
	err := exceptions.TryCatch[error](func() { g.BiasAdd(x, badBias) })
	require.Error(t, err)
}

func TestScalarBroadcast(t *testing.T) {
	g := New("main")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))
	half := g.Scalar(dtypes.Float32, 0.5)
	out := g.Mul(x, half)
	assert.True(t, g.Node(out).Shape().Equal(g.Node(x).Shape()))

	v, ok := g.Node(half).ScalarValue()
	require.True(t, ok)
	assert.InDelta(t, 0.5, v, 1e-9)
}

func TestArenaOrderIsTopological(t *testing.T) {
	g := New("main")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4, 8))
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 8, 8))
	d := g.Dense(x, w, dtypes.Float32)
	r := g.Relu(d)
	g.Return(r)

	for id := NodeID(0); int(id) < g.NumNodes(); id++ {
		for _, input := range g.Node(id).Inputs() {
			assert.Less(t, input, id)
		}
	}
}

func TestDuplicateParameterName(t *testing.T) {
	g := New("main")
	g.Parameter("x", shapes.Make(dtypes.Float32, 2))
	err := exceptions.TryCatch[error](func() { g.Parameter("x", shapes.Make(dtypes.Float32, 2)) })
	require.Error(t, err)
}

func TestPartitionCallChecksBody(t *testing.T) {
	body := New("part")
	data := body.Parameter("data", shapes.Make(dtypes.Float32, 4, 8))
	weight := body.Parameter("weight", shapes.Make(dtypes.Float32, 8, 8))
	body.Return(body.Dense(data, weight, dtypes.Float32))

	g := New("main")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4, 8))
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 8, 8))
	call := g.PartitionCall("p0", body, x, w)
	require.Equal(t, OpPartitionCall, g.Node(call).Op())
	assert.True(t, g.Node(call).Shape().Equal(shapes.Make(dtypes.Float32, 4, 8)))
	assert.Equal(t, "p0", g.Node(call).Call().Target)

	// Wrong arity.
	err := exceptions.TryCatch[error](func() { g.PartitionCall("p1", body, x) })
	require.Error(t, err)
}

func TestEmitCopyPreservesAttributes(t *testing.T) {
	src := New("src")
	x := src.Parameter("x", shapes.Make(dtypes.Float16, 3, 5))
	c := src.Scalar(dtypes.Float16, 0.5)
	m := src.Mul(x, c)
	src.Return(m)

	dst := New("dst")
	mapping := make([]NodeID, src.NumNodes())
	for id := NodeID(0); int(id) < src.NumNodes(); id++ {
		node := src.Node(id)
		inputs := make([]NodeID, len(node.Inputs()))
		for i, input := range node.Inputs() {
			inputs[i] = mapping[input]
		}
		mapping[id] = dst.EmitCopy(node, inputs)
	}
	dst.Return(mapping[m])

	require.Equal(t, src.NumNodes(), dst.NumNodes())
	assert.Equal(t, "x", dst.Node(mapping[x]).Name())
	assert.Len(t, dst.Parameters(), 1)
	v, ok := dst.Node(mapping[c]).ScalarValue()
	require.True(t, ok)
	assert.InDelta(t, 0.5, v, 1e-3) // Half precision rounding.
}

func TestStringSmoke(t *testing.T) {
	g := New("main")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 4))
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 4, 4))
	g.Return(g.Relu(g.Dense(x, w, dtypes.Float32)))
	s := g.String()
	assert.Contains(t, s, "Dense")
	assert.Contains(t, s, "(output)")
}
