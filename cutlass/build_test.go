package cutlass

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFixture(t *testing.T) ([]*Partition, *executor.Artifact, *Config) {
	g := denseBiasGraph(96, 64, 64, dtypes.Float16, dtypes.Float16, ir.ActivationRelu)
	partitioned, partitions := PartitionGraph(g, SM80)
	require.Len(t, partitions, 1)
	generic := must.M1(executor.Compile(partitioned))

	cfg := &Config{Arch: SM80, Workers: 1}
	require.NoError(t, cfg.Validate())
	return partitions, generic, cfg
}

func recordFor(t *testing.T, p *Partition) TuningRecord {
	candidate, ok := DefaultCandidate(p.Problem, SM80)
	require.True(t, ok)
	return TuningRecord{Signature: p.Signature(), Arch: SM80, Candidate: candidate}
}

func TestBuildMergesKernel(t *testing.T) {
	partitions, generic, cfg := buildFixture(t)
	store := NewRecordStore(SM80)
	require.NoError(t, store.Put(recordFor(t, partitions[0])))

	artifact, err := Build(partitions, store, generic, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, artifact.NumOffloaded())
	assert.Equal(t, []string{partitions[0].ID}, artifact.OffloadedSymbols())
	// The generic artifact is untouched; the merge happened on a copy.
	assert.Equal(t, 0, generic.NumOffloaded())
}

func TestBuildWithoutRecordKeepsGeneric(t *testing.T) {
	partitions, generic, cfg := buildFixture(t)
	artifact, err := Build(partitions, NewRecordStore(SM80), generic, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, artifact.NumOffloaded())

	// The artifact is complete regardless: it loads and runs.
	_, err = executor.Load(artifact)
	require.NoError(t, err)
}

func TestBuildMissingBaselineSymbolFails(t *testing.T) {
	partitions, _, cfg := buildFixture(t)
	store := NewRecordStore(SM80)
	require.NoError(t, store.Put(recordFor(t, partitions[0])))

	// A generic artifact from an unrelated graph has no baseline for the
	// partition: nothing could execute its placeholder.
	unrelated := must.M1(executor.Compile(denseGraph(8, 8, 8, dtypes.Float32, dtypes.Float32)))
	_, err := Build(partitions, store, unrelated, cfg)
	require.Error(t, err)
}

// brokenToolchain fails every compilation.
type brokenToolchain struct{}

func (brokenToolchain) Compile(p GemmProblem, candidate KernelCandidate, symbol, workDir string) (executor.PartitionKernel, error) {
	return nil, errors.New("nvcc exploded")
}

func TestBuildKernelFailureFallsBack(t *testing.T) {
	partitions, generic, cfg := buildFixture(t)
	cfg.Toolchain = brokenToolchain{}
	store := NewRecordStore(SM80)
	require.NoError(t, store.Put(recordFor(t, partitions[0])))

	artifact, err := Build(partitions, store, generic, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, artifact.NumOffloaded())
}

func TestBuildWritesManifest(t *testing.T) {
	partitions, generic, cfg := buildFixture(t)
	cfg.OutputPath = filepath.Join(t.TempDir(), "artifact.tsv")
	store := NewRecordStore(SM80)
	record := recordFor(t, partitions[0])
	require.NoError(t, store.Put(record))

	_, err := Build(partitions, store, generic, cfg)
	require.NoError(t, err)

	manifest, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(manifest), partitions[0].ID)
	assert.Contains(t, string(manifest), record.Candidate.Name())
	assert.Contains(t, string(manifest), "unmeasured")
}
