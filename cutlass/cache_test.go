package cutlass

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.parquet")

	store := NewRecordStore(SM80)
	problem := halfProblem(1820, 768, 768)
	candidates := Candidates(problem, SM80)
	require.NoError(t, store.Put(TuningRecord{
		Signature: problem.Signature(),
		Arch:      SM80,
		Candidate: candidates[2],
		Latency:   420 * time.Microsecond,
		Measured:  true,
	}))
	require.NoError(t, store.Put(TuningRecord{
		Signature: floatProblem(64, 64, 64).Signature(),
		Arch:      SM80,
		Candidate: Candidates(floatProblem(64, 64, 64), SM80)[0],
	}))
	require.NoError(t, store.Save(path))

	loaded := NewRecordStore(SM80)
	require.NoError(t, loaded.LoadCache(path))
	require.Equal(t, store.Len(), loaded.Len())
	assert.Equal(t, store.Records(), loaded.Records())
}

func TestCacheLoadDropsForeignArch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.parquet")

	store := NewRecordStore(SM75)
	problem := halfProblem(512, 512, 512)
	require.NoError(t, store.Put(TuningRecord{
		Signature: problem.Signature(),
		Arch:      SM75,
		Candidate: Candidates(problem, SM75)[0],
		Latency:   time.Millisecond,
		Measured:  true,
	}))
	require.NoError(t, store.Save(path))

	// Records tuned for SM75 must not poison an SM80 store.
	other := NewRecordStore(SM80)
	require.NoError(t, other.LoadCache(path))
	assert.Zero(t, other.Len())
}

func TestCacheLoadMissingFileIsCold(t *testing.T) {
	store := NewRecordStore(SM80)
	require.NoError(t, store.LoadCache(filepath.Join(t.TempDir(), "nonesuch.parquet")))
	assert.Zero(t, store.Len())
}
