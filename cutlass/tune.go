package cutlass

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/internal/metrics"
	"github.com/gomlx/cutlass-gomlx/types/shapes"
	"github.com/gomlx/cutlass-gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TuningRecord is the tuner's result for one partition signature: the
// selected kernel candidate and its measured latency. Unmeasured records
// (heuristic mode) carry Measured=false and zero latency.
type TuningRecord struct {
	Signature string
	Arch      Arch
	Candidate KernelCandidate
	Latency   time.Duration
	Measured  bool
}

// RecordStore holds tuning records keyed by partition signature: at most one
// record per signature, shared across partitions and tuning sessions.
// Records are bound to one architecture; loading a cache produced for a
// different architecture discards it.
//
// The store is safe for concurrent use. Writes are last-writer-wins, which
// is sound because identical (signature, mode, arch) tuning runs produce
// identical records modulo measurement noise.
type RecordStore struct {
	mu      sync.Mutex
	arch    Arch
	records map[string]TuningRecord
}

// NewRecordStore returns an empty store for the given architecture.
func NewRecordStore(arch Arch) *RecordStore {
	return &RecordStore{arch: arch, records: make(map[string]TuningRecord)}
}

// Arch returns the architecture the store's records are valid for.
func (s *RecordStore) Arch() Arch { return s.arch }

// Lookup returns the record for a signature, if present.
func (s *RecordStore) Lookup(signature string) (TuningRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, found := s.records[signature]
	return record, found
}

// Put inserts or replaces the record for its signature. Records for another
// architecture are rejected.
func (s *RecordStore) Put(record TuningRecord) error {
	if record.Arch != s.arch {
		return errors.Errorf("record for %s cannot enter a %s store", record.Arch, s.arch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Signature] = record
	return nil
}

// Len returns the number of records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns all records sorted by signature.
func (s *RecordStore) Records() []TuningRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TuningRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Runner measures the latency of one compiled kernel candidate. Measuring is
// a blocking operation; implementations must honor ctx cancellation, which
// aborts only that candidate's evaluation.
type Runner interface {
	Measure(ctx context.Context, kernel executor.PartitionKernel, inputs []*tensors.Tensor, repeats int) (time.Duration, error)
}

// WallClockRunner returns the default Runner: it executes the kernel the
// requested number of times and reports the minimum wall-clock latency.
func WallClockRunner() Runner { return wallClockRunner{} }

type wallClockRunner struct{}

func (wallClockRunner) Measure(ctx context.Context, kernel executor.PartitionKernel, inputs []*tensors.Tensor, repeats int) (time.Duration, error) {
	var best time.Duration
	for i := 0; i < repeats; i++ {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrap(err, "measurement cancelled")
		}
		start := time.Now()
		if _, err := kernel.Run(inputs); err != nil {
			return 0, err
		}
		elapsed := time.Since(start)
		if i == 0 || elapsed < best {
			best = elapsed
		}
	}
	return best, nil
}

// Tuner selects a kernel candidate per partition and fills a RecordStore.
type Tuner struct {
	cfg   *Config
	store *RecordStore
}

// NewTuner returns a tuner writing into store. The config must have been
// validated.
func NewTuner(cfg *Config, store *RecordStore) *Tuner {
	return &Tuner{cfg: cfg, store: store}
}

// Tune produces a tuning record for every partition that has at least one
// kernel candidate. Partitions are tuned in parallel by a bounded worker
// pool; each worker measures one partition's candidates sequentially and
// owns the toolchain for the duration of a measurement. Per-partition
// failures (empty candidate set, candidate measurement errors) are recovered
// by generic fallback and never fail the call; only cancellation of ctx
// aborts tuning as a whole.
func (t *Tuner) Tune(ctx context.Context, partitions []*Partition) error {
	if len(partitions) == 0 {
		return nil
	}
	workers := min(t.cfg.Workers, len(partitions))
	tasks := make(chan *Partition)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for partition := range tasks {
				t.tunePartition(ctx, partition)
			}
		}()
	}
	for _, partition := range partitions {
		select {
		case tasks <- partition:
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return errors.Wrap(ctx.Err(), "tuning cancelled")
		}
	}
	close(tasks)
	wg.Wait()
	return ctx.Err()
}

// tunePartition resolves one partition: reuse a memoized record, pick the
// heuristic default, or measure every candidate.
func (t *Tuner) tunePartition(ctx context.Context, partition *Partition) {
	signature := partition.Signature()
	if record, found := t.store.Lookup(signature); found && record.Arch == t.cfg.Arch {
		// An unmeasured heuristic record does not satisfy an exhaustive
		// session: measure and overwrite it instead of reusing it.
		if record.Measured || t.cfg.Mode == ModeHeuristic {
			metrics.TuningCacheHits.Inc()
			klog.V(1).Infof("reusing tuning record for %s: %s", signature, record.Candidate.Name())
			return
		}
	}

	candidates := Candidates(partition.Problem, t.cfg.Arch)
	if len(candidates) == 0 {
		// NoCandidateKernel: not fatal, the partition executes generically.
		metrics.PartitionsFallback.WithLabelValues("no_candidate_kernel").Inc()
		klog.Warningf("no kernel candidate for %s on %s; falling back to generic", signature, t.cfg.Arch)
		return
	}

	if t.cfg.Mode == ModeHeuristic {
		candidate, _ := DefaultCandidate(partition.Problem, t.cfg.Arch)
		if err := t.store.Put(TuningRecord{
			Signature: signature,
			Arch:      t.cfg.Arch,
			Candidate: candidate,
		}); err != nil {
			klog.Errorf("storing heuristic record for %s: %v", signature, err)
		}
		klog.V(1).Infof("heuristic pick for %s: %s", signature, candidate.Name())
		return
	}

	record, ok := t.measureAll(ctx, partition, candidates)
	if !ok {
		// All candidates failed: behaves as NoCandidateKernel.
		metrics.PartitionsFallback.WithLabelValues("tuning_failure").Inc()
		klog.Warningf("all %d candidates failed for %s; falling back to generic", len(candidates), signature)
		return
	}
	if err := t.store.Put(record); err != nil {
		klog.Errorf("storing tuning record for %s: %v", signature, err)
	}
	klog.V(1).Infof("tuned %s: %s in %s", signature, record.Candidate.Name(), record.Latency)
}

// measureAll measures every candidate on representative inputs and keeps the
// minimum latency, breaking ties by insertion order (strict improvement
// required to displace an earlier candidate).
func (t *Tuner) measureAll(ctx context.Context, partition *Partition, candidates []KernelCandidate) (TuningRecord, bool) {
	inputs := representativeInputs(partition.Problem)
	record := TuningRecord{
		Signature: partition.Signature(),
		Arch:      t.cfg.Arch,
		Measured:  true,
	}
	found := false
	for _, candidate := range candidates {
		kernel, err := t.cfg.Toolchain.Compile(partition.Problem, candidate, partition.ID, t.cfg.WorkDir)
		if err != nil {
			metrics.TuningFailures.Inc()
			klog.Warningf("candidate %s failed to compile for %s: %v", candidate.Name(), partition.ID, err)
			continue
		}
		latency, err := t.cfg.Runner.Measure(ctx, kernel, inputs, t.cfg.ProfileRepeats)
		if err != nil {
			// TuningFailure: discard this candidate, keep evaluating others.
			metrics.TuningFailures.Inc()
			klog.Warningf("candidate %s failed to measure for %s: %v", candidate.Name(), partition.ID, err)
			continue
		}
		metrics.CandidateMeasurements.WithLabelValues(t.cfg.Arch.String()).Observe(latency.Seconds())
		if !found || latency < record.Latency {
			record.Candidate = candidate
			record.Latency = latency
			found = true
		}
	}
	return record, found
}

// representativeInputs generates random shape-matching inputs for profiling,
// seeded by the partition signature so repeated tuning runs measure on the
// same data.
func representativeInputs(p GemmProblem) []*tensors.Tensor {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.Signature()))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	inputs := []*tensors.Tensor{
		tensors.RandomUniform(rng, shapes.Make(p.InDType, p.M, p.K), -1, 1),
		tensors.RandomUniform(rng, shapes.Make(p.InDType, p.N, p.K), -1, 1),
	}
	if p.HasBias {
		inputs = append(inputs, tensors.RandomUniform(rng, shapes.Make(p.OutDType, p.N), -1, 1))
	}
	return inputs
}
