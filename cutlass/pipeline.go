package cutlass

import (
	"context"

	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OffloadResult is everything Offload produced: the rewritten graph, its
// partitions, the tuning records, and the merged artifact ready for
// executor.Load.
type OffloadResult struct {
	// Graph is the partitioned graph the artifact was compiled from.
	Graph *ir.Graph

	// Partitions extracted from the input graph, possibly empty.
	Partitions []*Partition

	// Records is the tuning record store, reusable for later sessions.
	Records *RecordStore

	// Artifact merges the generic compilation with the specialized kernels.
	Artifact *executor.Artifact
}

// NumOffloaded returns how many partitions execute a specialized kernel.
func (r *OffloadResult) NumOffloaded() int { return r.Artifact.NumOffloaded() }

// Offload runs the whole pipeline on a graph: partition the fusable dense
// chains, enumerate and tune kernel candidates per partition, compile the
// graph generically, and build/merge the selected kernels into the final
// artifact.
//
// The resulting artifact's call contract is identical to compiling the
// original graph generically; offloading only changes performance. Per
// partition failures degrade to generic execution; Offload itself fails only
// on invalid configuration, cancellation, cache I/O errors, or a baseline
// compilation failure.
func Offload(ctx context.Context, g *ir.Graph, cfg *Config) (*OffloadResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	partitioned, partitions := PartitionGraph(g, cfg.Arch)
	klog.V(1).Infof("graph %q: %d partitions on %s", g.Name(), len(partitions), cfg.Arch)

	store := NewRecordStore(cfg.Arch)
	if cfg.CachePath != "" {
		if err := store.LoadCache(cfg.CachePath); err != nil {
			return nil, err
		}
	}
	tuner := NewTuner(cfg, store)
	if err := tuner.Tune(ctx, partitions); err != nil {
		return nil, err
	}
	if cfg.CachePath != "" && len(partitions) > 0 {
		if err := store.Save(cfg.CachePath); err != nil {
			return nil, err
		}
	}

	generic, err := executor.Compile(partitioned)
	if err != nil {
		return nil, errors.WithMessage(err, "generic compilation")
	}
	artifact, err := Build(partitions, store, generic, cfg)
	if err != nil {
		return nil, err
	}
	return &OffloadResult{
		Graph:      partitioned,
		Partitions: partitions,
		Records:    store,
		Artifact:   artifact,
	}, nil
}
