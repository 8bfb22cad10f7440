package cutlass

import (
	"bytes"
	"fmt"
	"os"

	"github.com/gomlx/cutlass-gomlx/executor"
	"github.com/gomlx/cutlass-gomlx/internal/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Build is the kernel builder/loader: for every partition with a tuning
// record it generates and compiles the selected kernel and merges it into a
// copy of the generic artifact, addressable by the partition identifier.
// Partitions without a record keep executing the generic implementation
// already present in the artifact.
//
// Failures building a single kernel are recovered by generic fallback and
// never abort the build, unless the generic artifact is missing the
// baseline symbol for that partition, which is unrecoverable. A build
// with zero offloaded partitions is a complete, valid artifact.
func Build(partitions []*Partition, store *RecordStore, generic *executor.Artifact, cfg *Config) (*executor.Artifact, error) {
	artifact := generic.Clone()
	for _, partition := range partitions {
		if !artifact.HasSymbol(partition.ID) {
			// BuildFailure at the baseline layer: nothing can execute this
			// placeholder.
			return nil, errors.Errorf("generic artifact has no baseline symbol for partition %q", partition.ID)
		}
		record, found := store.Lookup(partition.Signature())
		if !found {
			klog.V(1).Infof("partition %q has no tuning record; keeping generic implementation", partition.ID)
			continue
		}
		kernel, err := cfg.Toolchain.Compile(partition.Problem, record.Candidate, partition.ID, cfg.WorkDir)
		if err != nil {
			// BuildFailure of a specialized kernel: fall back to generic.
			metrics.BuildFailures.Inc()
			metrics.PartitionsFallback.WithLabelValues("build_failure").Inc()
			klog.Warningf("building kernel %s for %q failed: %v; falling back to generic", record.Candidate.Name(), partition.ID, err)
			continue
		}
		if err := artifact.AttachKernel(kernel); err != nil {
			return nil, errors.WithMessagef(err, "merging kernel for partition %q", partition.ID)
		}
		metrics.PartitionsOffloaded.Inc()
	}

	if cfg.OutputPath != "" {
		if err := writeManifest(cfg.OutputPath, partitions, store, artifact); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

// writeManifest records what the build produced: one line per partition with
// its signature and, when offloaded, the selected kernel and latency.
func writeManifest(path string, partitions []*Partition, store *RecordStore, artifact *executor.Artifact) error {
	var buf bytes.Buffer
	offloaded := make(map[string]bool)
	for _, symbol := range artifact.OffloadedSymbols() {
		offloaded[symbol] = true
	}
	for _, partition := range partitions {
		fmt.Fprintf(&buf, "%s\t%s", partition.ID, partition.Signature())
		if record, found := store.Lookup(partition.Signature()); found && offloaded[partition.ID] {
			fmt.Fprintf(&buf, "\t%s", record.Candidate.Name())
			if record.Measured {
				fmt.Fprintf(&buf, "\t%s", record.Latency)
			} else {
				fmt.Fprintf(&buf, "\tunmeasured")
			}
		} else {
			fmt.Fprintf(&buf, "\tgeneric")
		}
		fmt.Fprintf(&buf, "\n")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing artifact manifest %q", path)
	}
	return nil
}
