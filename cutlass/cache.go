package cutlass

import (
	"io"
	"os"
	"time"

	"github.com/gomlx/cutlass-gomlx/types/dtypes"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tuning records persist across sessions as a parquet file: one row per
// signature. A cache written for one architecture is invalid for another;
// mismatched rows are dropped on load.

// cacheRow is the parquet schema of one tuning record.
// The parquet annotations are described in:
// https://pkg.go.dev/github.com/parquet-go/parquet-go#SchemaOf
type cacheRow struct {
	Signature string `parquet:"signature,snappy"`
	Arch      int32  `parquet:"arch"`
	TileM     int32  `parquet:"tile_m"`
	TileN     int32  `parquet:"tile_n"`
	TileK     int32  `parquet:"tile_k"`
	WarpM     int32  `parquet:"warp_m"`
	WarpN     int32  `parquet:"warp_n"`
	WarpK     int32  `parquet:"warp_k"`
	InstM     int32  `parquet:"inst_m"`
	InstN     int32  `parquet:"inst_n"`
	InstK     int32  `parquet:"inst_k"`
	Stages    int32  `parquet:"stages"`
	Accum     int32  `parquet:"accum_dtype"`
	LatencyNs int64  `parquet:"latency_ns"`
	Measured  bool   `parquet:"measured"`
}

func recordToRow(record TuningRecord) cacheRow {
	c := record.Candidate
	return cacheRow{
		Signature: record.Signature,
		Arch:      int32(record.Arch),
		TileM:     int32(c.TileM), TileN: int32(c.TileN), TileK: int32(c.TileK),
		WarpM: int32(c.WarpM), WarpN: int32(c.WarpN), WarpK: int32(c.WarpK),
		InstM: int32(c.InstM), InstN: int32(c.InstN), InstK: int32(c.InstK),
		Stages:    int32(c.Stages),
		Accum:     int32(c.Accum),
		LatencyNs: record.Latency.Nanoseconds(),
		Measured:  record.Measured,
	}
}

func rowToRecord(row cacheRow) TuningRecord {
	return TuningRecord{
		Signature: row.Signature,
		Arch:      Arch(row.Arch),
		Candidate: KernelCandidate{
			TileM: int(row.TileM), TileN: int(row.TileN), TileK: int(row.TileK),
			WarpM: int(row.WarpM), WarpN: int(row.WarpN), WarpK: int(row.WarpK),
			InstM: int(row.InstM), InstN: int(row.InstN), InstK: int(row.InstK),
			Stages: int(row.Stages),
			Accum:  dtypes.DType(row.Accum),
			Arch:   Arch(row.Arch),
		},
		Latency:  time.Duration(row.LatencyNs),
		Measured: row.Measured,
	}
}

// Save writes the store's records to a parquet file at path.
func (s *RecordStore) Save(path string) error {
	records := s.Records()
	rows := make([]cacheRow, len(records))
	for i, record := range records {
		rows[i] = recordToRow(record)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating tuning cache %q", path)
	}
	writer := parquet.NewGenericWriter[cacheRow](f)
	if _, err = writer.Write(rows); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing tuning cache %q", path)
	}
	if err = writer.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "closing tuning cache %q", path)
	}
	return errors.Wrapf(f.Close(), "closing tuning cache %q", path)
}

// LoadCache merges the records persisted at path into the store, skipping
// records tuned for a different architecture. A missing file is not an
// error: it simply means a cold cache.
func (s *RecordStore) LoadCache(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "opening tuning cache %q", path)
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat tuning cache %q", path)
	}

	// Parquet reading using parquet-go: to open the file, it needs its size.
	pFile, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return errors.Wrapf(err, "parsing tuning cache %q", path)
	}
	schema := parquet.SchemaOf(&cacheRow{})
	reader := parquet.NewGenericReader[cacheRow](pFile, schema)
	defer func() { _ = reader.Close() }()

	var loaded, dropped int
	rows := make([]cacheRow, 128)
	for {
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			record := rowToRecord(row)
			if record.Arch != s.arch {
				dropped++
				continue
			}
			if putErr := s.Put(record); putErr != nil {
				return putErr
			}
			loaded++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading tuning cache %q", path)
		}
	}
	if dropped > 0 {
		klog.Warningf("tuning cache %q: dropped %d records tuned for a different architecture", path, dropped)
	}
	klog.V(1).Infof("tuning cache %q: loaded %d records for %s", path, loaded, s.arch)
	return nil
}
