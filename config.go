package memora

import (
	"time"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/vectoridx"
)

// HNSWConfig holds the tunables for the vector index's construction and
// search.
type HNSWConfig struct {
	M              int   `json:"m"`
	EfConstruction int   `json:"efConstruction"`
	EfSearch       int   `json:"efSearch"`
	Seed           int64 `json:"seed"`
}

// DefaultHNSWConfig returns the vector index's stated defaults.
func DefaultHNSWConfig() HNSWConfig {
	d := vectoridx.DefaultConfig()
	return HNSWConfig{M: d.M, EfConstruction: d.EfConstruction, EfSearch: d.EfSearch, Seed: d.Seed}
}

func (c HNSWConfig) toVectorIndexConfig() vectoridx.Config {
	return vectoridx.Config{M: c.M, EfConstruction: c.EfConstruction, EfSearch: c.EfSearch, Seed: c.Seed}
}

// LogConfig controls the append log's commit and admission-control policy.
type LogConfig struct {
	FsyncWindowMs               int `json:"fsyncWindowMs"`
	BackpressureHighWatermarkMs int `json:"backpressureHighWatermarkMs"`
}

// DefaultLogConfig batches fsyncs within a 1ms window and refuses new
// writes once append latency crosses 250ms.
func DefaultLogConfig() LogConfig {
	return LogConfig{FsyncWindowMs: 1, BackpressureHighWatermarkMs: 250}
}

// Config is the top-level facade configuration: a flat struct of nested
// config blocks plus a DefaultConfig constructor.
type Config struct {
	// DataPath is the directory holding memora.log and snapshots/.
	DataPath string `json:"dataPath"`

	// AutoSnapshotInterval, when non-zero, makes every mutating call
	// (InsertNode/Edge/Vector, InsertBatch) check how long it has been
	// since the last snapshot and trigger one itself once that interval
	// has elapsed. Zero disables automatic snapshotting; callers still
	// have CreateSnapshot for on-demand use.
	AutoSnapshotInterval time.Duration `json:"autoSnapshotInterval"`

	// EnablePersistentIndexes turns on the gob HNSW sidecar fast path
	// (see the Persisted-index fast path supplemented feature).
	EnablePersistentIndexes bool `json:"enablePersistentIndexes"`

	HNSW HNSWConfig `json:"hnsw"`
	Log  LogConfig  `json:"log"`

	// VectorDimension records the dimensionality every stored vector must
	// have; only 128 is currently valid.
	VectorDimension int `json:"vectorDimension"`

	// Logger defaults to a zerolog console writer at info level when nil.
	Logger logging.Logger `json:"-"`
}

// DefaultConfig returns the facade's stated defaults for a database
// rooted at dataPath.
func DefaultConfig(dataPath string) Config {
	return Config{
		DataPath:                dataPath,
		AutoSnapshotInterval:    0,
		EnablePersistentIndexes: false,
		HNSW:                    DefaultHNSWConfig(),
		Log:                     DefaultLogConfig(),
		VectorDimension:         128,
	}
}
