package memora

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/record"
	"github.com/stretchr/testify/require"
)

// sidecarPath returns the on-disk path of the named sidecar file in a
// snapshot's directory, so a test can delete it to simulate a
// corrupted/missing sidecar.
func sidecarPath(dataPath string, snapshotID uint64, name string) string {
	return filepath.Join(dataPath, "snapshots", strconv.FormatUint(snapshotID, 10), name)
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = logging.Nop()
	return cfg
}

func unitVector(seed int64) [record.VectorDim]float32 {
	rng := rand.New(rand.NewSource(seed))
	var v [record.VectorDim]float32
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	u, _ := record.Normalize(v)
	return u
}

func nodeWithLabel(id uint64, label string) record.Node {
	var n record.Node
	n.ID = id
	copy(n.Label[:], label)
	return n
}

func TestOpenCloseEmptyDatabase(t *testing.T) {
	db, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	stats := db.GetStats()
	require.Equal(t, 0, stats.Nodes)
	require.Equal(t, 0, stats.Edges)
	require.Equal(t, 0, stats.Vectors)
}

func TestInsertNodeEdgeVectorAndQuery(t *testing.T) {
	db, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "a")))
	require.NoError(t, db.InsertNode(nodeWithLabel(2, "b")))
	require.NoError(t, db.InsertEdge(record.Edge{From: 1, To: 2, Kind: record.EdgeRelated}))
	require.NoError(t, db.InsertVector(record.Vector{ID: 1, Dims: unitVector(1)}))
	require.NoError(t, db.InsertVector(record.Vector{ID: 2, Dims: unitVector(2)}))

	related, err := db.QueryRelated(1, 1)
	require.NoError(t, err)
	require.Len(t, related, 2)

	similar, err := db.QuerySimilar(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), similar[0].ID)

	hybrid, err := db.QueryHybrid(1, 1, 2)
	require.NoError(t, err)
	require.Len(t, hybrid.RelatedNodes, 2)
	require.NotEmpty(t, hybrid.SimilarVectors)

	stats := db.GetStats()
	require.Equal(t, 2, stats.Nodes)
	require.Equal(t, 1, stats.Edges)
	require.Equal(t, 2, stats.Vectors)
}

func TestInsertEdgeRejectsSelfLoop(t *testing.T) {
	db, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	err = db.InsertEdge(record.Edge{From: 1, To: 1, Kind: record.EdgeLinks})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestInsertBatchCommitsNodesThenEdgesThenVectors(t *testing.T) {
	db, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	nodes := []record.Node{nodeWithLabel(1, "a"), nodeWithLabel(2, "b")}
	edges := []record.Edge{{From: 1, To: 2, Kind: record.EdgeRelated}}
	vectors := []record.Vector{{ID: 1, Dims: unitVector(1)}, {ID: 2, Dims: unitVector(2)}}

	require.NoError(t, db.InsertBatch(nodes, edges, vectors))

	stats := db.GetStats()
	require.Equal(t, 2, stats.Nodes)
	require.Equal(t, 1, stats.Edges)
	require.Equal(t, 2, stats.Vectors)
}

// Insert nodes/edges/vectors and a memory, snapshot, close, reopen, and
// confirm everything is visible and byte-identical where it matters
// (label bytes, vector unit-ness, memory content).
func TestSnapshotAndRestartRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewWithConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "alpha")))
	require.NoError(t, db.InsertNode(nodeWithLabel(2, "beta")))
	require.NoError(t, db.InsertEdge(record.Edge{From: 1, To: 2, Kind: record.EdgeRelated}))
	require.NoError(t, db.InsertVector(record.Vector{ID: 1, Dims: unitVector(7)}))

	memID, err := db.StoreMemory(MemoryTypeFact, "the sky is blue", DefaultStoreOptions())
	require.NoError(t, err)

	_, err = db.CreateSnapshot()
	require.NoError(t, err)

	require.NoError(t, db.Close())

	db2, err := NewWithConfig(cfg)
	require.NoError(t, err)
	defer db2.Close()

	related, err := db2.QueryRelated(1, 1)
	require.NoError(t, err)
	require.Len(t, related, 2)

	vecResults, err := db2.QuerySimilar(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vecResults[0].ID)

	mem, err := db2.GetMemory(memID)
	require.NoError(t, err)
	require.NotNil(t, mem)
	require.Equal(t, "the sky is blue", mem.Content)
	require.Len(t, mem.Embedding, record.VectorDim)
}

func TestCreateSnapshotTwiceProducesDistinctManifests(t *testing.T) {
	db, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "a")))

	m1, err := db.CreateSnapshot()
	require.NoError(t, err)
	m2, err := db.CreateSnapshot()
	require.NoError(t, err)
	require.NotEqual(t, m1.SnapshotID, m2.SnapshotID)
}

func TestForgetMemorySurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewWithConfig(cfg)
	require.NoError(t, err)

	id, err := db.StoreMemory(MemoryTypeFact, "forget me", DefaultStoreOptions())
	require.NoError(t, err)
	require.NoError(t, db.ForgetMemory(id))
	require.NoError(t, db.Close())

	db2, err := NewWithConfig(cfg)
	require.NoError(t, err)
	defer db2.Close()

	mem, err := db2.GetMemory(id)
	require.NoError(t, err)
	require.Nil(t, mem)
}

func TestCompactTruncatesLogPrefix(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewWithConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "a")))
	require.NoError(t, db.InsertNode(nodeWithLabel(2, "b")))
	_, err = db.Compact()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := NewWithConfig(cfg)
	require.NoError(t, err)
	defer db2.Close()

	stats := db2.GetStats()
	require.Equal(t, 2, stats.Nodes)
}

// A newer snapshot whose sidecar has gone missing must not be fatal as
// long as an older snapshot is still available: restore discards the
// unusable manifest and falls back to it, then replays the log tail to
// bring the state back current.
func TestRestoreFallsBackToOlderSnapshotOnCorruptSidecar(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewWithConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "a")))
	_, err = db.CreateSnapshot()
	require.NoError(t, err)

	require.NoError(t, db.InsertNode(nodeWithLabel(2, "b")))
	m2, err := db.CreateSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, m2.NodeFiles)

	require.NoError(t, db.Close())

	require.NoError(t, os.Remove(sidecarPath(cfg.DataPath, m2.SnapshotID, m2.NodeFiles[0].Path)))

	db2, err := NewWithConfig(cfg)
	require.NoError(t, err)
	defer db2.Close()

	// The log was never truncated, so falling back to m1 and replaying
	// the tail still reconstructs the full current state, including the
	// node written after m1 was taken.
	stats := db2.GetStats()
	require.Equal(t, 2, stats.Nodes)
	related, err := db2.QueryRelated(1, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
}

// With no older snapshot to fall back to, a missing sidecar is fatal:
// Open must return an error wrapping ErrCorruption rather than silently
// starting from an empty database.
func TestRestoreFailsWithCorruptionWhenNoOlderSnapshotExists(t *testing.T) {
	cfg := testConfig(t)

	db, err := NewWithConfig(cfg)
	require.NoError(t, err)

	require.NoError(t, db.InsertNode(nodeWithLabel(1, "a")))
	manifest, err := db.CreateSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, manifest.NodeFiles)

	require.NoError(t, db.Close())

	require.NoError(t, os.Remove(sidecarPath(cfg.DataPath, manifest.SnapshotID, manifest.NodeFiles[0].Path)))

	_, err = NewWithConfig(cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorruption)
}
