package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/record"
	"github.com/stretchr/testify/require"
)

func mustManager(t *testing.T) *Manager {
	m, err := New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return m
}

func sampleNode(id uint64) record.Node {
	var n record.Node
	n.ID = id
	copy(n.Label[:], "n")
	return n
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	m := mustManager(t)

	nodes := []record.Node{sampleNode(1), sampleNode(2)}
	edges := []record.Edge{{From: 1, To: 2, Kind: record.EdgeRelated}}
	vectors := []record.Vector{{ID: 1}, {ID: 2}}
	content := []record.ContentBlob{{MemoryID: 1, Content: []byte("hello")}}

	manifest, err := m.Create(CreateInput{
		Nodes: nodes, Edges: edges, Vectors: vectors,
		PendingContent: content, LogCursor: 5, ChunkSize: 1,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), manifest.SnapshotID)
	require.Equal(t, uint64(5), manifest.LogCursor)

	gotNodes, err := m.LoadNodes(manifest)
	require.NoError(t, err)
	require.Len(t, gotNodes, 2)

	gotEdges, err := m.LoadEdges(manifest)
	require.NoError(t, err)
	require.Len(t, gotEdges, 1)

	gotVectors, err := m.LoadVectors(manifest)
	require.NoError(t, err)
	require.Len(t, gotVectors, 2)

	gotContent, err := m.LoadMemoryContents(manifest)
	require.NoError(t, err)
	require.Len(t, gotContent, 1)
	require.Equal(t, "hello", string(gotContent[0].Content))
}

func TestCreateTwiceProducesDistinctManifests(t *testing.T) {
	m := mustManager(t)

	m1, err := m.Create(CreateInput{Nodes: []record.Node{sampleNode(1)}, LogCursor: 1})
	require.NoError(t, err)
	m2, err := m.Create(CreateInput{Nodes: []record.Node{sampleNode(1)}, LogCursor: 1})
	require.NoError(t, err)

	require.NotEqual(t, m1.SnapshotID, m2.SnapshotID)

	ids, err := m.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, ids)
}

func TestLoadMissingManifestIsPartial(t *testing.T) {
	m := mustManager(t)
	_, err := m.Load(999)
	require.ErrorIs(t, err, ErrPartialManifest)
}

func TestLoadMissingSidecarIsFatal(t *testing.T) {
	m := mustManager(t)
	manifest, err := m.Create(CreateInput{Nodes: []record.Node{sampleNode(1)}, LogCursor: 1})
	require.NoError(t, err)

	// S6: delete a sidecar the manifest references.
	sidecarPath := filepath.Join(m.snapshotDir(manifest.SnapshotID), manifest.NodeFiles[0].Path)
	require.NoError(t, os.Remove(sidecarPath))

	_, err = m.LoadNodes(manifest)
	require.ErrorIs(t, err, ErrMissingSidecar)
}

func TestScanOrphanContentFindsUnreferencedFiles(t *testing.T) {
	m := mustManager(t)

	// Simulate a partially-committed snapshot: content written but the
	// manifest never referenced it.
	orphanBlobs, err := m.writeContentBlobs([]record.ContentBlob{{MemoryID: 42, Content: []byte("orphan")}})
	require.NoError(t, err)
	require.Len(t, orphanBlobs, 1)

	got, err := m.ScanOrphanContent(map[string]bool{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(42), got[0].MemoryID)
}
