// Package snapshot implements the snapshot manager: it writes immutable
// manifests referencing sidecar chunk files, manages the shared
// out-of-band content-blob files, and enumerates/loads snapshots on
// restore.
//
// A snapshot directory holds a manifest.json plus binary sidecar chunk
// files for nodes, edges, and vectors, and optionally a gob-encoded HNSW
// index sidecar for the persisted-index fast path.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/vectoridx"
)

// ErrPartialManifest is returned by Load when a snapshot's manifest.json
// cannot be read (for example, it is absent) or fails to parse. With the
// write-temp+rename discipline, a process that dies before the rename
// leaves a snapshot directory with no manifest.json at all.
// Callers should discard this snapshot and fall back to the prior one.
var ErrPartialManifest = errors.New("snapshot: partial or corrupt manifest")

// ErrMissingSidecar is returned when a manifest references a sidecar file
// that does not exist or whose element count does not match the manifest.
// The snapshot that produced it is unusable; the facade falls back to an
// older snapshot and treats it as fatal corruption only when no older
// snapshot remains.
var ErrMissingSidecar = errors.New("snapshot: missing or mismatched sidecar file")

const (
	snapshotsDirName      = "snapshots"
	contentDirName        = "memory_contents"
	manifestFileName      = "manifest.json"
	indexSidecarFileName  = "hnsw-index.gob"
	defaultChunkSize      = 4096
)

// FileRef names a sidecar file relative to its snapshot directory along
// with the number of fixed records it holds, since chunk files carry no
// internal framing.
type FileRef struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Counters summarizes a snapshot's aggregate record counts.
type Counters struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Vectors int `json:"vectors"`
}

// Manifest is the immutable, JSON-serialized description of one snapshot.
type Manifest struct {
	SnapshotID         uint64    `json:"snapshot_id"`
	CreatedAt          string    `json:"created_at"`
	Counters           Counters  `json:"counters"`
	NodeFiles          []FileRef `json:"node_files"`
	EdgeFiles          []FileRef `json:"edge_files"`
	VectorFiles        []FileRef `json:"vector_files"`
	MemoryContentFiles []string  `json:"memory_content_files"`
	LogCursor          uint64    `json:"log_cursor"`
	HasIndexSidecar    bool      `json:"has_index_sidecar"`
}

// Manager owns the on-disk snapshots/ and memory_contents/ directories
// under a data directory.
type Manager struct {
	baseDir string
	logger  logging.Logger
}

// New returns a Manager rooted at baseDir, creating its subdirectories if
// they do not exist.
func New(baseDir string, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, snapshotsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir snapshots: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, contentDirName), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir memory_contents: %w", err)
	}
	return &Manager{baseDir: baseDir, logger: logger}, nil
}

func (m *Manager) snapshotDir(id uint64) string {
	return filepath.Join(m.baseDir, snapshotsDirName, strconv.FormatUint(id, 10))
}

func (m *Manager) contentDir() string {
	return filepath.Join(m.baseDir, contentDirName)
}

// List returns every existing snapshot id, ascending.
func (m *Manager) List() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, snapshotsDirName))
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// nextID returns one past the highest existing snapshot id.
func (m *Manager) nextID() (uint64, error) {
	ids, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	return ids[len(ids)-1] + 1, nil
}

// CreateInput bundles everything Create needs to serialize a snapshot.
type CreateInput struct {
	Nodes            []record.Node
	Edges            []record.Edge
	Vectors          []record.Vector
	PendingContent   []record.ContentBlob
	LogCursor        uint64
	ChunkSize        int
	VectorIndex      *vectoridx.Index // non-nil to also persist the gob sidecar
	PersistIndex     bool
	CreatedAtISO8601 string
}

// Create writes a new immutable snapshot: sidecar chunk files, content
// blob files, and finally the manifest via write-temp-then-rename. Returns
// the written manifest.
func (m *Manager) Create(in CreateInput) (Manifest, error) {
	chunkSize := in.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	id, err := m.nextID()
	if err != nil {
		return Manifest{}, err
	}
	dir := m.snapshotDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}

	nodeFiles, err := writeChunks(dir, "nodes", chunkSize, in.Nodes, record.EncodeNode)
	if err != nil {
		return Manifest{}, err
	}
	edgeFiles, err := writeChunks(dir, "edges", chunkSize, in.Edges, record.EncodeEdge)
	if err != nil {
		return Manifest{}, err
	}
	vectorFiles, err := writeChunks(dir, "vectors", chunkSize, in.Vectors, record.EncodeVector)
	if err != nil {
		return Manifest{}, err
	}

	contentNames, err := m.writeContentBlobs(in.PendingContent)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		SnapshotID: id,
		CreatedAt:  in.CreatedAtISO8601,
		Counters: Counters{
			Nodes:   len(in.Nodes),
			Edges:   len(in.Edges),
			Vectors: len(in.Vectors),
		},
		NodeFiles:          nodeFiles,
		EdgeFiles:          edgeFiles,
		VectorFiles:        vectorFiles,
		MemoryContentFiles: contentNames,
		LogCursor:          in.LogCursor,
	}

	if in.PersistIndex && in.VectorIndex != nil {
		if err := writeIndexSidecar(dir, in.VectorIndex); err != nil {
			// The gob sidecar is a pure optimization; failing to write it
			// must not fail the snapshot itself.
			m.logger.Warn("failed to write persisted-index sidecar", "err", err.Error())
		} else {
			manifest.HasIndexSidecar = true
		}
	}

	if err := m.writeManifestAtomic(dir, manifest); err != nil {
		return Manifest{}, err
	}

	m.logger.Info("snapshot created", "snapshot_id", id, "log_cursor", in.LogCursor,
		"nodes", manifest.Counters.Nodes, "edges", manifest.Counters.Edges, "vectors", manifest.Counters.Vectors)
	return manifest, nil
}

func (m *Manager) writeManifestAtomic(dir string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	tmpPath := filepath.Join(dir, manifestFileName+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, manifestFileName)); err != nil {
		return fmt.Errorf("snapshot: rename manifest: %w", err)
	}
	return nil
}

// contentFile is the on-disk JSON shape of one memory_contents/<uuid>.json
// file. Content is UTF-8 text, so it's carried as a plain JSON string
// rather than base64.
type contentFile struct {
	MemoryID uint64 `json:"memory_id"`
	Content  string `json:"content"`
}

func (m *Manager) writeContentBlobs(blobs []record.ContentBlob) ([]string, error) {
	names := make([]string, 0, len(blobs))
	for _, b := range blobs {
		name := uuid.NewString() + ".json"
		data, err := json.Marshal(contentFile{MemoryID: b.MemoryID, Content: string(b.Content)})
		if err != nil {
			return nil, fmt.Errorf("snapshot: marshal content blob: %w", err)
		}
		path := filepath.Join(m.contentDir(), name)
		tmp := path + ".tmp-" + uuid.NewString()
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return nil, fmt.Errorf("snapshot: write content blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return nil, fmt.Errorf("snapshot: rename content blob: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// ReadMemoryContentFile loads and decodes a single memory_contents/<uuid>.json
// file by its filename (relative to the content directory).
func (m *Manager) ReadMemoryContentFile(name string) (record.ContentBlob, error) {
	data, err := os.ReadFile(filepath.Join(m.contentDir(), name))
	if err != nil {
		return record.ContentBlob{}, fmt.Errorf("snapshot: read content file %s: %w", name, err)
	}
	var cf contentFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return record.ContentBlob{}, fmt.Errorf("snapshot: decode content file %s: %w", name, err)
	}
	return record.ContentBlob{MemoryID: cf.MemoryID, Content: []byte(cf.Content)}, nil
}

// Load reads and parses one manifest by id.
func (m *Manager) Load(id uint64) (Manifest, error) {
	path := filepath.Join(m.snapshotDir(id), manifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrPartialManifest, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrPartialManifest, err)
	}
	return manifest, nil
}

// LoadNodes reads and concatenation-decodes every node sidecar file
// referenced by manifest, in order, verifying each file's element count.
func (m *Manager) LoadNodes(manifest Manifest) ([]record.Node, error) {
	dir := m.snapshotDir(manifest.SnapshotID)
	var out []record.Node
	for _, ref := range manifest.NodeFiles {
		recs, err := readChunkFile(dir, ref, record.NodeSize, record.DecodeNode)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LoadEdges is LoadNodes's counterpart for edges.
func (m *Manager) LoadEdges(manifest Manifest) ([]record.Edge, error) {
	dir := m.snapshotDir(manifest.SnapshotID)
	var out []record.Edge
	for _, ref := range manifest.EdgeFiles {
		recs, err := readChunkFile(dir, ref, record.EdgeSize, record.DecodeEdge)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LoadVectors is LoadNodes's counterpart for vectors.
func (m *Manager) LoadVectors(manifest Manifest) ([]record.Vector, error) {
	dir := m.snapshotDir(manifest.SnapshotID)
	var out []record.Vector
	for _, ref := range manifest.VectorFiles {
		recs, err := readChunkFile(dir, ref, record.VectorSize, record.DecodeVector)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LoadMemoryContents loads every content blob referenced by manifest.
func (m *Manager) LoadMemoryContents(manifest Manifest) ([]record.ContentBlob, error) {
	out := make([]record.ContentBlob, 0, len(manifest.MemoryContentFiles))
	for _, name := range manifest.MemoryContentFiles {
		blob, err := m.ReadMemoryContentFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, nil
}

// ScanOrphanContent lists memory_contents/*.json files not present in
// referenced, and loads them — content files written by a Create that
// crashed before its manifest landed end up here rather than in a manifest.
func (m *Manager) ScanOrphanContent(referenced map[string]bool) ([]record.ContentBlob, error) {
	entries, err := os.ReadDir(m.contentDir())
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan content dir: %w", err)
	}
	var out []record.ContentBlob
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.Contains(e.Name(), ".tmp-") {
			continue
		}
		if referenced[e.Name()] {
			continue
		}
		blob, err := m.ReadMemoryContentFile(e.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable orphan content file", "file", e.Name(), "err", err.Error())
			continue
		}
		out = append(out, blob)
	}
	return out, nil
}

// LoadIndexSidecar loads the gob-encoded HNSW snapshot for manifest, if
// present, verifying its vector count against the manifest's vector
// counter before returning it — a mismatch means the sidecar is stale and
// the caller must rebuild the index from the vector chunk files instead.
func (m *Manager) LoadIndexSidecar(manifest Manifest) (vectoridx.Snapshot, bool, error) {
	if !manifest.HasIndexSidecar {
		return vectoridx.Snapshot{}, false, nil
	}
	path := filepath.Join(m.snapshotDir(manifest.SnapshotID), indexSidecarFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return vectoridx.Snapshot{}, false, fmt.Errorf("%w: index sidecar: %v", ErrMissingSidecar, err)
	}
	var snap vectoridx.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return vectoridx.Snapshot{}, false, fmt.Errorf("%w: index sidecar decode: %v", ErrMissingSidecar, err)
	}
	if len(snap.Vectors) != manifest.Counters.Vectors {
		return vectoridx.Snapshot{}, false, nil // stale; caller falls back silently
	}
	return snap, true, nil
}

func writeIndexSidecar(dir string, idx *vectoridx.Index) error {
	snap := idx.Export()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("snapshot: encode index sidecar: %w", err)
	}
	path := filepath.Join(dir, indexSidecarFileName)
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("snapshot: write index sidecar: %w", err)
	}
	return os.Rename(tmp, path)
}

// writeChunks splits items into fixed-size chunks and writes each as a
// concatenation of encode(item) with no per-record framing.
func writeChunks[T any](dir, prefix string, chunkSize int, items []T, encode func(T) []byte) ([]FileRef, error) {
	var refs []FileRef
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		var buf bytes.Buffer
		for _, it := range chunk {
			buf.Write(encode(it))
		}
		name := fmt.Sprintf("%s-%d.bin", prefix, start/chunkSize)
		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("snapshot: write chunk %s: %w", name, err)
		}
		refs = append(refs, FileRef{Path: name, Count: len(chunk)})
	}
	return refs, nil
}

func readChunkFile[T any](dir string, ref FileRef, recordSize int, decode func([]byte) (T, error)) ([]T, error) {
	path := filepath.Join(dir, ref.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingSidecar, ref.Path, err)
	}
	if len(data) != ref.Count*recordSize {
		return nil, fmt.Errorf("%w: %s: expected %d records (%d bytes), got %d bytes",
			ErrMissingSidecar, ref.Path, ref.Count, ref.Count*recordSize, len(data))
	}
	out := make([]T, 0, ref.Count)
	for off := 0; off < len(data); off += recordSize {
		rec, err := decode(data[off : off+recordSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingSidecar, ref.Path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
