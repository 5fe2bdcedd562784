// Package memora is the database facade: it wires the append log,
// snapshot manager, graph/vector indices, and memory manager together
// behind Open/Close and the consumer-facing insert/query/snapshot API.
//
// A single struct owns every subsystem; a mutex stands in for a
// transaction boundary, serializing every mutating call. Every public
// method wraps its error in an Op-tagged wrapper.
package memora

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/liliang-cn/memora/graphidx"
	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/query"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/semmem"
	"github.com/liliang-cn/memora/snapshot"
	"github.com/liliang-cn/memora/vectoridx"
	"github.com/liliang-cn/memora/walog"
)

const logFileName = "memora.log"

// Stats is the facade half of GetStats: counters read directly from the
// live indices, plus the memory layer's own statistics.
type Stats struct {
	Nodes   int
	Edges   int
	Vectors int
	Memory  semmem.Statistics
}

// Database is the single-writer core: one mutex serializes every
// mutating call, so at most one goroutine ever touches the log or the
// indices at a time.
type Database struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger

	log     *walog.Log
	graph   *graphidx.Index
	vectors *vectoridx.Index
	engine  *query.Engine
	snap    *snapshot.Manager
	mem     *semmem.Manager

	lastSnapshotAt time.Time
	closed         bool
}

// New opens a database rooted at dataPath with default configuration.
func New(dataPath string) (*Database, error) {
	return NewWithConfig(DefaultConfig(dataPath))
}

// NewWithConfig opens (or creates) a database per cfg: it restores the
// latest usable snapshot (falling back through older ones on a partial
// manifest), replays the log tail after the restored cursor, and
// reconciles the memory manager's caches.
func NewWithConfig(cfg Config) (*Database, error) {
	if cfg.DataPath == "" {
		return nil, wrapErr("open", fmt.Errorf("%w: empty data path", ErrInvalidInput))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, wrapErr("open", fmt.Errorf("%w: %v", ErrIO, err))
	}

	snap, err := snapshot.New(cfg.DataPath, logger)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	graph := graphidx.New()
	restoreCursor, vectors, err := restoreFromSnapshots(snap, graph, cfg, logger)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	log, err := walog.Open(filepath.Join(cfg.DataPath, logFileName), walog.Config{
		FsyncWindow:               time.Duration(cfg.Log.FsyncWindowMs) * time.Millisecond,
		BackpressureHighWatermark: time.Duration(cfg.Log.BackpressureHighWatermarkMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	if err := replayLogTail(log, restoreCursor, graph, vectors); err != nil {
		log.Close()
		return nil, wrapErr("open", err)
	}

	db := &Database{
		cfg: cfg, logger: logger,
		log: log, graph: graph, vectors: vectors,
		engine: query.New(graph, vectors), snap: snap,
		lastSnapshotAt: time.Now(),
	}
	db.mem = semmem.New(storeAdapter{db: db}, logger)
	if err := db.mem.Recover(restoreCursor); err != nil {
		log.Close()
		return nil, wrapErr("open", err)
	}

	logger.Info("database opened", "data_path", cfg.DataPath, "restore_cursor", restoreCursor,
		"nodes", graph.NodeCount(), "edges", graph.EdgeCount(), "vectors", vectors.Size())
	return db, nil
}

// restoreFromSnapshots walks existing snapshots from newest to oldest,
// discarding a partial manifest or a manifest with a missing/mismatched
// sidecar and falling back to the next older snapshot. Only when no
// older snapshot remains to fall back to does a missing sidecar become
// fatal. It returns the log cursor to replay from and a vector index
// already populated (either by the persisted-index fast path or by
// inserting the loaded chunk vectors).
func restoreFromSnapshots(snap *snapshot.Manager, graph *graphidx.Index, cfg Config, logger logging.Logger) (uint64, *vectoridx.Index, error) {
	vectors := vectoridx.New(cfg.HNSW.toVectorIndexConfig())

	ids, err := snap.List()
	if err != nil {
		return 0, vectors, err
	}

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		manifest, err := snap.Load(id)
		if err != nil {
			if errors.Is(err, snapshot.ErrPartialManifest) {
				logger.Warn("discarding partial snapshot manifest, falling back", "snapshot_id", id)
				continue
			}
			return 0, vectors, err
		}

		nodes, edges, vecs, err := loadSnapshotData(snap, manifest)
		if err != nil {
			if errors.Is(err, snapshot.ErrMissingSidecar) {
				if i == 0 {
					return 0, vectors, wrapMissingSidecar(err)
				}
				logger.Warn("discarding snapshot with missing or corrupt sidecar, falling back", "snapshot_id", id)
				continue
			}
			return 0, vectors, err
		}

		for _, n := range nodes {
			graph.InsertNode(n)
		}
		for _, e := range edges {
			graph.InsertEdge(e)
		}

		if cfg.EnablePersistentIndexes {
			if idxSnap, ok, err := snap.LoadIndexSidecar(manifest); err != nil {
				logger.Warn("failed loading persisted index sidecar, falling back to replay", "snapshot_id", id, "err", err.Error())
			} else if ok {
				imported := vectoridx.Import(idxSnap)
				if imported.VectorCount() == len(vecs) {
					return manifest.LogCursor, imported, nil
				}
				logger.Warn("persisted index sidecar stale, falling back to vector replay", "snapshot_id", id)
			}
		}

		for _, v := range vecs {
			if err := vectors.Insert(v.ID, v.Dims); err != nil {
				return 0, vectors, err
			}
		}
		return manifest.LogCursor, vectors, nil
	}

	return 0, vectors, nil
}

// loadSnapshotData loads a manifest's node, edge, and vector sidecars
// without mutating the graph, so a load failure partway through never
// leaves the caller with a half-applied snapshot to unwind.
func loadSnapshotData(snap *snapshot.Manager, manifest snapshot.Manifest) ([]record.Node, []record.Edge, []record.Vector, error) {
	nodes, err := snap.LoadNodes(manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := snap.LoadEdges(manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	vecs, err := snap.LoadVectors(manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	return nodes, edges, vecs, nil
}

func wrapMissingSidecar(err error) error {
	if errors.Is(err, snapshot.ErrMissingSidecar) {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return err
}

// replayLogTail applies every node/edge/vector entry after cursor to
// bring the freshly-restored indices current with the log. Memory-content
// entries in the same range are the memory manager's own concern (see
// semmem.Manager.Recover), so they are skipped here.
func replayLogTail(log *walog.Log, cursor uint64, graph *graphidx.Index, vectors *vectoridx.Index) error {
	r, err := log.TailAfter(cursor)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		entry, ok, err := r.Next()
		if err != nil {
			return mapWalErr(err)
		}
		if !ok {
			return nil
		}
		switch entry.Kind {
		case record.KindNode:
			graph.InsertNode(entry.Node)
		case record.KindEdge:
			graph.InsertEdge(entry.Edge)
		case record.KindVector:
			if err := vectors.Insert(entry.Vector.ID, entry.Vector.Dims); err != nil {
				return err
			}
		case record.KindMemoryContent:
			// handled by semmem.Manager.Recover's own tail replay.
		}
	}
}

// Close flushes and closes the log. Idempotent.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return wrapErr("close", mapWalErr(db.log.Close()))
}

// InsertNode appends n to the log then mutates the graph index.
func (db *Database) InsertNode(n record.Node) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("insert_node", ErrClosed)
	}
	if err := db.appendNode(n); err != nil {
		return wrapErr("insert_node", err)
	}
	db.maybeAutoSnapshotLocked()
	return nil
}

func (db *Database) appendNode(n record.Node) error {
	if _, err := db.log.Append(record.KindNode, record.EncodeNode(n)); err != nil {
		return mapWalErr(err)
	}
	db.graph.InsertNode(n)
	return nil
}

// InsertEdge appends e to the log then mutates the graph index. Self-loops
// are rejected before the log append happens.
func (db *Database) InsertEdge(e record.Edge) error {
	if e.From == e.To {
		return wrapErr("insert_edge", fmt.Errorf("%w: self-loop id=%d", ErrInvalidInput, e.From))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("insert_edge", ErrClosed)
	}
	if err := db.appendEdge(e); err != nil {
		return wrapErr("insert_edge", err)
	}
	db.maybeAutoSnapshotLocked()
	return nil
}

func (db *Database) appendEdge(e record.Edge) error {
	if _, err := db.log.Append(record.KindEdge, record.EncodeEdge(e)); err != nil {
		return mapWalErr(err)
	}
	db.graph.InsertEdge(e)
	return nil
}

// InsertVector normalizes v to unit length, appends it to the log, then
// mutates the vector index. A zero-magnitude vector is InvalidInput.
func (db *Database) InsertVector(v record.Vector) error {
	unit, err := record.Normalize(v.Dims)
	if err != nil {
		return wrapErr("insert_vector", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	v.Dims = unit

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("insert_vector", ErrClosed)
	}
	if err := db.appendVector(v); err != nil {
		return wrapErr("insert_vector", err)
	}
	db.maybeAutoSnapshotLocked()
	return nil
}

func (db *Database) appendVector(v record.Vector) error {
	if _, err := db.log.Append(record.KindVector, record.EncodeVector(v)); err != nil {
		return mapWalErr(err)
	}
	if err := db.vectors.Insert(v.ID, v.Dims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// InsertBatch commits nodes, then edges, then vectors, as a single
// contiguous log range with the writer lease held throughout.
func (db *Database) InsertBatch(nodes []record.Node, edges []record.Edge, vectors []record.Vector) error {
	for _, e := range edges {
		if e.From == e.To {
			return wrapErr("insert_batch", fmt.Errorf("%w: self-loop id=%d", ErrInvalidInput, e.From))
		}
	}
	normalized := make([]record.Vector, len(vectors))
	for i, v := range vectors {
		unit, err := record.Normalize(v.Dims)
		if err != nil {
			return wrapErr("insert_batch", fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		v.Dims = unit
		normalized[i] = v
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("insert_batch", ErrClosed)
	}
	for _, n := range nodes {
		if err := db.appendNode(n); err != nil {
			return wrapErr("insert_batch", err)
		}
	}
	for _, e := range edges {
		if err := db.appendEdge(e); err != nil {
			return wrapErr("insert_batch", err)
		}
	}
	for _, v := range normalized {
		if err := db.appendVector(v); err != nil {
			return wrapErr("insert_batch", err)
		}
	}
	db.maybeAutoSnapshotLocked()
	return nil
}

// QueryRelated runs a bounded-depth BFS from id.
func (db *Database) QueryRelated(id uint64, depth int) ([]record.Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, wrapErr("query_related", ErrClosed)
	}
	nodes, err := db.engine.QueryRelated(id, depth)
	if err != nil {
		return nil, wrapErr("query_related", mapQueryErr(err))
	}
	return nodes, nil
}

// QuerySimilar runs a top-k vector search seeded by id's stored vector.
func (db *Database) QuerySimilar(id uint64, k int) ([]query.SimilarResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, wrapErr("query_similar", ErrClosed)
	}
	results, err := db.engine.QuerySimilar(id, k)
	if err != nil {
		return nil, wrapErr("query_similar", mapQueryErr(err))
	}
	return results, nil
}

// QueryHybrid unions a bounded-depth BFS and a top-k vector search from id.
func (db *Database) QueryHybrid(id uint64, depth, k int) (query.HybridResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return query.HybridResult{}, wrapErr("query_hybrid", ErrClosed)
	}
	result, err := db.engine.QueryHybrid(id, depth, k)
	if err != nil {
		return query.HybridResult{}, wrapErr("query_hybrid", mapQueryErr(err))
	}
	return result, nil
}

// GetStats returns counters read live from the indices and memory manager.
func (db *Database) GetStats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stats{
		Nodes:   db.graph.NodeCount(),
		Edges:   db.graph.EdgeCount(),
		Vectors: db.vectors.Size(),
		Memory:  db.mem.GetStatistics(),
	}
}

// CreateSnapshot flushes the log, materializes the full current index
// state, and delegates to the snapshot manager. The writer lease (db.mu)
// is held for the whole call, which is how this facade quiesces writes
// while a snapshot is taken — there is no separate reader path to block.
func (db *Database) CreateSnapshot() (snapshot.Manifest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return snapshot.Manifest{}, wrapErr("create_snapshot", ErrClosed)
	}
	manifest, err := db.snapshotLocked()
	if err != nil {
		return snapshot.Manifest{}, wrapErr("create_snapshot", err)
	}
	return manifest, nil
}

// Compact creates a snapshot and then truncates the log prefix before its
// cursor, per the optional Compact supplemented feature. Off by default;
// callers opt in explicitly by calling it.
func (db *Database) Compact() (snapshot.Manifest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return snapshot.Manifest{}, wrapErr("compact", ErrClosed)
	}
	manifest, err := db.snapshotLocked()
	if err != nil {
		return snapshot.Manifest{}, wrapErr("compact", err)
	}
	if err := db.log.TruncatePrefix(manifest.LogCursor); err != nil {
		return snapshot.Manifest{}, wrapErr("compact", mapWalErr(err))
	}
	return manifest, nil
}

func (db *Database) snapshotLocked() (snapshot.Manifest, error) {
	if err := db.log.Fsync(); err != nil {
		return snapshot.Manifest{}, mapWalErr(err)
	}
	cursor := db.log.NextSeq() - 1

	vecSnap := db.vectors.Export()
	vecs := make([]record.Vector, 0, len(vecSnap.Vectors))
	for id, dims := range vecSnap.Vectors {
		vecs = append(vecs, record.Vector{ID: id, Dims: dims})
	}

	manifest, err := db.snap.Create(snapshot.CreateInput{
		Nodes:            db.graph.AllNodes(),
		Edges:            db.graph.AllEdges(),
		Vectors:          vecs,
		PendingContent:   db.mem.AllContent(),
		LogCursor:        cursor,
		VectorIndex:      db.vectors,
		PersistIndex:     db.cfg.EnablePersistentIndexes,
		CreatedAtISO8601: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return snapshot.Manifest{}, err
	}
	db.lastSnapshotAt = time.Now()
	return manifest, nil
}

// maybeAutoSnapshotLocked triggers a snapshot if AutoSnapshotInterval is
// set and has elapsed since the last one. Called after every successful
// mutating call; a failure here is logged, not propagated, since the
// write it follows already succeeded.
func (db *Database) maybeAutoSnapshotLocked() {
	if db.cfg.AutoSnapshotInterval <= 0 {
		return
	}
	if time.Since(db.lastSnapshotAt) < db.cfg.AutoSnapshotInterval {
		return
	}
	if _, err := db.snapshotLocked(); err != nil {
		db.logger.Warn("automatic snapshot failed", "err", err.Error())
	}
}

func mapWalErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, walog.ErrBackpressure):
		return ErrBackpressure
	case errors.Is(err, walog.ErrCorruption):
		return ErrCorruption
	case errors.Is(err, walog.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

func mapQueryErr(err error) error {
	if errors.Is(err, query.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
