package memora

import (
	"errors"
	"fmt"

	"github.com/liliang-cn/memora/query"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/semmem"
)

// Aliases so callers of this package never need to import semmem directly
// — the memory manager's types are part of the facade's public surface.
type (
	Memory            = semmem.Memory
	MemoryType        = semmem.MemoryType
	Confidence        = semmem.Confidence
	Importance        = semmem.Importance
	Source            = semmem.Source
	Session           = semmem.Session
	StoreOptions      = semmem.StoreOptions
	MemoryQuery       = semmem.MemoryQuery
	MemoryQueryResult = semmem.MemoryQueryResult
	MemoryStatistics  = semmem.Statistics
	EmbedFunc         = semmem.EmbedFunc
)

const (
	MemoryTypeFact        = semmem.MemoryTypeFact
	MemoryTypeExperience  = semmem.MemoryTypeExperience
	MemoryTypePreference  = semmem.MemoryTypePreference
	MemoryTypeContext     = semmem.MemoryTypeContext
	MemoryTypeObservation = semmem.MemoryTypeObservation

	ConfidenceLow      = semmem.ConfidenceLow
	ConfidenceMedium   = semmem.ConfidenceMedium
	ConfidenceHigh     = semmem.ConfidenceHigh
	ConfidenceCertain  = semmem.ConfidenceCertain
	ImportanceLow      = semmem.ImportanceLow
	ImportanceMedium   = semmem.ImportanceMedium
	ImportanceHigh     = semmem.ImportanceHigh
	ImportanceCritical = semmem.ImportanceCritical

	SourceUnspecified = semmem.SourceUnspecified
	SourceUser        = semmem.SourceUser
	SourceSystem      = semmem.SourceSystem
	SourceInferred    = semmem.SourceInferred
	SourceExternal    = semmem.SourceExternal
)

// DefaultStoreOptions returns semmem's default store_memory options.
func DefaultStoreOptions() StoreOptions { return semmem.DefaultStoreOptions() }

// storeAdapter is the Store handle the memory manager borrows from the
// facade — it exists so semmem never imports this package back. Its
// methods assume the caller already holds db.mu (every entry point below
// does), matching appendNode/appendEdge's own no-internal-locking
// convention.
type storeAdapter struct{ db *Database }

func (s storeAdapter) InsertNode(n record.Node) error { return s.db.appendNode(n) }
func (s storeAdapter) InsertEdge(e record.Edge) error { return s.db.appendEdge(e) }
func (s storeAdapter) InsertVector(v record.Vector) error { return s.db.appendVector(v) }

func (s storeAdapter) AppendContent(c record.ContentBlob) (uint64, error) {
	return s.db.appendContent(c)
}

func (s storeAdapter) GetNode(id uint64) (record.Node, bool) { return s.db.graph.GetNode(id) }

func (s storeAdapter) GetVector(id uint64) ([record.VectorDim]float32, bool) {
	return s.db.vectors.Get(id)
}

func (s storeAdapter) OutgoingEdges(id uint64) []record.Edge { return s.db.graph.OutgoingEdges(id) }

func (s storeAdapter) QueryRelated(id uint64, depth int) ([]record.Node, error) {
	return s.db.graph.QueryRelated(id, depth)
}

func (s storeAdapter) QuerySimilarByVector(v [record.VectorDim]float32, k int) ([]query.SimilarResult, error) {
	return s.db.engine.QuerySimilarByVector(v, k)
}

func (s storeAdapter) AllSnapshotIDs() ([]uint64, error) { return s.db.snap.List() }

func (s storeAdapter) SnapshotContent(id uint64) ([]record.ContentBlob, []string, error) {
	manifest, err := s.db.snap.Load(id)
	if err != nil {
		return nil, nil, err
	}
	contents, err := s.db.snap.LoadMemoryContents(manifest)
	if err != nil {
		return nil, nil, err
	}
	return contents, manifest.MemoryContentFiles, nil
}

func (s storeAdapter) ScanOrphanContent(referenced map[string]bool) ([]record.ContentBlob, error) {
	return s.db.snap.ScanOrphanContent(referenced)
}

func (s storeAdapter) ReplayContentAfter(cursor uint64) ([]record.ContentBlob, error) {
	r, err := s.db.log.TailAfter(cursor)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []record.ContentBlob
	for {
		entry, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if entry.Kind == record.KindMemoryContent {
			out = append(out, entry.Content)
		}
	}
}

func (db *Database) appendContent(c record.ContentBlob) (uint64, error) {
	seq, err := db.log.Append(record.KindMemoryContent, record.EncodeContentBlob(c))
	if err != nil {
		return 0, mapWalErr(err)
	}
	return seq, nil
}

func mapMemErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, semmem.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, semmem.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}

// StoreMemory stores a new typed memory and returns its id.
func (db *Database) StoreMemory(memType MemoryType, content string, opts StoreOptions) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, wrapErr("store_memory", ErrClosed)
	}
	id, err := db.mem.StoreMemory(memType, content, opts)
	if err != nil {
		return 0, wrapErr("store_memory", mapMemErr(err))
	}
	return id, nil
}

// GetMemory returns a memory by id. A forgotten or content-less memory
// returns (nil, nil), never a placeholder.
func (db *Database) GetMemory(id uint64) (*Memory, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, wrapErr("get_memory", ErrClosed)
	}
	mem, err := db.mem.GetMemory(id)
	if err != nil {
		return nil, wrapErr("get_memory", mapMemErr(err))
	}
	return mem, nil
}

// UpdateMemory re-inserts id's content, label, and (optionally) embedding.
func (db *Database) UpdateMemory(id uint64, memType MemoryType, content string, opts StoreOptions) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("update_memory", ErrClosed)
	}
	return wrapErr("update_memory", mapMemErr(db.mem.UpdateMemory(id, memType, content, opts)))
}

// ForgetMemory logically forgets id: durable, but never a physical delete.
func (db *Database) ForgetMemory(id uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("forget_memory", ErrClosed)
	}
	return wrapErr("forget_memory", mapMemErr(db.mem.ForgetMemory(id)))
}

// CreateRelationship appends a directed edge between two ids.
func (db *Database) CreateRelationship(from, to uint64, kind record.EdgeKind) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("create_relationship", ErrClosed)
	}
	return wrapErr("create_relationship", mapMemErr(db.mem.CreateRelationship(from, to, kind)))
}

// CreateSession allocates and persists a new session, returning its id.
func (db *Database) CreateSession(userID, title string) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, wrapErr("create_session", ErrClosed)
	}
	id, err := db.mem.CreateSession(userID, title)
	if err != nil {
		return 0, wrapErr("create_session", mapMemErr(err))
	}
	return id, nil
}

// SetCurrentSession sets the process-local current session pointer.
func (db *Database) SetCurrentSession(id uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return wrapErr("set_current_session", ErrClosed)
	}
	return wrapErr("set_current_session", mapMemErr(db.mem.SetCurrentSession(id)))
}

// GetCurrentSession returns the current session, if any is set.
func (db *Database) GetCurrentSession() (*Session, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mem.GetCurrentSession()
}

// QueryMemories runs the memory manager's filter/similarity/related
// pipeline.
func (db *Database) QueryMemories(q MemoryQuery) (*MemoryQueryResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, wrapErr("query_memories", ErrClosed)
	}
	result, err := db.mem.QueryMemories(q)
	if err != nil {
		return nil, wrapErr("query_memories", mapMemErr(err))
	}
	return result, nil
}

// SetEmbedFunc overrides the memory manager's embedding plug point.
func (db *Database) SetEmbedFunc(fn EmbedFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.mem.SetEmbedFunc(fn)
}
