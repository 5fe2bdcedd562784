// Package semmem is the LLM-facing memory manager: it layers typed
// memories, sessions, an embedding cache, and recovery reconciliation on
// top of the graph/vector core.
//
// Each memory's type/confidence/importance triple is packed into a
// node's first three label bytes, and embedding generation is pluggable
// through an EmbedFunc so a caller can swap the deterministic default for
// a real model.
package semmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/query"
	"github.com/liliang-cn/memora/record"
)

// Sentinel errors, mapped onto the public error kinds by the facade.
var (
	ErrInvalidInput = errors.New("semmem: invalid input")
	ErrNotFound     = errors.New("semmem: not found")
)

// Confidence enumerates a memory's asserted confidence level.
type Confidence uint8

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceCertain
)

// Importance enumerates a memory's priority for retention/recall.
type Importance uint8

const (
	ImportanceLow Importance = iota
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

// Source enumerates how a memory was produced. Unlike MemoryType,
// Confidence, and Importance, Source has no slot in the 32-byte node
// label (only three header bytes are reserved there), so it is tracked
// in an in-memory, best-effort side table that does not survive a crash —
// documented explicitly rather than silently dropped. The same applies to
// UserID when it is not reachable via a known session.
type Source uint8

const (
	SourceUnspecified Source = iota
	SourceUser
	SourceSystem
	SourceInferred
	SourceExternal
)

// MemoryType enumerates the semantic kind of a memory, packed into the low
// 4 bits of the node label's first byte (the high bit is the forgotten
// tombstone, see encodeLabel).
type MemoryType uint8

const (
	MemoryTypeFact MemoryType = iota
	MemoryTypeExperience
	MemoryTypePreference
	MemoryTypeContext
	MemoryTypeObservation
)

const forgottenBit byte = 0x80

// encodeLabel packs {memory_type, confidence, importance} into the first
// three label bytes and truncates display into the rest. The forgotten
// tombstone rides in the memory_type byte's high bit — a
// crash-durable analog of the content/embedding cache clear ForgetMemory
// performs, since the label byte is itself the thing recovery reads to
// decide whether to resurrect content.
func encodeLabel(t MemoryType, c Confidence, imp Importance, forgotten bool, display string) [record.LabelSize]byte {
	var label [record.LabelSize]byte
	b0 := byte(t) & 0x0F
	if forgotten {
		b0 |= forgottenBit
	}
	label[0] = b0
	label[1] = byte(c)
	label[2] = byte(imp)
	copy(label[3:], display)
	return label
}

func decodeLabel(label [record.LabelSize]byte) (t MemoryType, c Confidence, imp Importance, forgotten bool, display string) {
	forgotten = label[0]&forgottenBit != 0
	t = MemoryType(label[0] & 0x0F)
	c = Confidence(label[1])
	imp = Importance(label[2])
	display = strings.TrimRight(string(label[3:]), "\x00")
	return
}

// EmbedFunc computes a D=128 embedding for content bytes. The default
// implementation (DefaultEmbed) is deterministic; real deployments swap
// this for an external embedding service.
type EmbedFunc func(content []byte) [record.VectorDim]float32

// DefaultEmbed hashes content with a multiplicative rolling hash (via
// hash/fnv, which is exactly that), seeds a PRNG with the hash, fills 128
// floats in [-1,1], and normalizes to unit length.
func DefaultEmbed(content []byte) [record.VectorDim]float32 {
	h := fnv.New64a()
	_, _ = h.Write(content)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	var v [record.VectorDim]float32
	for i := range v {
		v[i] = float32(rng.Float64()*2 - 1)
	}
	unit, err := record.Normalize(v)
	if err != nil {
		// Zero vector drawn from the PRNG is astronomically unlikely;
		// fall back to a fixed unit vector rather than propagate an error
		// from a function with no error return.
		unit[0] = 1
	}
	return unit
}

// StoreOptions carries the optional parameters for StoreMemory.
type StoreOptions struct {
	Confidence      Confidence
	Importance      Importance
	Source          Source
	SessionID       uint64
	UserID          string
	CreateEmbedding bool
}

// DefaultStoreOptions returns medium confidence/importance, a user
// source, and create_embedding enabled.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		Confidence:      ConfidenceMedium,
		Importance:      ImportanceMedium,
		Source:          SourceUser,
		CreateEmbedding: true,
	}
}

// Memory is the caller-facing view of a stored memory.
type Memory struct {
	ID           uint64
	Type         MemoryType
	Confidence   Confidence
	Importance   Importance
	Source       Source
	Content      string
	DisplayLabel string
	SessionID    uint64
	UserID       string
	Embedding    []float32
}

// Session is a grouping of memories sharing a conversation context and
// user.
type Session struct {
	ID               uint64
	UserID           string
	Title            string
	Context          string
	CreatedAt        time.Time
	LastActive       time.Time
	InteractionCount uint64
	IsActive         bool
}

// sessionRecord is the JSON wire shape a Session is persisted as. Sessions
// have no dedicated kind in the log's four-kind wire format (§6 names
// only node/edge/vector/memory_content), so they are carried as
// memory_content blobs keyed by an id in the concept space (high bit set)
// — exactly the "arbitrary structured blob tied to a u64 id" the
// memory_content kind already exists to hold, and the high bit keeps
// session ids from ever colliding with memory ids in the same content
// path. See DESIGN.md for the full rationale.
type sessionRecord struct {
	ID               uint64    `json:"id"`
	UserID           string    `json:"user_id"`
	Title            string    `json:"title"`
	Context          string    `json:"context"`
	CreatedAt        time.Time `json:"created_at"`
	LastActive       time.Time `json:"last_active"`
	InteractionCount uint64    `json:"interaction_count"`
	IsActive         bool      `json:"is_active"`
}

// Store is the handle the memory manager borrows from the facade. It is
// implemented by the root package's Database, and kept as an interface
// here so semmem never imports it back.
type Store interface {
	InsertNode(record.Node) error
	InsertEdge(record.Edge) error
	InsertVector(record.Vector) error
	AppendContent(record.ContentBlob) (uint64, error)
	GetNode(id uint64) (record.Node, bool)
	GetVector(id uint64) ([record.VectorDim]float32, bool)
	OutgoingEdges(id uint64) []record.Edge
	QueryRelated(id uint64, depth int) ([]record.Node, error)
	QuerySimilarByVector(v [record.VectorDim]float32, k int) ([]query.SimilarResult, error)

	// Recovery pull methods, used only by Recover.
	AllSnapshotIDs() ([]uint64, error)
	SnapshotContent(snapshotID uint64) (contents []record.ContentBlob, referencedFiles []string, err error)
	ScanOrphanContent(referenced map[string]bool) ([]record.ContentBlob, error)
	ReplayContentAfter(cursor uint64) ([]record.ContentBlob, error)
}

// MemoryQuery describes a filtered, optionally text-similarity-ranked
// search over stored memories. Optional numeric thresholds are pointers
// so a caller can distinguish "no filter" from "filter at the enum's
// zero value".
type MemoryQuery struct {
	QueryText      string
	MemoryTypes    []MemoryType
	MinConfidence  *Confidence
	MinImportance  *Importance
	SessionID      uint64
	UserID         string
	IncludeRelated bool
	MaxDepth       int
	Limit          int
}

// MemoryQueryResult is the output of the query pipeline: memories with
// any similarity scores kept aligned by index, plus optional
// related-memory/relationship maps keyed by memory id.
type MemoryQueryResult struct {
	Memories         []Memory
	SimilarityScores []float32
	RelatedMemories  map[uint64][]record.Node
	Relationships    map[uint64][]record.Edge
	ExecutionTimeMs  float64
}

// Statistics is the memory-layer half of GetStats.
type Statistics struct {
	TotalMemories      int
	MemoriesByType     map[MemoryType]int
	SessionCount       int
	ContentCacheSize   int
	EmbeddingCacheSize int
}

// Manager is the memory layer. Its mutex guards the maps below; like the
// rest of the core it is designed to be driven by the facade's single
// writer thread.
type Manager struct {
	mu     sync.Mutex
	store  Store
	embed  EmbedFunc
	logger logging.Logger

	nextMemoryID     uint64
	nextConceptID    uint64
	currentSessionID uint64

	contentCache   map[uint64]string
	embeddingCache map[uint64][]float32
	memoryMeta     map[uint64]memoryMeta
	memoryIDs      map[uint64]bool
	sessions       map[uint64]*Session
}

type memoryMeta struct {
	Source    Source
	UserID    string
	SessionID uint64
}

// New returns a memory manager over store, with the deterministic default
// embedder.
func New(store Store, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		store:          store,
		embed:          DefaultEmbed,
		logger:         logger,
		nextMemoryID:   1,
		nextConceptID:  record.ConceptBit + 1,
		contentCache:   make(map[uint64]string),
		embeddingCache: make(map[uint64][]float32),
		memoryMeta:     make(map[uint64]memoryMeta),
		memoryIDs:      make(map[uint64]bool),
		sessions:       make(map[uint64]*Session),
	}
}

// SetEmbedFunc overrides the embedding plug point, e.g. with a call to an
// external embedding service.
func (m *Manager) SetEmbedFunc(fn EmbedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.embed = fn
	}
}

// StoreMemory allocates an id, appends content, caches it, encodes the
// label, inserts the node, optionally embeds and inserts the vector, and
// touches the session if known.
func (m *Manager) StoreMemory(memType MemoryType, content string, opts StoreOptions) (uint64, error) {
	if content == "" {
		return 0, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextMemoryID
	m.nextMemoryID++

	if _, err := m.store.AppendContent(record.ContentBlob{MemoryID: id, Content: []byte(content)}); err != nil {
		return 0, err
	}
	m.contentCache[id] = content
	m.memoryIDs[id] = true
	m.memoryMeta[id] = memoryMeta{Source: opts.Source, UserID: opts.UserID, SessionID: opts.SessionID}

	label := encodeLabel(memType, opts.Confidence, opts.Importance, false, content)
	if err := m.store.InsertNode(record.Node{ID: id, Label: label}); err != nil {
		return 0, err
	}

	if opts.CreateEmbedding {
		if err := m.embedAndStoreLocked(id, content); err != nil {
			return 0, err
		}
	}

	if opts.SessionID != 0 {
		m.touchSessionLocked(opts.SessionID)
		if err := m.store.InsertEdge(record.Edge{From: opts.SessionID, To: id, Kind: record.EdgeOwns}); err != nil {
			m.logger.Warn("failed linking memory to session", "memory_id", id, "session_id", opts.SessionID, "err", err.Error())
		}
	}

	return id, nil
}

func (m *Manager) embedAndStoreLocked(id uint64, content string) error {
	vec := m.embed([]byte(content))
	unit, err := record.Normalize(vec)
	if err != nil {
		unit = vec
	}
	if err := m.store.InsertVector(record.Vector{ID: id, Dims: unit}); err != nil {
		return err
	}
	m.embeddingCache[id] = append([]float32(nil), unit[:]...)
	return nil
}

// GetMemory returns the memory for id. It returns (nil, nil) — not an
// error — when the node exists but has been forgotten or its content is
// otherwise unavailable; a forgotten memory is never resurrected as a
// placeholder. It returns (nil, ErrNotFound) only when the node itself
// does not exist.
func (m *Manager) GetMemory(id uint64) (*Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getMemoryLocked(id)
}

func (m *Manager) getMemoryLocked(id uint64) (*Memory, error) {
	node, ok := m.store.GetNode(id)
	if !ok {
		return nil, ErrNotFound
	}
	memType, confidence, importance, forgotten, display := decodeLabel(node.Label)
	if forgotten {
		return nil, nil
	}
	content, ok := m.contentCache[id]
	if !ok {
		return nil, nil
	}
	meta := m.memoryMeta[id]
	return &Memory{
		ID: id, Type: memType, Confidence: confidence, Importance: importance,
		Source: meta.Source, Content: content, DisplayLabel: display,
		SessionID: meta.SessionID, UserID: meta.UserID, Embedding: m.embeddingCache[id],
	}, nil
}

// UpdateMemory re-inserts id's content, label, and (if requested)
// embedding, overwriting the prior version. It also clears any forgotten
// tombstone: supplying new content is itself an act of remembering.
func (m *Manager) UpdateMemory(id uint64, memType MemoryType, content string, opts StoreOptions) error {
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store.GetNode(id); !ok {
		return ErrNotFound
	}

	if _, err := m.store.AppendContent(record.ContentBlob{MemoryID: id, Content: []byte(content)}); err != nil {
		return err
	}
	m.contentCache[id] = content
	m.memoryMeta[id] = memoryMeta{Source: opts.Source, UserID: opts.UserID, SessionID: opts.SessionID}

	label := encodeLabel(memType, opts.Confidence, opts.Importance, false, content)
	if err := m.store.InsertNode(record.Node{ID: id, Label: label}); err != nil {
		return err
	}

	if opts.CreateEmbedding {
		return m.embedAndStoreLocked(id, content)
	}
	return nil
}

// ForgetMemory clears the content and embedding cache entries for id and
// durably marks the node's label as forgotten, so the tombstone survives
// restart. The node and any edges remain in the graph.
func (m *Manager) ForgetMemory(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.store.GetNode(id)
	if !ok {
		return ErrNotFound
	}
	memType, confidence, importance, _, display := decodeLabel(node.Label)
	label := encodeLabel(memType, confidence, importance, true, display)
	if err := m.store.InsertNode(record.Node{ID: id, Label: label}); err != nil {
		return err
	}
	delete(m.contentCache, id)
	delete(m.embeddingCache, id)
	return nil
}

// CreateRelationship appends a directed edge between two ids, e.g. to link
// two memories or a memory to a concept anchor.
func (m *Manager) CreateRelationship(from, to uint64, kind record.EdgeKind) error {
	if from == to {
		return fmt.Errorf("%w: self-loop from=%d", ErrInvalidInput, from)
	}
	return m.store.InsertEdge(record.Edge{From: from, To: to, Kind: kind})
}

// CreateSession allocates a concept-space id for a new session, persists
// it, and returns its id.
func (m *Manager) CreateSession(userID, title string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextConceptID
	m.nextConceptID++
	now := time.Now()
	sess := &Session{ID: id, UserID: userID, Title: title, CreatedAt: now, LastActive: now, IsActive: true}
	if err := m.persistSessionLocked(sess); err != nil {
		return 0, err
	}
	m.sessions[id] = sess
	return id, nil
}

func (m *Manager) persistSessionLocked(s *Session) error {
	rec := sessionRecord{
		ID: s.ID, UserID: s.UserID, Title: s.Title, Context: s.Context,
		CreatedAt: s.CreatedAt, LastActive: s.LastActive,
		InteractionCount: s.InteractionCount, IsActive: s.IsActive,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("semmem: marshal session: %w", err)
	}
	_, err = m.store.AppendContent(record.ContentBlob{MemoryID: s.ID, Content: data})
	return err
}

// touchSessionLocked updates last_active/interaction_count for a known
// session, silently doing nothing for an unknown one.
func (m *Manager) touchSessionLocked(id uint64) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.LastActive = time.Now()
	s.InteractionCount++
	if err := m.persistSessionLocked(s); err != nil {
		m.logger.Warn("failed persisting session touch", "session_id", id, "err", err.Error())
	}
}

// SetCurrentSession sets the process-local current session pointer, a
// single piece of mutable state confined to the memory manager.
func (m *Manager) SetCurrentSession(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	m.currentSessionID = id
	return nil
}

// GetCurrentSession returns the current session, if one is set.
func (m *Manager) GetCurrentSession() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentSessionID == 0 {
		return nil, false
	}
	s, ok := m.sessions[m.currentSessionID]
	return s, ok
}

// QueryMemories filters stored memories by type/confidence/importance/
// session/user, optionally ranks them by embedding similarity to
// QueryText, and optionally attaches graph-related memories and edges.
func (m *Manager) QueryMemories(q MemoryQuery) (*MemoryQueryResult, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		id       uint64
		score    float32
		hasScore bool
	}
	var candidates []candidate

	if q.QueryText != "" {
		vec := m.embed([]byte(q.QueryText))
		unit, err := record.Normalize(vec)
		if err != nil {
			unit = vec
		}
		results, err := m.store.QuerySimilarByVector(unit, q.Limit)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			candidates = append(candidates, candidate{id: r.ID, score: r.Score, hasScore: true})
		}
	} else {
		ids := make([]uint64, 0, len(m.memoryIDs))
		for id := range m.memoryIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] }) // ids are allocated monotonically
		for _, id := range ids {
			candidates = append(candidates, candidate{id: id})
		}
	}

	result := &MemoryQueryResult{}
	if q.IncludeRelated {
		result.RelatedMemories = make(map[uint64][]record.Node)
		result.Relationships = make(map[uint64][]record.Edge)
	}

	for _, c := range candidates {
		node, ok := m.store.GetNode(c.id)
		if !ok {
			continue
		}
		memType, confidence, importance, forgotten, _ := decodeLabel(node.Label)
		if forgotten {
			continue
		}
		if len(q.MemoryTypes) > 0 && !containsType(q.MemoryTypes, memType) {
			continue
		}
		if q.MinConfidence != nil && confidence < *q.MinConfidence {
			continue
		}
		if q.MinImportance != nil && importance < *q.MinImportance {
			continue
		}
		meta := m.memoryMeta[c.id]
		if q.SessionID != 0 && meta.SessionID != q.SessionID {
			continue
		}
		if q.UserID != "" && meta.UserID != q.UserID {
			continue
		}

		mem, err := m.getMemoryLocked(c.id)
		if err != nil || mem == nil {
			continue
		}

		result.Memories = append(result.Memories, *mem)
		if c.hasScore {
			result.SimilarityScores = append(result.SimilarityScores, c.score)
		}
		if q.IncludeRelated {
			related, err := m.store.QueryRelated(c.id, q.MaxDepth)
			if err == nil {
				result.RelatedMemories[c.id] = related
			}
			result.Relationships[c.id] = m.store.OutgoingEdges(c.id)
		}
	}

	if len(result.SimilarityScores) == len(result.Memories) && len(result.Memories) > 0 {
		sortBySimilarityDesc(result)
	}

	if q.Limit > 0 {
		if len(result.Memories) > q.Limit {
			result.Memories = result.Memories[:q.Limit]
		}
		if len(result.SimilarityScores) > q.Limit {
			result.SimilarityScores = result.SimilarityScores[:q.Limit]
		}
	}

	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result, nil
}

func containsType(types []MemoryType, t MemoryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func sortBySimilarityDesc(r *MemoryQueryResult) {
	idx := make([]int, len(r.Memories))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return r.SimilarityScores[idx[i]] > r.SimilarityScores[idx[j]] })

	mems := make([]Memory, len(r.Memories))
	scores := make([]float32, len(r.SimilarityScores))
	for i, srcIdx := range idx {
		mems[i] = r.Memories[srcIdx]
		scores[i] = r.SimilarityScores[srcIdx]
	}
	r.Memories = mems
	r.SimilarityScores = scores
}

// AllContent returns every content blob currently cached — memories and
// sessions alike, the latter re-encoded as JSON — for the facade to bundle
// into a snapshot's content-file set. This is a point-in-time dump, not a
// delta: snapshots always materialize the full current state.
func (m *Manager) AllContent() []record.ContentBlob {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.ContentBlob, 0, len(m.contentCache)+len(m.sessions))
	for id, content := range m.contentCache {
		out = append(out, record.ContentBlob{MemoryID: id, Content: []byte(content)})
	}
	for id, s := range m.sessions {
		rec := sessionRecord{
			ID: s.ID, UserID: s.UserID, Title: s.Title, Context: s.Context,
			CreatedAt: s.CreatedAt, LastActive: s.LastActive,
			InteractionCount: s.InteractionCount, IsActive: s.IsActive,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			m.logger.Warn("failed marshaling session for snapshot", "session_id", id, "err", err.Error())
			continue
		}
		out = append(out, record.ContentBlob{MemoryID: id, Content: data})
	}
	return out
}

// GetStatistics summarizes the memory layer's current state.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		TotalMemories:      len(m.memoryIDs),
		SessionCount:       len(m.sessions),
		ContentCacheSize:   len(m.contentCache),
		EmbeddingCacheSize: len(m.embeddingCache),
		MemoriesByType:     make(map[MemoryType]int),
	}
	for id := range m.memoryIDs {
		node, ok := m.store.GetNode(id)
		if !ok {
			continue
		}
		t, _, _, forgotten, _ := decodeLabel(node.Label)
		if forgotten {
			continue
		}
		stats.MemoriesByType[t]++
	}
	return stats
}

// Recover pulls every snapshot's content, scans for orphans, replays the
// log tail after cursor, and sets next_memory_id to one past the maximum
// observed id.
func (m *Manager) Recover(cursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.store.AllSnapshotIDs()
	if err != nil {
		return fmt.Errorf("semmem: recover: list snapshots: %w", err)
	}

	var maxMemoryID uint64
	referenced := make(map[string]bool)

	hydrate := func(blob record.ContentBlob) {
		if record.IsConceptID(blob.MemoryID) {
			m.hydrateSessionLocked(blob)
			return
		}
		if blob.MemoryID > maxMemoryID {
			maxMemoryID = blob.MemoryID
		}
		m.hydrateMemoryLocked(blob.MemoryID, string(blob.Content))
	}

	for _, id := range ids {
		contents, names, err := m.store.SnapshotContent(id)
		if err != nil {
			return fmt.Errorf("semmem: recover: snapshot %d: %w", id, err)
		}
		for _, c := range contents {
			hydrate(c)
		}
		for _, n := range names {
			referenced[n] = true
		}
	}

	orphans, err := m.store.ScanOrphanContent(referenced)
	if err != nil {
		return fmt.Errorf("semmem: recover: scan orphans: %w", err)
	}
	for _, o := range orphans {
		hydrate(o)
	}

	tail, err := m.store.ReplayContentAfter(cursor)
	if err != nil {
		return fmt.Errorf("semmem: recover: replay tail: %w", err)
	}
	for _, t := range tail {
		hydrate(t)
	}

	m.nextMemoryID = maxMemoryID + 1

	maxConceptID := record.ConceptBit
	for id := range m.sessions {
		if id > maxConceptID {
			maxConceptID = id
		}
	}
	m.nextConceptID = maxConceptID + 1

	m.logger.Info("memory manager recovered", "next_memory_id", m.nextMemoryID,
		"sessions", len(m.sessions), "content_cache", len(m.contentCache))
	return nil
}

// hydrateMemoryLocked loads content into the cache for a memory id
// observed during recovery, skipping ids the node label marks forgotten
// so a forgotten memory is never resurrected by replay.
func (m *Manager) hydrateMemoryLocked(id uint64, content string) {
	node, ok := m.store.GetNode(id)
	if !ok {
		// Content survived but its node record did not: recreate a
		// default-metadata node so the id is at least addressable. Its
		// vector is not recreated here since the original create_embedding
		// choice is not recoverable from the content blob alone.
		label := encodeLabel(MemoryTypeFact, ConfidenceMedium, ImportanceMedium, false, content)
		if err := m.store.InsertNode(record.Node{ID: id, Label: label}); err != nil {
			m.logger.Warn("failed recreating node during recovery", "memory_id", id, "err", err.Error())
			return
		}
		node, _ = m.store.GetNode(id)
	}

	_, _, _, forgotten, _ := decodeLabel(node.Label)
	m.memoryIDs[id] = true
	if forgotten {
		return
	}
	m.contentCache[id] = content
	if v, ok := m.store.GetVector(id); ok {
		m.embeddingCache[id] = append([]float32(nil), v[:]...)
	}
}

func (m *Manager) hydrateSessionLocked(blob record.ContentBlob) {
	var rec sessionRecord
	if err := json.Unmarshal(blob.Content, &rec); err != nil {
		m.logger.Warn("failed decoding session during recovery", "id", blob.MemoryID, "err", err.Error())
		return
	}
	m.sessions[rec.ID] = &Session{
		ID: rec.ID, UserID: rec.UserID, Title: rec.Title, Context: rec.Context,
		CreatedAt: rec.CreatedAt, LastActive: rec.LastActive,
		InteractionCount: rec.InteractionCount, IsActive: rec.IsActive,
	}
}
