package semmem

import (
	"testing"

	"github.com/liliang-cn/memora/graphidx"
	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/query"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/vectoridx"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store good enough to exercise the memory
// manager's logic in isolation from walog/snapshot.
type fakeStore struct {
	graph   *graphidx.Index
	vectors *vectoridx.Index
	engine  *query.Engine

	content     []record.ContentBlob
	nextSeq     uint64
	snapshots   map[uint64][]record.ContentBlob
	snapshotIDs []uint64
}

func newFakeStore() *fakeStore {
	g := graphidx.New()
	v := vectoridx.New(vectoridx.DefaultConfig())
	return &fakeStore{
		graph:     g,
		vectors:   v,
		engine:    query.New(g, v),
		snapshots: make(map[uint64][]record.ContentBlob),
	}
}

func (s *fakeStore) InsertNode(n record.Node) error { s.graph.InsertNode(n); return nil }
func (s *fakeStore) InsertEdge(e record.Edge) error { s.graph.InsertEdge(e); return nil }
func (s *fakeStore) InsertVector(v record.Vector) error {
	return s.vectors.Insert(v.ID, v.Dims)
}
func (s *fakeStore) AppendContent(c record.ContentBlob) (uint64, error) {
	s.nextSeq++
	s.content = append(s.content, c)
	return s.nextSeq, nil
}
func (s *fakeStore) GetNode(id uint64) (record.Node, bool) { return s.graph.GetNode(id) }
func (s *fakeStore) GetVector(id uint64) ([record.VectorDim]float32, bool) {
	return s.vectors.Get(id)
}
func (s *fakeStore) OutgoingEdges(id uint64) []record.Edge { return s.graph.OutgoingEdges(id) }
func (s *fakeStore) QueryRelated(id uint64, depth int) ([]record.Node, error) {
	return s.engine.QueryRelated(id, depth)
}
func (s *fakeStore) QuerySimilarByVector(v [record.VectorDim]float32, k int) ([]query.SimilarResult, error) {
	return s.engine.QuerySimilarByVector(v, k)
}
func (s *fakeStore) AllSnapshotIDs() ([]uint64, error) { return s.snapshotIDs, nil }
func (s *fakeStore) SnapshotContent(id uint64) ([]record.ContentBlob, []string, error) {
	return s.snapshots[id], nil, nil
}
func (s *fakeStore) ScanOrphanContent(referenced map[string]bool) ([]record.ContentBlob, error) {
	return nil, nil
}
func (s *fakeStore) ReplayContentAfter(cursor uint64) ([]record.ContentBlob, error) {
	if cursor >= s.nextSeq {
		return nil, nil
	}
	return s.content[cursor:], nil
}

func TestStoreAndGetMemoryRoundTrip(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())

	id, err := m.StoreMemory(MemoryTypeFact, "the sky is blue", DefaultStoreOptions())
	require.NoError(t, err)

	mem, err := m.GetMemory(id)
	require.NoError(t, err)
	require.NotNil(t, mem)
	require.Equal(t, "the sky is blue", mem.Content)
	require.Equal(t, MemoryTypeFact, mem.Type)
	require.Len(t, mem.Embedding, record.VectorDim)
}

func TestStoreMemoryRejectsEmptyContent(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())
	_, err := m.StoreMemory(MemoryTypeFact, "", DefaultStoreOptions())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetMemoryUnknownIDReturnsNotFound(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())
	_, err := m.GetMemory(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestForgetMemoryIsLogicalAndDurableAcrossRecovery(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.Nop())

	id, err := m.StoreMemory(MemoryTypeFact, "forget me", DefaultStoreOptions())
	require.NoError(t, err)
	require.NoError(t, m.ForgetMemory(id))

	mem, err := m.GetMemory(id)
	require.NoError(t, err)
	require.Nil(t, mem)

	// node still exists in the graph, just tombstoned
	_, ok := store.GetNode(id)
	require.True(t, ok)

	// Simulate a restart: fresh manager, replay everything appended so far.
	fresh := New(store, logging.Nop())
	require.NoError(t, fresh.Recover(0))

	mem, err = fresh.GetMemory(id)
	require.NoError(t, err)
	require.Nil(t, mem, "a forgotten memory must never be resurrected by recovery")
}

func TestUpdateMemoryOverwritesContentAndEmbedding(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())

	id, err := m.StoreMemory(MemoryTypeFact, "version one", DefaultStoreOptions())
	require.NoError(t, err)

	require.NoError(t, m.UpdateMemory(id, MemoryTypeFact, "version two", DefaultStoreOptions()))

	mem, err := m.GetMemory(id)
	require.NoError(t, err)
	require.Equal(t, "version two", mem.Content)
}

func TestCreateSessionAndTouchOnStore(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())

	sid, err := m.CreateSession("alice", "chat")
	require.NoError(t, err)

	opts := DefaultStoreOptions()
	opts.SessionID = sid
	_, err = m.StoreMemory(MemoryTypeFact, "hello", opts)
	require.NoError(t, err)

	require.NoError(t, m.SetCurrentSession(sid))
	sess, ok := m.GetCurrentSession()
	require.True(t, ok)
	require.Equal(t, uint64(1), sess.InteractionCount)
	require.Equal(t, "alice", sess.UserID)
}

func TestSetCurrentSessionUnknownReturnsNotFound(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())
	require.ErrorIs(t, m.SetCurrentSession(record.ConceptBit+7), ErrNotFound)
}

func TestQueryMemoriesFiltersByTypeAndImportance(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())

	lowOpts := DefaultStoreOptions()
	lowOpts.Importance = ImportanceLow
	_, err := m.StoreMemory(MemoryTypeFact, "low importance fact", lowOpts)
	require.NoError(t, err)

	highOpts := DefaultStoreOptions()
	highOpts.Importance = ImportanceHigh
	id2, err := m.StoreMemory(MemoryTypePreference, "high importance preference", highOpts)
	require.NoError(t, err)

	min := ImportanceHigh
	result, err := m.QueryMemories(MemoryQuery{MinImportance: &min})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, id2, result.Memories[0].ID)
}

func TestQueryMemoriesByTextRanksBySimilarity(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())
	m.SetEmbedFunc(func(content []byte) [record.VectorDim]float32 {
		var v [record.VectorDim]float32
		switch string(content) {
		case "cats are great":
			v[0] = 1
		case "dogs are great":
			v[1] = 1
		default:
			// query text shares the "cats" direction most closely.
			v[0] = 0.9
			v[1] = 0.1
		}
		u, _ := record.Normalize(v)
		return u
	})

	_, err := m.StoreMemory(MemoryTypeFact, "cats are great", DefaultStoreOptions())
	require.NoError(t, err)
	_, err = m.StoreMemory(MemoryTypeFact, "dogs are great", DefaultStoreOptions())
	require.NoError(t, err)

	result, err := m.QueryMemories(MemoryQuery{QueryText: "who is great", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
	require.Equal(t, "cats are great", result.Memories[0].Content)
}

func TestQueryMemoriesIncludeRelated(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())

	id1, err := m.StoreMemory(MemoryTypeFact, "root memory", DefaultStoreOptions())
	require.NoError(t, err)
	id2, err := m.StoreMemory(MemoryTypeFact, "linked memory", DefaultStoreOptions())
	require.NoError(t, err)
	require.NoError(t, m.CreateRelationship(id1, id2, record.EdgeRelated))

	result, err := m.QueryMemories(MemoryQuery{IncludeRelated: true, MaxDepth: 1})
	require.NoError(t, err)
	require.Contains(t, result.RelatedMemories, id1)
	require.Len(t, result.RelatedMemories[id1], 2)
}

func TestGetStatisticsCountsByType(t *testing.T) {
	m := New(newFakeStore(), logging.Nop())
	_, err := m.StoreMemory(MemoryTypeFact, "a fact", DefaultStoreOptions())
	require.NoError(t, err)
	_, err = m.StoreMemory(MemoryTypePreference, "a preference", DefaultStoreOptions())
	require.NoError(t, err)

	stats := m.GetStatistics()
	require.Equal(t, 2, stats.TotalMemories)
	require.Equal(t, 1, stats.MemoriesByType[MemoryTypeFact])
	require.Equal(t, 1, stats.MemoriesByType[MemoryTypePreference])
}

func TestRecoverRebuildsNextMemoryIDFromMaxObserved(t *testing.T) {
	store := newFakeStore()
	m := New(store, logging.Nop())

	_, err := m.StoreMemory(MemoryTypeFact, "first", DefaultStoreOptions())
	require.NoError(t, err)
	id2, err := m.StoreMemory(MemoryTypeFact, "second", DefaultStoreOptions())
	require.NoError(t, err)

	fresh := New(store, logging.Nop())
	require.NoError(t, fresh.Recover(0))

	id3, err := fresh.StoreMemory(MemoryTypeFact, "third", DefaultStoreOptions())
	require.NoError(t, err)
	require.Greater(t, id3, id2)
}

func TestDefaultEmbedIsDeterministic(t *testing.T) {
	a := DefaultEmbed([]byte("consistent input"))
	b := DefaultEmbed([]byte("consistent input"))
	require.Equal(t, a, b)
	require.True(t, record.IsUnit(a))
}
