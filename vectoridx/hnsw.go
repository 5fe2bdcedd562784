// Package vectoridx implements the HNSW-style approximate nearest-neighbor
// vector index: a hierarchical navigable small-world graph over
// fixed-dimension unit vectors, using dot product (== cosine similarity
// on unit vectors) as the similarity score.
//
// Level assignment is drawn from a seeded math/rand source rather than a
// wall-clock seed, so two indices built from the same insert sequence
// with the same seed end up structurally identical — required for the
// persisted-index snapshot fast path to be verifiable.
package vectoridx

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/liliang-cn/memora/record"
)

// ErrNotFound is returned when an operation targets an id absent from the
// index.
var ErrNotFound = errors.New("vectoridx: id not found")

// ErrInvalidVector is returned by Insert when the given vector is not
// unit length: non-normalized input is rejected outright.
var ErrInvalidVector = errors.New("vectoridx: vector is not unit-normalized")

// Config controls the index's shape and determinism. Defaults: M=16,
// EfConstruction=200, EfSearch=50.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 200, EfSearch: 50, Seed: 42}
}

type hnode struct {
	id        uint64
	level     int
	neighbors [][]uint64 // neighbors[layer] = neighbor ids at that layer
}

// Index is the HNSW graph. Its rng is seeded (Config.Seed) so that
// identical insert sequences produce identical graphs across runs. The
// mutex is a defensive guard; the facade's single writer thread is the
// only intended caller of Insert.
type Index struct {
	mu  sync.RWMutex
	cfg Config
	rng *rand.Rand
	mL  float64 // 1/ln(M), the level-decay factor

	nodes    map[uint64]*hnode
	vectors  map[uint64][record.VectorDim]float32
	entry    uint64
	hasEntry bool
	topLevel int
}

// New returns an empty index with the given configuration.
func New(cfg Config) *Index {
	if cfg.M <= 1 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	return &Index{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		mL:      1 / math.Log(float64(cfg.M)),
		nodes:   make(map[uint64]*hnode),
		vectors: make(map[uint64][record.VectorDim]float32),
	}
}

// Size returns the number of vectors currently indexed.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// selectLevel draws a level via a truncated exponential distribution with
// decay factor mL = 1/ln(M).
func (idx *Index) selectLevel() int {
	u := idx.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	level := int(math.Floor(-math.Log(u) * idx.mL))
	if level > 31 {
		level = 31 // sanity cap; astronomically unlikely at any real M
	}
	return level
}

func score(a, b [record.VectorDim]float32) float32 {
	return record.DotProduct(a, b)
}

// Insert adds or overwrites the vector for id. Re-inserting an id replaces
// its vector and re-runs the level/connection assignment.
func (idx *Index) Insert(id uint64, vec [record.VectorDim]float32) error {
	if !record.IsUnit(vec) {
		return fmt.Errorf("%w: id=%d", ErrInvalidVector, id)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	level := idx.selectLevel()
	idx.vectors[id] = vec

	if !idx.hasEntry {
		n := &hnode{id: id, level: level, neighbors: make([][]uint64, level+1)}
		idx.nodes[id] = n
		idx.entry = id
		idx.topLevel = level
		idx.hasEntry = true
		return nil
	}

	if existing, ok := idx.nodes[id]; ok {
		idx.removeAllConnections(existing)
	}

	cur := idx.entry
	for lc := idx.topLevel; lc > level; lc-- {
		cur = idx.greedyClosest(cur, vec, lc)
	}

	n := &hnode{id: id, level: level, neighbors: make([][]uint64, level+1)}
	idx.nodes[id] = n

	start := level
	if idx.topLevel < start {
		start = idx.topLevel
	}
	for lc := start; lc >= 0; lc-- {
		candidates := idx.searchLayer(vec, []uint64{cur}, idx.cfg.EfConstruction, lc)
		cap := idx.cfg.M
		if lc == 0 {
			cap = idx.cfg.M * 2
		}
		best := selectTopM(candidates, cap)
		n.neighbors[lc] = idsOf(best)
		for _, nb := range best {
			idx.addConnection(nb.id, id, lc)
			idx.pruneNeighbors(nb.id, lc)
		}
		if len(best) > 0 {
			cur = best[0].id
		}
	}

	if level > idx.topLevel {
		idx.entry = id
		idx.topLevel = level
	}
	return nil
}

// removeAllConnections drops n's bidirectional links before it is
// re-inserted with a fresh vector, so a re-insert never leaves stale edges
// pointing at n's old position in vector space.
func (idx *Index) removeAllConnections(n *hnode) {
	for lc, neighbors := range n.neighbors {
		for _, other := range neighbors {
			idx.removeConnection(other, n.id, lc)
		}
	}
}

func (idx *Index) addConnection(a, b uint64, layer int) {
	na, ok := idx.nodes[a]
	if !ok || layer >= len(na.neighbors) {
		return
	}
	for _, existing := range na.neighbors[layer] {
		if existing == b {
			return
		}
	}
	na.neighbors[layer] = append(na.neighbors[layer], b)
}

func (idx *Index) removeConnection(a, b uint64, layer int) {
	na, ok := idx.nodes[a]
	if !ok || layer >= len(na.neighbors) {
		return
	}
	kept := na.neighbors[layer][:0]
	for _, existing := range na.neighbors[layer] {
		if existing != b {
			kept = append(kept, existing)
		}
	}
	na.neighbors[layer] = kept
}

// pruneNeighbors enforces the degree bound on id's neighbor list at layer,
// dropping the farthest (lowest score) neighbors when it is exceeded.
func (idx *Index) pruneNeighbors(id uint64, layer int) {
	n, ok := idx.nodes[id]
	if !ok || layer >= len(n.neighbors) {
		return
	}
	cap := idx.cfg.M
	if layer == 0 {
		cap = idx.cfg.M * 2
	}
	if len(n.neighbors[layer]) <= cap {
		return
	}
	v := idx.vectors[id]
	scored := make([]scoredID, len(n.neighbors[layer]))
	for i, nb := range n.neighbors[layer] {
		scored[i] = scoredID{id: nb, score: score(v, idx.vectors[nb])}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	kept := scored[:cap]
	dropped := scored[cap:]
	n.neighbors[layer] = idsOf(kept)
	for _, d := range dropped {
		idx.removeConnection(d.id, id, layer)
	}
}

// greedyClosest repeatedly steps to the neighbor with the highest score
// until no neighbor improves on the current node, per §4.4's greedy
// descent by highest dot product.
func (idx *Index) greedyClosest(cur uint64, query [record.VectorDim]float32, layer int) uint64 {
	best := cur
	bestScore := score(query, idx.vectors[cur])
	for {
		n, ok := idx.nodes[best]
		if !ok || layer >= len(n.neighbors) {
			return best
		}
		improved := false
		for _, nb := range n.neighbors[layer] {
			s := score(query, idx.vectors[nb])
			if s > bestScore {
				bestScore = s
				best = nb
				improved = true
			}
		}
		if !improved {
			return best
		}
	}
}

type scoredID struct {
	id    uint64
	score float32
}

func idsOf(s []scoredID) []uint64 {
	out := make([]uint64, len(s))
	for i, x := range s {
		out[i] = x.id
	}
	return out
}

func selectTopM(candidates []scoredID, m int) []scoredID {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	return candidates
}

// searchLayer runs a bounded-beam search of width ef starting from
// entryPoints at the given layer, returning up to ef candidates sorted by
// descending score. It keeps a dual-heap frontier: a max-heap of
// candidates still to expand, and a min-heap of the best ef results found
// so far so the worst can be evicted in O(log ef).
func (idx *Index) searchLayer(query [record.VectorDim]float32, entryPoints []uint64, ef int, layer int) []scoredID {
	visited := make(map[uint64]bool, ef*2)
	candidates := &maxHeap{}
	results := &minHeap{}

	for _, ep := range entryPoints {
		if visited[ep] {
			continue
		}
		visited[ep] = true
		s := scoredID{id: ep, score: score(query, idx.vectors[ep])}
		heap.Push(candidates, s)
		heap.Push(results, s)
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scoredID)
		if results.Len() >= ef && c.score < (*results)[0].score {
			break
		}
		n, ok := idx.nodes[c.id]
		if !ok || layer >= len(n.neighbors) {
			continue
		}
		for _, nbID := range n.neighbors[layer] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			s := scoredID{id: nbID, score: score(query, idx.vectors[nbID])}
			if results.Len() < ef || s.score > (*results)[0].score {
				heap.Push(candidates, s)
				heap.Push(results, s)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scoredID, results.Len())
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// Get returns the stored vector for id.
func (idx *Index) Get(id uint64) ([record.VectorDim]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.vectors[id]
	return v, ok
}

// QuerySimilarByVector returns up to k ids nearest to query by dot product,
// sorted descending. k<=0 returns an empty result, per the boundary rule
// that query_similar(id, 0) returns empty.
func (idx *Index) QuerySimilarByVector(query [record.VectorDim]float32, k int) ([]uint64, []float32, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 || !idx.hasEntry {
		return nil, nil, nil
	}

	cur := idx.entry
	for lc := idx.topLevel; lc > 0; lc-- {
		cur = idx.greedyClosest(cur, query, lc)
	}

	ef := idx.cfg.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(query, []uint64{cur}, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	ids := make([]uint64, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
		scores[i] = c.score
	}
	return ids, scores, nil
}

// QuerySimilar fetches id's stored vector, then delegates to
// QuerySimilarByVector.
func (idx *Index) QuerySimilar(id uint64, k int) ([]uint64, []float32, error) {
	v, ok := idx.Get(id)
	if !ok {
		return nil, nil, ErrNotFound
	}
	return idx.QuerySimilarByVector(v, k)
}

// LevelStats summarizes the index shape. The facade's GetStats and the
// memory manager's GetStatistics do not include it.
type LevelStats struct {
	TotalNodes      int
	TopLevel        int
	NodesPerLevel   []int
	AverageDegreeL0 float64
}

// Stats returns a snapshot of the index's structural shape.
func (idx *Index) Stats() LevelStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := LevelStats{TotalNodes: len(idx.nodes), TopLevel: idx.topLevel}
	stats.NodesPerLevel = make([]int, idx.topLevel+1)
	var totalDegreeL0 int
	for _, n := range idx.nodes {
		for lc := 0; lc <= n.level && lc < len(stats.NodesPerLevel); lc++ {
			stats.NodesPerLevel[lc]++
		}
		if len(n.neighbors) > 0 {
			totalDegreeL0 += len(n.neighbors[0])
		}
	}
	if len(idx.nodes) > 0 {
		stats.AverageDegreeL0 = float64(totalDegreeL0) / float64(len(idx.nodes))
	}
	return stats
}

// NodeSnapshot is the gob-serializable form of an hnode, exported so the
// snapshot package can persist the whole graph structure without reaching
// into unexported fields.
type NodeSnapshot struct {
	ID        uint64
	Level     int
	Neighbors [][]uint64
}

// Snapshot is the gob-serializable form of the whole index, used by the
// snapshot manager's optional EnablePersistentIndexes fast path.
type Snapshot struct {
	Cfg      Config
	Nodes    []NodeSnapshot
	Vectors  map[uint64][record.VectorDim]float32
	Entry    uint64
	HasEntry bool
	TopLevel int
}

// Export returns a gob-serializable snapshot of the index's current state.
func (idx *Index) Export() Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	snap := Snapshot{
		Cfg:      idx.cfg,
		Vectors:  make(map[uint64][record.VectorDim]float32, len(idx.vectors)),
		Entry:    idx.entry,
		HasEntry: idx.hasEntry,
		TopLevel: idx.topLevel,
	}
	for id, v := range idx.vectors {
		snap.Vectors[id] = v
	}
	for id, n := range idx.nodes {
		neighbors := make([][]uint64, len(n.neighbors))
		for lc, ns := range n.neighbors {
			neighbors[lc] = append([]uint64(nil), ns...)
		}
		snap.Nodes = append(snap.Nodes, NodeSnapshot{ID: id, Level: n.level, Neighbors: neighbors})
	}
	return snap
}

// Import rebuilds an index from a Snapshot produced by Export. The caller
// (the facade's restore path) is responsible for verifying the vector count against
// the sidecar chunk files' declared element counts before trusting this
// fast path, since it must match a full replay bit-for-bit.
func Import(snap Snapshot) *Index {
	idx := New(snap.Cfg)
	idx.entry = snap.Entry
	idx.hasEntry = snap.HasEntry
	idx.topLevel = snap.TopLevel
	idx.vectors = make(map[uint64][record.VectorDim]float32, len(snap.Vectors))
	for id, v := range snap.Vectors {
		idx.vectors[id] = v
	}
	idx.nodes = make(map[uint64]*hnode, len(snap.Nodes))
	for _, ns := range snap.Nodes {
		idx.nodes[ns.ID] = &hnode{id: ns.ID, level: ns.Level, neighbors: ns.Neighbors}
	}
	return idx
}

// VectorCount returns the number of vectors held, used by the facade's
// restore path to cross-check a loaded gob sidecar against chunk file counts.
func (idx *Index) VectorCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// maxHeap and minHeap are thin container/heap wrappers over []scoredID,
// used together by searchLayer to pair a candidate frontier with a
// bounded result set.
type maxHeap []scoredID

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].score > h[j].score }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(scoredID)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type minHeap []scoredID

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(scoredID)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
