// Package graphidx is the in-memory graph index: a node map plus
// outgoing/incoming adjacency lists, and a bounded-depth BFS traversal
// over uint64 node ids.
package graphidx

import (
	"errors"

	"github.com/liliang-cn/memora/record"
)

// ErrNotFound is returned when a query targets an id absent from the index.
var ErrNotFound = errors.New("graphidx: node not found")

// Index is the in-memory node map and outgoing/incoming adjacency lists.
// It has no lock of its own: the facade's single writer lease serializes
// every call into it.
type Index struct {
	nodes    map[uint64]record.Node
	outgoing map[uint64][]record.Edge
	incoming map[uint64][]record.Edge
}

// New returns an empty graph index.
func New() *Index {
	return &Index{
		nodes:    make(map[uint64]record.Node),
		outgoing: make(map[uint64][]record.Edge),
		incoming: make(map[uint64][]record.Edge),
	}
}

// InsertNode adds or overwrites a node. Node map keying is unique on id;
// last write wins.
func (idx *Index) InsertNode(n record.Node) {
	idx.nodes[n.ID] = n
}

// InsertEdge appends a directed edge to both adjacency lists. Callers are
// responsible for having already appended it to the durable log and for
// rejecting self-loops before calling this — this method trusts its input,
// the way an in-memory index trusts its caller's invariants.
func (idx *Index) InsertEdge(e record.Edge) {
	idx.outgoing[e.From] = append(idx.outgoing[e.From], e)
	idx.incoming[e.To] = append(idx.incoming[e.To], e)
}

// GetNode returns the node for id, or ok=false if absent.
func (idx *Index) GetNode(id uint64) (record.Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// OutgoingEdges returns id's outgoing edges in insertion order.
func (idx *Index) OutgoingEdges(id uint64) []record.Edge {
	return idx.outgoing[id]
}

// IncomingEdges returns id's incoming edges in insertion order.
func (idx *Index) IncomingEdges(id uint64) []record.Edge {
	return idx.incoming[id]
}

// AllNodes returns every node currently held, in no particular order. Used
// by the facade to materialize a full snapshot image.
func (idx *Index) AllNodes() []record.Node {
	out := make([]record.Node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		out = append(out, n)
	}
	return out
}

// AllEdges returns every edge currently held, in no particular order.
func (idx *Index) AllEdges() []record.Edge {
	out := make([]record.Edge, 0, idx.EdgeCount())
	for _, edges := range idx.outgoing {
		out = append(out, edges...)
	}
	return out
}

// NodeCount returns the number of distinct nodes in the index.
func (idx *Index) NodeCount() int { return len(idx.nodes) }

// EdgeCount returns the number of edges in the index. An edge inserted
// more than once is counted once per insert.
func (idx *Index) EdgeCount() int {
	n := 0
	for _, edges := range idx.outgoing {
		n += len(edges)
	}
	return n
}

// QueryRelated runs a breadth-first search from seed along outgoing edges,
// up to depth hops inclusive. depth 0 returns exactly {node(seed)}; depth
// >= 1 returns seed plus its reachable set, in BFS insertion order.
// Duplicates are excluded via a visited set, so cycles terminate; cost is
// bounded by |V|+|E|.
func (idx *Index) QueryRelated(seed uint64, depth int) ([]record.Node, error) {
	root, ok := idx.nodes[seed]
	if !ok {
		return nil, ErrNotFound
	}

	visited := map[uint64]bool{seed: true}
	result := []record.Node{root}
	if depth <= 0 {
		return result, nil
	}

	type queued struct {
		id    uint64
		depth int
	}
	queue := []queued{{id: seed, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		for _, e := range idx.outgoing[cur.id] {
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			if n, ok := idx.nodes[e.To]; ok {
				result = append(result, n)
			}
			queue = append(queue, queued{id: e.To, depth: cur.depth + 1})
		}
	}

	return result, nil
}
