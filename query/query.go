// Package query implements the hybrid query engine: bounded-depth graph
// traversal, top-k vector similarity, and their union composition. It
// performs no rank fusion — that composition, if wanted, belongs to the
// memory layer above it. Graph and vector scores are kept as two
// independent result sets rather than merged into one ranking.
package query

import (
	"errors"

	"github.com/liliang-cn/memora/graphidx"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/vectoridx"
)

// ErrNotFound is returned when a query targets an id absent from the graph
// (used by QueryHybrid's boundary rule) or the vector index.
var ErrNotFound = errors.New("query: id not found")

// SimilarResult pairs an id with its similarity score.
type SimilarResult struct {
	ID    uint64
	Score float32
}

// HybridResult is the union of a bounded-depth traversal and a top-k
// vector search, kept as two independent result sets.
type HybridResult struct {
	RelatedNodes   []record.Node
	SimilarVectors []SimilarResult
}

// Engine composes the graph index and vector index into the related,
// similar, and hybrid query operations.
type Engine struct {
	graph   *graphidx.Index
	vectors *vectoridx.Index
}

// New builds a query engine over the given indices.
func New(graph *graphidx.Index, vectors *vectoridx.Index) *Engine {
	return &Engine{graph: graph, vectors: vectors}
}

// QueryRelated delegates to the graph index's bounded BFS.
func (e *Engine) QueryRelated(id uint64, depth int) ([]record.Node, error) {
	nodes, err := e.graph.QueryRelated(id, depth)
	if errors.Is(err, graphidx.ErrNotFound) {
		return nil, ErrNotFound
	}
	return nodes, err
}

// QuerySimilar fetches the stored vector for id, then delegates to
// QuerySimilarByVector.
func (e *Engine) QuerySimilar(id uint64, k int) ([]SimilarResult, error) {
	ids, scores, err := e.vectors.QuerySimilar(id, k)
	if errors.Is(err, vectoridx.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return zip(ids, scores), nil
}

// QuerySimilarByVector runs a top-k search directly against a query
// vector, bypassing the id lookup.
func (e *Engine) QuerySimilarByVector(v [record.VectorDim]float32, k int) ([]SimilarResult, error) {
	ids, scores, err := e.vectors.QuerySimilarByVector(v, k)
	if err != nil {
		return nil, err
	}
	return zip(ids, scores), nil
}

// QueryHybrid runs graph BFS and vector top-k from id independently and
// returns their union. An unknown id is a hard NotFound, even though the
// vector half of the union would otherwise tolerate a missing vector.
func (e *Engine) QueryHybrid(id uint64, depth int, k int) (HybridResult, error) {
	if _, ok := e.graph.GetNode(id); !ok {
		return HybridResult{}, ErrNotFound
	}

	related, err := e.graph.QueryRelated(id, depth)
	if err != nil {
		return HybridResult{}, err
	}

	var similar []SimilarResult
	ids, scores, err := e.vectors.QuerySimilar(id, k)
	switch {
	case err == nil:
		similar = zip(ids, scores)
	case errors.Is(err, vectoridx.ErrNotFound):
		// The id has no vector; §3 allows nodes without a corresponding
		// vector (orphan vectors are the inverse case). The hybrid union
		// simply contributes nothing from the vector half.
		similar = nil
	default:
		return HybridResult{}, err
	}

	return HybridResult{RelatedNodes: related, SimilarVectors: similar}, nil
}

func zip(ids []uint64, scores []float32) []SimilarResult {
	out := make([]SimilarResult, len(ids))
	for i := range ids {
		out[i] = SimilarResult{ID: ids[i], Score: scores[i]}
	}
	return out
}
