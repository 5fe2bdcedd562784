package query

import (
	"math/rand"
	"testing"

	"github.com/liliang-cn/memora/graphidx"
	"github.com/liliang-cn/memora/record"
	"github.com/liliang-cn/memora/vectoridx"
	"github.com/stretchr/testify/require"
)

func setNode(g *graphidx.Index, id uint64, label string) {
	var n record.Node
	n.ID = id
	copy(n.Label[:], label)
	g.InsertNode(n)
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

func TestQueryRelatedDelegatesToGraph(t *testing.T) {
	g := graphidx.New()
	setNode(g, 1, "a")
	setNode(g, 2, "b")
	g.InsertEdge(record.Edge{From: 1, To: 2, Kind: record.EdgeRelated})

	e := New(g, vectoridx.New(vectoridx.DefaultConfig()))
	got, err := e.QueryRelated(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestQueryRelatedUnknownReturnsNotFound(t *testing.T) {
	e := New(graphidx.New(), vectoridx.New(vectoridx.DefaultConfig()))
	_, err := e.QueryRelated(1, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQuerySimilarDelegatesToVectorIndex(t *testing.T) {
	v := vectoridx.New(vectoridx.DefaultConfig())
	require.NoError(t, v.Insert(1, unitVector(1)))
	require.NoError(t, v.Insert(2, unitVector(2)))

	e := New(graphidx.New(), v)
	got, err := e.QuerySimilar(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got[0].ID)
}

func TestQueryHybridUnknownIDReturnsNotFound(t *testing.T) {
	e := New(graphidx.New(), vectoridx.New(vectoridx.DefaultConfig()))
	_, err := e.QueryHybrid(1, 1, 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryHybridUnionsIndependently(t *testing.T) {
	g := graphidx.New()
	setNode(g, 1, "a")
	setNode(g, 2, "b")
	g.InsertEdge(record.Edge{From: 1, To: 2, Kind: record.EdgeRelated})

	v := vectoridx.New(vectoridx.DefaultConfig())
	require.NoError(t, v.Insert(1, unitVector(1)))
	require.NoError(t, v.Insert(2, unitVector(2)))

	e := New(g, v)
	result, err := e.QueryHybrid(1, 1, 2)
	require.NoError(t, err)
	require.Len(t, result.RelatedNodes, 2)
	require.NotEmpty(t, result.SimilarVectors)
}

func TestQueryHybridToleratesMissingVector(t *testing.T) {
	g := graphidx.New()
	setNode(g, 1, "a")

	e := New(g, vectoridx.New(vectoridx.DefaultConfig()))
	result, err := e.QueryHybrid(1, 1, 2)
	require.NoError(t, err)
	require.Empty(t, result.SimilarVectors)
}
