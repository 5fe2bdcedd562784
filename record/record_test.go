package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNode(t *testing.T) {
	var label [LabelSize]byte
	copy(label[:], "hello")
	n := Node{ID: 42, Label: label}

	buf := EncodeNode(n)
	require.Len(t, buf, NodeSize)

	got, err := DecodeNode(buf)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestDecodeNodeShortBuffer(t *testing.T) {
	_, err := DecodeNode(make([]byte, 4))
	require.Error(t, err)
}

func TestEncodeDecodeEdge(t *testing.T) {
	e := Edge{From: 1, To: 2, Kind: EdgeRelated}
	buf := EncodeEdge(e)
	require.Len(t, buf, EdgeSize)

	got, err := DecodeEdge(buf)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	var dims [VectorDim]float32
	for i := range dims {
		dims[i] = float32(i) / float32(VectorDim)
	}
	v := Vector{ID: 7, Dims: dims}

	buf := EncodeVector(v)
	require.Len(t, buf, VectorSize)

	got, err := DecodeVector(buf)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestNormalizeAndIsUnit(t *testing.T) {
	var v [VectorDim]float32
	v[0] = 3
	v[1] = 4

	require.False(t, IsUnit(v))

	unit, err := Normalize(v)
	require.NoError(t, err)
	require.True(t, IsUnit(unit))
}

func TestNormalizeZeroVector(t *testing.T) {
	var v [VectorDim]float32
	_, err := Normalize(v)
	require.ErrorIs(t, err, ErrNotNormalized)
}

func TestDotProductOnUnitVectors(t *testing.T) {
	var a, b [VectorDim]float32
	a[0] = 1
	b[0] = 1
	require.InDelta(t, 1.0, DotProduct(a, b), 1e-6)

	b[0] = 0
	b[1] = 1
	require.InDelta(t, 0.0, DotProduct(a, b), 1e-6)
}

func TestEncodeDecodeContentBlob(t *testing.T) {
	b := ContentBlob{MemoryID: 99, Content: []byte("User prefers concise answers")}
	buf := EncodeContentBlob(b)

	got, err := DecodeContentBlob(buf)
	require.NoError(t, err)
	require.Equal(t, b.MemoryID, got.MemoryID)
	require.Equal(t, b.Content, got.Content)
}

func TestLogEntryPayloadRoundTrip(t *testing.T) {
	e := LogEntry{Kind: KindEdge, Seq: 5, Edge: Edge{From: 1, To: 2, Kind: EdgeLinks}}
	payload, err := e.Payload()
	require.NoError(t, err)

	got, err := DecodePayload(KindEdge, 5, payload)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestIsConceptID(t *testing.T) {
	require.False(t, IsConceptID(1))
	require.True(t, IsConceptID(ConceptBit|1))
}
