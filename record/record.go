// Package record defines the fixed-layout wire types shared by the append
// log, the snapshot sidecar files, and every in-memory index: nodes, edges,
// vectors, content blobs, and the tagged log-entry union that frames them.
//
// Every encoder here writes little-endian integers via encoding/binary
// into fixed-width records.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// VectorDim is the fixed dimensionality of every stored vector.
const VectorDim = 128

// ConceptBit marks an id as belonging to the concept/semantic-anchor space.
// Ids with the high bit set are concept nodes (e.g. sessions, see package
// semmem); ids with the high bit clear are user/memory nodes. This package
// only tests the bit (IsConceptID); the id allocators that respect the
// partition live in the packages that mint ids.
const ConceptBit = uint64(1) << 63

// IsConceptID reports whether id belongs to the concept/semantic-anchor
// space (high bit set).
func IsConceptID(id uint64) bool { return id&ConceptBit != 0 }

// LabelSize is the fixed width of a Node's overloaded label field.
const LabelSize = 32

// Node is the fixed-layout node record: {id: u64, label: [32]u8}.
//
// For user-facing nodes the label is a UTF-8 string, zero-padded to 32
// bytes. For memory nodes (see package semmem) the first three bytes encode
// {memory_type, confidence, importance} and the rest carry a truncated
// display label. This package does not interpret the label; it only frames
// and moves the bytes.
type Node struct {
	ID    uint64
	Label [LabelSize]byte
}

// NodeSize is the encoded size of a Node record in bytes.
const NodeSize = 8 + LabelSize

// EncodeNode writes n's fixed layout to a NodeSize-byte slice.
func EncodeNode(n Node) []byte {
	buf := make([]byte, NodeSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.ID)
	copy(buf[8:], n.Label[:])
	return buf
}

// DecodeNode reads a Node from the front of buf, which must have at least
// NodeSize bytes.
func DecodeNode(buf []byte) (Node, error) {
	if len(buf) < NodeSize {
		return Node{}, fmt.Errorf("record: short node buffer: %d bytes", len(buf))
	}
	var n Node
	n.ID = binary.LittleEndian.Uint64(buf[0:8])
	copy(n.Label[:], buf[8:NodeSize])
	return n, nil
}

// EdgeKind enumerates the directed relation kinds an Edge may carry.
type EdgeKind uint8

const (
	EdgeOwns EdgeKind = iota + 1
	EdgeLinks
	EdgeRelated
	EdgeChildOf
	EdgeSimilarTo
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeOwns:
		return "owns"
	case EdgeLinks:
		return "links"
	case EdgeRelated:
		return "related"
	case EdgeChildOf:
		return "child_of"
	case EdgeSimilarTo:
		return "similar_to"
	default:
		return fmt.Sprintf("edge_kind(%d)", uint8(k))
	}
}

// Edge is the fixed-layout edge record: {from: u64, to: u64, kind: u8}.
// Edges are directed; an undirected relation is two edges. Self-loops
// (From == To) are rejected by the facade before the edge ever reaches
// this package's encoders.
type Edge struct {
	From uint64
	To   uint64
	Kind EdgeKind
}

// EdgeSize is the encoded size of an Edge record in bytes.
const EdgeSize = 8 + 8 + 1

// EncodeEdge writes e's fixed layout to an EdgeSize-byte slice.
func EncodeEdge(e Edge) []byte {
	buf := make([]byte, EdgeSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.From)
	binary.LittleEndian.PutUint64(buf[8:16], e.To)
	buf[16] = byte(e.Kind)
	return buf
}

// DecodeEdge reads an Edge from the front of buf, which must have at least
// EdgeSize bytes.
func DecodeEdge(buf []byte) (Edge, error) {
	if len(buf) < EdgeSize {
		return Edge{}, fmt.Errorf("record: short edge buffer: %d bytes", len(buf))
	}
	return Edge{
		From: binary.LittleEndian.Uint64(buf[0:8]),
		To:   binary.LittleEndian.Uint64(buf[8:16]),
		Kind: EdgeKind(buf[16]),
	}, nil
}

// Vector is the fixed-layout vector record: {id: u64, dims: [128]f32}.
// All stored vectors are unit-normalized; the index relies on cosine
// similarity being equal to dot product on unit vectors.
type Vector struct {
	ID   uint64
	Dims [VectorDim]float32
}

// VectorSize is the encoded size of a Vector record in bytes.
const VectorSize = 8 + VectorDim*4

// ErrNotNormalized is returned by Normalize when a vector's magnitude is
// zero and cannot be scaled to unit length.
var ErrNotNormalized = errors.New("record: vector has zero magnitude")

// Magnitude returns the Euclidean norm of v.
func Magnitude(v [VectorDim]float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

// IsUnit reports whether v's magnitude is within 1e-5 of 1.
func IsUnit(v [VectorDim]float32) bool {
	return math.Abs(Magnitude(v)-1) < 1e-5
}

// Normalize scales v to unit length in place semantics (returns a new
// array; v is a value type).
func Normalize(v [VectorDim]float32) ([VectorDim]float32, error) {
	mag := Magnitude(v)
	if mag == 0 {
		return v, ErrNotNormalized
	}
	var out [VectorDim]float32
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out, nil
}

// DotProduct computes the dot product of two vectors of equal dimension.
// On unit vectors this equals cosine similarity.
func DotProduct(a, b [VectorDim]float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// EncodeVector writes v's fixed layout to a VectorSize-byte slice.
func EncodeVector(v Vector) []byte {
	buf := make([]byte, VectorSize)
	binary.LittleEndian.PutUint64(buf[0:8], v.ID)
	off := 8
	for _, f := range v.Dims {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(f))
		off += 4
	}
	return buf
}

// DecodeVector reads a Vector from the front of buf, which must have at
// least VectorSize bytes.
func DecodeVector(buf []byte) (Vector, error) {
	if len(buf) < VectorSize {
		return Vector{}, fmt.Errorf("record: short vector buffer: %d bytes", len(buf))
	}
	var v Vector
	v.ID = binary.LittleEndian.Uint64(buf[0:8])
	off := 8
	for i := range v.Dims {
		v.Dims[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return v, nil
}

// ContentBlob is {memory_id: u64, content: bytes} — arbitrary-length
// content associated with a memory node. Unlike Node/Edge/Vector this has
// no fixed size; it lives only in the log and in snapshot content-sidecar
// files, never in a chunk file, since chunk files hold only fixed records.
type ContentBlob struct {
	MemoryID uint64
	Content  []byte
}

// EncodeContentBlob writes b's memory id followed by its raw content bytes.
// The outer log frame's length field carries the total size, so no internal
// length prefix is needed here.
func EncodeContentBlob(b ContentBlob) []byte {
	buf := make([]byte, 8+len(b.Content))
	binary.LittleEndian.PutUint64(buf[0:8], b.MemoryID)
	copy(buf[8:], b.Content)
	return buf
}

// DecodeContentBlob reads a ContentBlob from buf, which must have at least
// 8 bytes (the memory id); any remaining bytes are the content.
func DecodeContentBlob(buf []byte) (ContentBlob, error) {
	if len(buf) < 8 {
		return ContentBlob{}, fmt.Errorf("record: short content blob buffer: %d bytes", len(buf))
	}
	id := binary.LittleEndian.Uint64(buf[0:8])
	content := make([]byte, len(buf)-8)
	copy(content, buf[8:])
	return ContentBlob{MemoryID: id, Content: content}, nil
}

// Kind tags a LogEntry's payload type. Values match the on-disk format in
// the external interface: 1=node, 2=edge, 3=vector, 4=memory_content.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindEdge
	KindVector
	KindMemoryContent
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindEdge:
		return "edge"
	case KindVector:
		return "vector"
	case KindMemoryContent:
		return "memory_content"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// LogEntry is the tagged union every append-log frame carries: a kind, a
// monotonically increasing sequence number, and exactly one populated
// payload field selected by Kind. This replaces inheritance/polymorphism
// with a discriminated union, per the design notes.
type LogEntry struct {
	Kind    Kind
	Seq     uint64
	Node    Node
	Edge    Edge
	Vector  Vector
	Content ContentBlob
}

// Payload encodes just the entry's active payload (not the frame header),
// dispatching on Kind.
func (e LogEntry) Payload() ([]byte, error) {
	switch e.Kind {
	case KindNode:
		return EncodeNode(e.Node), nil
	case KindEdge:
		return EncodeEdge(e.Edge), nil
	case KindVector:
		return EncodeVector(e.Vector), nil
	case KindMemoryContent:
		return EncodeContentBlob(e.Content), nil
	default:
		return nil, fmt.Errorf("record: unknown log entry kind %d", e.Kind)
	}
}

// DecodePayload fills in the entry's payload field for the given kind.
func DecodePayload(kind Kind, seq uint64, payload []byte) (LogEntry, error) {
	e := LogEntry{Kind: kind, Seq: seq}
	var err error
	switch kind {
	case KindNode:
		e.Node, err = DecodeNode(payload)
	case KindEdge:
		e.Edge, err = DecodeEdge(payload)
	case KindVector:
		e.Vector, err = DecodeVector(payload)
	case KindMemoryContent:
		e.Content, err = DecodeContentBlob(payload)
	default:
		err = fmt.Errorf("record: unknown log entry kind %d", kind)
	}
	if err != nil {
		return LogEntry{}, err
	}
	return e, nil
}
