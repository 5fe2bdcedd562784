package walog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/record"
	"github.com/stretchr/testify/require"
)

func testLogPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "memora.log")
}

func TestAppendAndIterate(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)
	defer l.Close()

	var label [record.LabelSize]byte
	copy(label[:], "a")
	seq1, err := l.Append(record.KindNode, record.EncodeNode(record.Node{ID: 1, Label: label}))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := l.Append(record.KindEdge, record.EncodeEdge(record.Edge{From: 1, To: 2, Kind: record.EdgeRelated}))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	r, err := l.Iterator()
	require.NoError(t, err)
	defer r.Close()

	e1, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.KindNode, e1.Kind)
	require.Equal(t, uint64(1), e1.Node.ID)

	e2, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.KindEdge, e2.Kind)

	_, ok, err = r.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTailAfterSkipsCommittedPrefix(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)
	defer l.Close()

	for i := uint64(1); i <= 5; i++ {
		_, err := l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: i}))
		require.NoError(t, err)
	}

	r, err := l.TailAfter(3)
	require.NoError(t, err)
	defer r.Close()

	var seen []uint64
	for {
		e, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, e.Vector.ID)
	}
	require.Equal(t, []uint64{4, 5}, seen)
}

func TestReopenPreservesSequenceCounter(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)

	_, err = l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: 1}))
	require.NoError(t, err)
	_, err = l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: 2}))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(3), l2.NextSeq())
}

func TestRecoveryTruncatesCorruptTailEntry(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)

	var lastFrameOffset int64
	for i := uint64(1); i <= 10; i++ {
		info, statErr := os.Stat(path)
		require.NoError(t, statErr)
		lastFrameOffset = info.Size()
		_, err := l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: i}))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Corrupt a byte inside the CRC of the last (10th) frame.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_ = lastFrameOffset

	l2, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(10), l2.NextSeq()) // 9 survivors, seq 10 up next

	r, err := l2.Iterator()
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for {
		_, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 9, count)
}

func TestTruncatePrefixDropsCompactedRangeButKeepsSeqNumbers(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)
	defer l.Close()

	for i := uint64(1); i <= 5; i++ {
		_, err := l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: i}))
		require.NoError(t, err)
	}

	require.NoError(t, l.TruncatePrefix(3))
	require.Equal(t, uint64(6), l.NextSeq(), "compaction must not change the next assigned sequence")

	r, err := l.Iterator()
	require.NoError(t, err)
	defer r.Close()

	var seen []uint64
	for {
		e, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, e.Seq)
	}
	require.Equal(t, []uint64{4, 5}, seen)

	// A subsequent append continues the original sequence.
	seq, err := l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: 6}))
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq)
}

func TestRecoveryFatalOnInteriorCorruption(t *testing.T) {
	path := testLogPath(t)
	l, err := Open(path, Config{}, logging.Nop())
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		_, err := l.Append(record.KindVector, record.EncodeVector(record.Vector{ID: i}))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Flip a byte in the middle of the file, inside an interior frame's
	// payload, leaving later frames intact.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	mid := info.Size() / 2
	_, err = f.WriteAt([]byte{0xAB}, mid)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, Config{}, logging.Nop())
	require.ErrorIs(t, err, ErrCorruption)
}
