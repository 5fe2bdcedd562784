// Package walog implements the append-only, checksummed write-ahead log
// that is the sole source of durable truth for memora: a single file of
// length-prefixed, CRC32-framed entries, a replay iterator,
// truncate-on-bad-tail recovery, and latency-based backpressure.
//
// Frames use little-endian binary framing with a kind tag, a sequence
// number, and a trailing CRC32 over the payload.
package walog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/liliang-cn/memora/internal/logging"
	"github.com/liliang-cn/memora/record"
)

// Sentinel errors. The facade maps these onto its own public error kinds
// (Corruption, Backpressure, Io) via errors.Is.
var (
	// ErrCorruption is returned when a CRC mismatch is found in the
	// interior of the log (not the tail) — fatal.
	ErrCorruption = errors.New("walog: interior CRC mismatch")
	// ErrBackpressure is returned when append latency has been above the
	// configured watermark.
	ErrBackpressure = errors.New("walog: append latency above watermark")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("walog: log is closed")
)

// frame header sizes.
const (
	lengthFieldSize = 4
	kindFieldSize   = 1
	seqFieldSize    = 8
	crcFieldSize    = 4
	headerSize      = kindFieldSize + seqFieldSize // after the length prefix
)

// Config controls the log's commit and admission-control policy.
type Config struct {
	// FsyncWindow controls fsync batching. Zero (the zero value) means
	// fsync after every append. With a positive window, an append that
	// lands less than FsyncWindow after the previous fsync skips its own
	// fsync; its data is flushed to the OS but is synced only by a later
	// append outside the window or an explicit Fsync. No timer bounds how
	// long such data stays unsynced.
	FsyncWindow time.Duration
	// BackpressureHighWatermark is the append-latency EMA above which new
	// writes are refused with ErrBackpressure. Zero disables backpressure.
	BackpressureHighWatermark time.Duration
}

// Log is the append-only log file. All mutating methods are intended to be
// called from a single writer (the facade's single-threaded core); the
// mutex here is a defensive guard against misuse, not the primary
// concurrency mechanism.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	logger logging.Logger

	cfg       Config
	nextSeq   uint64
	lastFsync time.Time
	latencyEMA time.Duration
	closed    bool
}

// Open opens (creating if necessary) the log file at path, scans it for a
// truncated or corrupt tail (per §4.1's recovery rule) and fixes the file
// up in place, then positions it for appending. The returned Log's NextSeq
// is one past the highest sequence number observed in the (post-truncation)
// file.
func Open(path string, cfg Config, logger logging.Logger) (*Log, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	maxSeq, err := recoverAndTruncate(path, logger)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}

	nextSeq := uint64(1)
	if maxSeq > 0 {
		nextSeq = maxSeq + 1
	}

	return &Log{
		path:      path,
		file:      f,
		w:         bufio.NewWriter(f),
		logger:    logger,
		cfg:       cfg,
		nextSeq:   nextSeq,
		lastFsync: time.Now(),
	}, nil
}

// NextSeq returns the sequence number the next Append call will assign.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Append frames and writes one log entry, returning its assigned sequence
// number. Writes are buffered then flushed on every call; fsync happens
// immediately unless a positive FsyncWindow batches it with a nearby prior
// append (documented commit policy per §4.1).
func (l *Log) Append(kind record.Kind, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.cfg.BackpressureHighWatermark > 0 && l.latencyEMA > l.cfg.BackpressureHighWatermark {
		return 0, ErrBackpressure
	}

	start := time.Now()
	seq := l.nextSeq

	frame := encodeFrame(kind, seq, payload)
	if _, err := l.w.Write(frame); err != nil {
		return 0, fmt.Errorf("walog: write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("walog: flush: %w", err)
	}

	if l.cfg.FsyncWindow <= 0 || time.Since(l.lastFsync) >= l.cfg.FsyncWindow {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("walog: fsync: %w", err)
		}
		l.lastFsync = time.Now()
	}

	l.nextSeq++

	latency := time.Since(start)
	// Exponential moving average with a 0.2 gain; smooths single-append
	// spikes without masking a sustained slowdown for more than a few
	// appends.
	if l.latencyEMA == 0 {
		l.latencyEMA = latency
	} else {
		l.latencyEMA = l.latencyEMA*4/5 + latency/5
	}

	l.logger.Debug("wal append", "seq", seq, "kind", kind.String(), "bytes", len(frame))
	return seq, nil
}

// Fsync forces any buffered writes to durable storage, used for externally
// acknowledged durability barriers such as snapshot creation.
func (l *Log) Fsync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("walog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("walog: fsync: %w", err)
	}
	l.lastFsync = time.Now()
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("walog: flush on close: %w", err)
	}
	return l.file.Close()
}

// TruncatePrefix rewrites the log file to contain only entries with
// Seq > cursor, preserving their original sequence numbers and frame
// bytes exactly. Used by the optional Compact operation. The writer's
// NextSeq is unaffected: compaction only drops committed history a
// snapshot has already made redundant, never in-flight state.
func (l *Log) TruncatePrefix(cursor uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("walog: flush before compact: %w", err)
	}

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("walog: open for compact: %w", err)
	}
	defer src.Close()
	reader := &Reader{f: src, br: bufio.NewReader(src), afterSeq: cursor}

	tmpPath := l.path + ".compact.tmp"
	dst, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walog: create compact tmp: %w", err)
	}
	w := bufio.NewWriter(dst)

	for {
		entry, ok, err := reader.Next()
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("walog: read during compact: %w", err)
		}
		if !ok {
			break
		}
		payload, err := entry.Payload()
		if err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("walog: encode during compact: %w", err)
		}
		if _, err := w.Write(encodeFrame(entry.Kind, entry.Seq, payload)); err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("walog: write during compact: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walog: flush compact tmp: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walog: sync compact tmp: %w", err)
	}
	dst.Close()

	l.file.Close()
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("walog: rename compact tmp: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("walog: reopen after compact: %w", err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.lastFsync = time.Now()
	l.logger.Info("wal compacted", "cursor", cursor)
	return nil
}

// Reader is a lazy, forward-only sequence of log entries read from disk.
type Reader struct {
	f        *os.File
	br       *bufio.Reader
	afterSeq uint64
	pastCursor bool
}

// Iterator returns a Reader over every entry in the log, from the start.
func (l *Log) Iterator() (*Reader, error) {
	return l.openReader(0)
}

// TailAfter returns a Reader over entries with Seq > seq, in order.
func (l *Log) TailAfter(seq uint64) (*Reader, error) {
	return l.openReader(seq)
}

func (l *Log) openReader(afterSeq uint64) (*Reader, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("walog: open reader: %w", err)
	}
	return &Reader{f: f, br: bufio.NewReader(f), afterSeq: afterSeq}, nil
}

// Next returns the next entry. ok is false (with a nil error) at a clean
// end of log.
func (r *Reader) Next() (record.LogEntry, bool, error) {
	for {
		entry, ok, err := readFrame(r.br)
		if err != nil || !ok {
			return record.LogEntry{}, false, err
		}
		if !r.pastCursor {
			if entry.Seq <= r.afterSeq {
				continue
			}
			r.pastCursor = true
		}
		return entry, true, nil
	}
}

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }

// encodeFrame builds one on-disk frame:
// [u32 length][u8 kind][u64 seq][payload][u32 crc32(payload)].
func encodeFrame(kind record.Kind, seq uint64, payload []byte) []byte {
	total := lengthFieldSize + headerSize + len(payload) + crcFieldSize
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint64(buf[5:13], seq)
	copy(buf[13:13+len(payload)], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[13+len(payload):], crc)
	return buf
}

// readFrame reads one frame from r. ok is false with a nil error at a
// clean EOF exactly on a frame boundary. A structural short-read (a
// partial length header or an incomplete body) is also reported as a
// clean, non-error end of sequence: recoverAndTruncate is responsible for
// having already trimmed such bytes off the file before any Reader is
// constructed, so mid-stream callers should never actually observe this,
// but readFrame degrades gracefully rather than panicking if they do.
func readFrame(br *bufio.Reader) (record.LogEntry, bool, error) {
	var lenBuf [lengthFieldSize]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return record.LogEntry{}, false, nil
		}
		return record.LogEntry{}, false, fmt.Errorf("walog: read length: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

	rest := make([]byte, headerSize+int(payloadLen)+crcFieldSize)
	if _, err := io.ReadFull(br, rest); err != nil {
		return record.LogEntry{}, false, nil
	}

	kind := record.Kind(rest[0])
	seq := binary.LittleEndian.Uint64(rest[1:9])
	payload := rest[9 : 9+payloadLen]
	storedCRC := binary.LittleEndian.Uint32(rest[9+payloadLen:])
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return record.LogEntry{}, false, ErrCorruption
	}

	entry, err := record.DecodePayload(kind, seq, payload)
	if err != nil {
		return record.LogEntry{}, false, err
	}
	return entry, true, nil
}

// recoverAndTruncate scans path frame by frame, applying §4.1's failure
// semantics: a structurally truncated tail frame, or a CRC mismatch on the
// last complete frame in the file, is silently dropped and the file is
// truncated to the last good boundary. A CRC mismatch on a frame that is
// NOT the last complete frame is interior corruption and is fatal. It
// returns the highest sequence number observed among surviving frames (0 if
// the file is empty or new).
func recoverAndTruncate(path string, logger logging.Logger) (uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("walog: open for recovery: %w", err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("walog: seek end: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("walog: seek start: %w", err)
	}

	br := bufio.NewReader(f)
	var (
		offset int64
		maxSeq uint64
	)

	for {
		var lenBuf [lengthFieldSize]byte
		n, err := io.ReadFull(br, lenBuf[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				break // clean end, exactly on a boundary
			}
			// Partial length header: truncated tail.
			return truncateTail(f, offset, int64(n), logger, maxSeq)
		}

		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
		frameBodySize := int64(headerSize) + int64(payloadLen) + int64(crcFieldSize)
		remaining := size - offset - lengthFieldSize
		if remaining < frameBodySize {
			// Declared length claims more bytes than the file has left:
			// truncated tail.
			return truncateTail(f, offset, 0, logger, maxSeq)
		}

		body := make([]byte, frameBodySize)
		if _, err := io.ReadFull(br, body); err != nil {
			return truncateTail(f, offset, 0, logger, maxSeq)
		}

		kind := record.Kind(body[0])
		seq := binary.LittleEndian.Uint64(body[1:9])
		payload := body[9 : 9+payloadLen]
		storedCRC := binary.LittleEndian.Uint32(body[9+payloadLen:])

		frameEnd := offset + lengthFieldSize + frameBodySize
		isLastFrame := frameEnd >= size

		if crc32.ChecksumIEEE(payload) != storedCRC {
			if isLastFrame {
				logger.Warn("wal tail CRC mismatch, truncating", "offset", offset)
				return truncateTail(f, offset, 0, logger, maxSeq)
			}
			return 0, fmt.Errorf("walog: %w at offset %d (kind=%s seq=%d)", ErrCorruption, offset, kind.String(), seq)
		}

		if seq > maxSeq {
			maxSeq = seq
		}
		offset = frameEnd
	}

	return maxSeq, nil
}

// truncateTail truncates f to offset, dropping any partial or
// tail-corrupt frame that starts there.
func truncateTail(f *os.File, offset int64, _ int64, logger logging.Logger, maxSeq uint64) (uint64, error) {
	if err := f.Truncate(offset); err != nil {
		return 0, fmt.Errorf("walog: truncate: %w", err)
	}
	logger.Info("wal recovery truncated bad tail", "boundary_offset", offset)
	return maxSeq, nil
}
