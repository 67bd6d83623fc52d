package wal

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ddhadho/cityhall/pkg/logging"
)

// DefaultSegmentLimit is the default size, in bytes, at which the
// active segment is sealed and a new one is opened.
const DefaultSegmentLimit = 100 * 1024 * 1024

// DefaultStagingBufferSize is the default size of the in-memory buffer
// records are accumulated into before being written to the active segment.
const DefaultStagingBufferSize = 16 * 1024

// WAL is a segmented, append-only, checksummed durable log.
//
// Writers serialize through a single mutex (one appender at a time);
// GroupCommit on top of WAL lets concurrent callers share a single
// fsync, via the group-commit gate.
type WAL struct {
	mu sync.Mutex

	dir              string
	active           *walSegment
	segmentNumber    uint64
	segmentLimit     int64
	stagingBuf       []byte
	stagingCap       int
	lastFlushedSeg   uint64
	logger           logging.Logger
}

// Options configures a WAL instance.
type Options struct {
	SegmentLimit int64 // bytes; 0 selects DefaultSegmentLimit
	BufferSize   int   // bytes; 0 selects DefaultStagingBufferSize
	Logger       logging.Logger
}

// Open creates or resumes a segmented WAL rooted at dataDir/wal_segments.
// On resume it finds the highest-numbered existing segment and starts a
// fresh segment one above it, so new records never follow a torn tail
// left by a crash (the number comes from the directory scan, not a
// separate counter file).
func Open(dataDir string, opts Options) (*WAL, error) {
	dir := fmt.Sprintf("%s/%s", dataDir, segmentDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create segment dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	limit := opts.SegmentLimit
	if limit <= 0 {
		limit = DefaultSegmentLimit
	}
	bufCap := opts.BufferSize
	if bufCap <= 0 {
		bufCap = DefaultStagingBufferSize
	}

	latest, err := findLatestSegmentNumber(dir)
	if err != nil {
		return nil, err
	}
	latest++

	seg, err := createWalSegment(dir, latest)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:           dir,
		active:        seg,
		segmentNumber: latest,
		segmentLimit:  limit,
		stagingBuf:    make([]byte, 0, bufCap),
		stagingCap:    bufCap,
		logger:        logger,
	}
	return w, nil
}

func findLatestSegmentNumber(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("wal: read segment dir: %w", err)
	}
	var max uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseSegmentNumber(e.Name()); ok && n > max {
			max = n
		}
	}
	return max, nil
}

// Append encodes record into the staging buffer. When the buffer fills
// it is drained to the active segment; if writing would push the
// segment past its size limit, the segment is rotated first.
func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(r)
}

func (w *WAL) appendLocked(r *Record) error {
	buf, err := r.Encode(nil)
	if err != nil {
		return err
	}

	if w.active.bytesWritten+int64(len(w.stagingBuf)+len(buf)) >= w.segmentLimit {
		if err := w.drainLocked(); err != nil {
			return err
		}
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	w.stagingBuf = append(w.stagingBuf, buf...)
	if len(w.stagingBuf) >= w.stagingCap {
		return w.drainLocked()
	}
	return nil
}

// drainLocked writes the staging buffer to the active segment without
// fsyncing. Caller holds w.mu.
func (w *WAL) drainLocked() error {
	if len(w.stagingBuf) == 0 {
		return nil
	}
	if err := w.active.write(w.stagingBuf); err != nil {
		return fmt.Errorf("wal: write segment %d: %w", w.active.number, err)
	}
	w.stagingBuf = w.stagingBuf[:0]
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.active.close(); err != nil {
		return err
	}
	w.segmentNumber++
	seg, err := createWalSegment(w.dir, w.segmentNumber)
	if err != nil {
		return err
	}
	w.active = seg
	w.logger.Info("rotated wal segment", logging.Segment(w.segmentNumber))
	return nil
}

// Flush drains the staging buffer and fsyncs the active segment.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.drainLocked(); err != nil {
		return err
	}
	return w.active.flush()
}

// MarkFlushed records that every segment up to and including segNo has
// been durably persisted into a sorted table.
func (w *WAL) MarkFlushed(segNo uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if segNo > w.lastFlushedSeg {
		w.lastFlushedSeg = segNo
	}
}

// Cleanup deletes sealed segments strictly below
// min(lastFlushedSeg, minReplicaSeg). A minReplicaSeg of 0 means "no
// replicas are registered" and only the flush boundary is consulted.
// The active segment is never touched.
func (w *WAL) Cleanup(minReplicaSeg uint64) (deleted []uint64, err error) {
	w.mu.Lock()
	safeBelow := w.lastFlushedSeg
	if minReplicaSeg > 0 && minReplicaSeg < safeBelow {
		safeBelow = minReplicaSeg
	}
	active := w.segmentNumber
	dir := w.dir
	w.mu.Unlock()

	if safeBelow == 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read segment dir: %w", err)
	}
	for _, e := range entries {
		n, ok := parseSegmentNumber(e.Name())
		if !ok || n >= safeBelow || n >= active {
			continue
		}
		if err := os.Remove(segmentPath(dir, n)); err != nil {
			return deleted, fmt.Errorf("wal: remove segment %d: %w", n, err)
		}
		deleted = append(deleted, n)
	}
	if len(deleted) > 0 {
		w.logger.Info("wal cleanup", logging.Count(len(deleted)))
	}
	return deleted, nil
}

// ListSealed returns sealed (non-active) segment numbers in ascending order.
func (w *WAL) ListSealed() ([]uint64, error) {
	w.mu.Lock()
	active := w.segmentNumber
	dir := w.dir
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read segment dir: %w", err)
	}
	var sealed []uint64
	for _, e := range entries {
		if n, ok := parseSegmentNumber(e.Name()); ok && n < active {
			sealed = append(sealed, n)
		}
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i] < sealed[j] })
	return sealed, nil
}

// CurrentSegment returns the active (writable) segment number.
func (w *WAL) CurrentSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentNumber
}

// IsSealed reports whether n is a sealed segment with a file on disk.
func (w *WAL) IsSealed(n uint64) bool {
	w.mu.Lock()
	active := w.segmentNumber
	dir := w.dir
	w.mu.Unlock()
	if n >= active {
		return false
	}
	_, err := os.Stat(segmentPath(dir, n))
	return err == nil
}

// ReadSegment returns every record recoverable from sealed segment n, in
// append order, stopping at the first corrupt record (tail tolerance).
func (w *WAL) ReadSegment(n uint64) ([]*Record, error) {
	w.mu.Lock()
	active := w.segmentNumber
	dir := w.dir
	w.mu.Unlock()

	if n == active {
		return nil, ErrSegmentActive
	}
	path := segmentPath(dir, n)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrSegmentNotFound
	}
	return readSegmentFile(path)
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.active.file.Close()
}
