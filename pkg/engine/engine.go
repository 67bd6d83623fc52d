// Package engine implements the storage engine orchestrator: it routes
// writes to the WAL and memtable, handles memtable rotation and
// background flush, serves reads across the memtable/immutable-memtable
// /sorted-table chain, and owns the live set of sorted tables.
package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/memtable"
	"github.com/ddhadho/cityhall/pkg/metrics"
	"github.com/ddhadho/cityhall/pkg/sstable"
	"github.com/ddhadho/cityhall/pkg/wal"
)

// Options configures a new Engine.
type Options struct {
	DataDir          string
	MemtableLimit    int
	WALSegmentLimit  int64
	WALBufferSize    int
	FalsePositiveRate float64
	Logger           logging.Logger
	Metrics          metrics.Recorder

	// MinReplicaSegment, if set, reports the lowest WAL segment number
	// any currently-registered replica still needs; it feeds retention
	// alongside the WAL's own flush boundary. A nil
	// func behaves as "no replicas registered."
	MinReplicaSegment func() uint64
}

// DefaultOptions returns the engine's documented defaults.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:           dataDir,
		MemtableLimit:     64 * 1024 * 1024,
		WALSegmentLimit:   wal.DefaultSegmentLimit,
		WALBufferSize:     wal.DefaultStagingBufferSize,
		FalsePositiveRate: sstable.DefaultFalsePositiveRate,
	}
}

// Engine is the single-node LSM storage engine.
type Engine struct {
	opts   Options
	logger logging.Logger
	rec    metrics.Recorder

	wal *wal.WAL
	gc  *wal.GroupCommit

	// stateMu guards active/immutable/tables together so readers never
	// observe a half-completed rotation or compaction swap.
	stateMu   sync.RWMutex
	active    *memtable.Memtable
	immutable *memtable.Memtable
	rotateCV  *sync.Cond

	tables      []*sstable.Reader // newest first
	nextOrdinal uint64

	flushWG sync.WaitGroup
	closed  bool
}

// Open recovers state from dataDir (WAL replay + existing sorted
// tables) and returns a ready engine.
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNopRecorder()
	}
	if opts.MemtableLimit <= 0 {
		opts.MemtableLimit = 64 * 1024 * 1024
	}
	if opts.FalsePositiveRate <= 0 {
		opts.FalsePositiveRate = sstable.DefaultFalsePositiveRate
	}

	if err := os.MkdirAll(sstable.Dir(opts.DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create sstable dir: %w", err)
	}

	w, err := wal.Open(opts.DataDir, wal.Options{
		SegmentLimit: opts.WALSegmentLimit,
		BufferSize:   opts.WALBufferSize,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		rec:    opts.Metrics,
		wal:    w,
		gc:     wal.NewGroupCommit(w),
		active: memtable.New(opts.MemtableLimit),
	}
	e.rotateCV = sync.NewCond(&e.stateMu)

	tables, nextOrdinal, err := loadSortedTables(opts.DataDir, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	e.tables = tables
	e.nextOrdinal = nextOrdinal

	if err := e.replayWAL(); err != nil {
		return nil, err
	}

	return e, nil
}

// loadSortedTables opens every *.sst file under dataDir, rejecting (and
// logging, not failing) any that fail validation, matching the
// graceful-degradation policy for a corrupt ST.
func loadSortedTables(dataDir string, logger logging.Logger, rec metrics.Recorder) ([]*sstable.Reader, uint64, error) {
	entries, err := os.ReadDir(sstable.Dir(dataDir))
	if err != nil {
		return nil, 1, fmt.Errorf("engine: read sstable dir: %w", err)
	}

	type ordered struct {
		ordinal uint64
		reader  *sstable.Reader
	}
	var loaded []ordered
	var maxOrdinal uint64

	for _, e := range entries {
		ordinal, ok := sstable.ParseOrdinal(e.Name())
		if !ok {
			continue
		}
		r, err := sstable.Open(sstable.Path(dataDir, ordinal), ordinal)
		if err != nil {
			logger.Warn("rejecting corrupt sorted table", logging.Path(e.Name()), logging.Error(err))
			continue
		}
		r.SetRecorder(rec)
		loaded = append(loaded, ordered{ordinal, r})
		if ordinal > maxOrdinal {
			maxOrdinal = ordinal
		}
	}

	// newest first
	for i := 0; i < len(loaded); i++ {
		for j := i + 1; j < len(loaded); j++ {
			if loaded[j].ordinal > loaded[i].ordinal {
				loaded[i], loaded[j] = loaded[j], loaded[i]
			}
		}
	}

	readers := make([]*sstable.Reader, 0, len(loaded))
	for _, o := range loaded {
		readers = append(readers, o.reader)
	}
	return readers, maxOrdinal + 1, nil
}

// replayWAL rebuilds the active memtable from every durable WAL record.
// It intentionally does not rely on sorted tables already containing
// this data: crash recovery always replays from the WAL, and a record
// that duplicates one already flushed is harmless (freshest timestamp
// wins at read time, and recovered timestamps equal the original ones).
func (e *Engine) replayWAL() error {
	records, err := wal.Recover(e.opts.DataDir)
	if err != nil {
		return fmt.Errorf("engine: wal recovery: %w", err)
	}
	for _, r := range records {
		if r.Op == wal.OpDelete {
			e.active.Delete(r.Key, r.Timestamp)
		} else {
			e.active.Insert(r.Key, r.Value, r.Timestamp)
		}
	}
	if len(records) > 0 {
		e.logger.Info("recovered wal records", logging.Count(len(records)))
	}
	return nil
}

// Put durably appends (key, value) and buffers it in the active
// memtable, rotating to a new memtable if the byte limit is reached.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(key, value, wal.OpPut)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.apply(key, nil, wal.OpDelete)
}

func (e *Engine) apply(key, value []byte, op wal.OpType) error {
	start := time.Now()

	e.stateMu.RLock()
	closed := e.closed
	e.stateMu.RUnlock()
	if closed {
		return ErrClosed
	}

	ts := uint64(time.Now().UnixMicro())
	rec := &wal.Record{Key: key, Value: value, Timestamp: ts, Op: op}

	if err := e.gc.Commit(rec); err != nil {
		if errors.Is(err, wal.ErrCapacity) {
			return ErrCapacity
		}
		return fmt.Errorf("engine: wal append: %w", err)
	}

	e.stateMu.Lock()
	if op == wal.OpDelete {
		e.active.Delete(key, ts)
	} else {
		e.active.Insert(key, value, ts)
	}
	full := e.active.IsFull()
	e.stateMu.Unlock()

	e.rec.ObserveWrite(time.Since(start))

	if full {
		e.Rotate()
	}
	return nil
}

// Rotate reclassifies the active memtable as immutable and starts a
// background flush. If an immutable memtable already exists, the
// caller blocks until it has been cleared (writer backpressure) rather
// than dropping state by overwriting an unflushed immutable memtable.
func (e *Engine) Rotate() {
	e.stateMu.Lock()
	for e.immutable != nil && !e.closed {
		e.rotateCV.Wait()
	}
	if e.closed {
		e.stateMu.Unlock()
		return
	}

	e.immutable = e.active
	e.active = memtable.New(e.opts.MemtableLimit)
	flushBoundary := e.wal.CurrentSegment()
	e.stateMu.Unlock()

	e.flushWG.Add(1)
	go e.flush(flushBoundary)
}

// Get resolves key across the memtable, immutable memtable, and sorted
// tables newest-to-oldest, stopping at the first hit.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	defer func() { e.rec.ObserveRead(time.Since(start)) }()

	e.stateMu.RLock()
	closed := e.closed
	if closed {
		e.stateMu.RUnlock()
		return nil, false, ErrClosed
	}
	if entry, ok := e.active.Get(key); ok {
		e.stateMu.RUnlock()
		e.rec.IncReadHit()
		if entry.Deleted {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}
	if e.immutable != nil {
		if entry, ok := e.immutable.Get(key); ok {
			e.stateMu.RUnlock()
			e.rec.IncReadHit()
			if entry.Deleted {
				return nil, false, nil
			}
			return entry.Value, true, nil
		}
	}
	tables := e.tables // copy-on-write slice: safe to read the header under RLock
	e.stateMu.RUnlock()

	for _, t := range tables {
		entry, ok, err := t.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("engine: sstable lookup: %w", err)
		}
		if ok {
			e.rec.IncReadHit()
			if entry.Deleted {
				return nil, false, nil
			}
			return entry.Value, true, nil
		}
	}

	e.rec.IncReadMiss()
	return nil, false, nil
}

// Metrics returns the engine's current state as plain values, for
// gauges that need the engine's live byte footprint / table count.
func (e *Engine) Metrics() (memtableBytes int, tableCount int) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	b := e.active.ByteEstimate()
	if e.immutable != nil {
		b += e.immutable.ByteEstimate()
	}
	return b, len(e.tables)
}

// SwapTables atomically replaces a set of input tables with a set of
// output tables, implementing the copy-on-write ST-set policy: readers
// already holding the old slice complete unaffected.
func (e *Engine) SwapTables(inputs, outputs []*sstable.Reader) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	inputSet := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		inputSet[t.Ordinal] = true
	}

	next := make([]*sstable.Reader, 0, len(e.tables)-len(inputs)+len(outputs))
	next = append(next, outputs...)
	for _, t := range e.tables {
		if !inputSet[t.Ordinal] {
			next = append(next, t)
		}
	}
	e.tables = next
}

// registerFlushedTable inserts a freshly flushed table as the newest.
func (e *Engine) registerFlushedTable(r *sstable.Reader) {
	e.stateMu.Lock()
	e.tables = append([]*sstable.Reader{r}, e.tables...)
	e.stateMu.Unlock()
}

// NextSortedTableOrdinal reserves the next creation ordinal.
func (e *Engine) NextSortedTableOrdinal() uint64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	n := e.nextOrdinal
	e.nextOrdinal++
	return n
}

// SnapshotTables returns the current live table set, newest first, for
// the compactor to plan against.
func (e *Engine) SnapshotTables() []*sstable.Reader {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return append([]*sstable.Reader(nil), e.tables...)
}

// WAL exposes the underlying WAL for the replication server's segment
// RPCs.
func (e *Engine) WAL() *wal.WAL { return e.wal }

// DataDir exposes the engine's data directory for the compactor's
// output table naming.
func (e *Engine) DataDir() string { return e.opts.DataDir }

// Shutdown flushes the WAL, waits for any in-flight flush, and closes
// every open sorted table.
func (e *Engine) Shutdown() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.rotateCV.Broadcast()
	e.stateMu.Unlock()

	e.flushWG.Wait()

	if err := e.wal.Flush(); err != nil {
		return fmt.Errorf("engine: final wal flush: %w", err)
	}
	if err := e.wal.Close(); err != nil {
		return fmt.Errorf("engine: close wal: %w", err)
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	var firstErr error
	for _, t := range e.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
