package engine

import (
	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/sstable"
)

// flush is the background task spawned by Rotate: it drains the
// immutable memtable in key order into a new sorted table, registers
// it, clears the immutable slot, marks the WAL flush boundary, and
// triggers retention-aware cleanup. It never runs inline from Put/Get
// It runs entirely off the Put/Get hot path.
func (e *Engine) flush(flushBoundary uint64) {
	defer e.flushWG.Done()

	timer := logging.StartTimer(e.logger, "flushed immutable memtable")

	e.stateMu.RLock()
	imm := e.immutable
	e.stateMu.RUnlock()
	if imm == nil {
		return
	}

	entries := imm.DrainOrdered()
	ordinal := e.NextSortedTableOrdinal()
	path := sstable.Path(e.opts.DataDir, ordinal)

	w, err := sstable.NewWriter(path, len(entries))
	if err != nil {
		e.logger.Error("flush: open sstable writer", logging.Error(err))
		timer.EndError(err)
		return
	}

	for _, ke := range entries {
		if err := w.Add(sstable.Entry{
			Key:       ke.Key,
			Value:     ke.Value,
			Timestamp: ke.Timestamp,
			Deleted:   ke.Deleted,
		}); err != nil {
			e.logger.Error("flush: write entry", logging.Error(err))
			w.Abort()
			timer.EndError(err)
			return
		}
	}

	if err := w.Finish(); err != nil {
		e.logger.Error("flush: finish sstable", logging.Error(err))
		timer.EndError(err)
		return
	}

	reader, err := sstable.Open(path, ordinal)
	if err != nil {
		e.logger.Error("flush: reopen freshly written sstable", logging.Error(err))
		timer.EndError(err)
		return
	}
	reader.SetRecorder(e.rec)

	e.registerFlushedTable(reader)

	e.stateMu.Lock()
	e.immutable = nil
	e.rotateCV.Broadcast()
	e.stateMu.Unlock()

	e.wal.MarkFlushed(flushBoundary)
	e.rec.IncFlush()

	minReplicaSeg := uint64(0)
	if e.opts.MinReplicaSegment != nil {
		minReplicaSeg = e.opts.MinReplicaSegment()
	}
	if deleted, err := e.wal.Cleanup(minReplicaSeg); err != nil {
		e.logger.Error("flush: wal cleanup", logging.Error(err))
	} else if len(deleted) > 0 {
		e.logger.Info("wal segments reclaimed", logging.Count(len(deleted)))
	}

	timer.End()
}
