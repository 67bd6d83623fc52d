package wal

import "sync"

// GroupCommit lets multiple concurrent callers share a single fsync.
// A caller's Commit blocks until its record (and every other record
// batched alongside it) has been appended and flushed; the WAL itself
// is still the single appender — GroupCommit only coalesces the fsync
// that durability requires after every Put/Delete.
//
// Pending writers enqueue behind a mutex; the first one to observe an
// empty queue becomes the committer for the whole batch and wakes the
// rest once the shared fsync completes.
type GroupCommit struct {
	wal *WAL

	mu      sync.Mutex
	pending []*commitRequest
}

type commitRequest struct {
	record *Record
	done   chan error
}

func NewGroupCommit(w *WAL) *GroupCommit {
	return &GroupCommit{wal: w}
}

// Commit appends record and returns only after it is durable (or a
// durability error, never a success with partial effect).
func (g *GroupCommit) Commit(record *Record) error {
	req := &commitRequest{record: record, done: make(chan error, 1)}

	g.mu.Lock()
	g.pending = append(g.pending, req)
	isLeader := len(g.pending) == 1
	g.mu.Unlock()

	if isLeader {
		g.runBatch()
	}

	return <-req.done
}

// runBatch takes ownership of every request queued since the batch
// leader enqueued its own, appends them all, and issues exactly one
// fsync for the whole group.
func (g *GroupCommit) runBatch() {
	g.mu.Lock()
	batch := g.pending
	g.pending = nil
	g.mu.Unlock()

	err := g.appendAndFlush(batch)
	for _, req := range batch {
		req.done <- err
	}
}

func (g *GroupCommit) appendAndFlush(batch []*commitRequest) error {
	g.wal.mu.Lock()
	defer g.wal.mu.Unlock()

	for _, req := range batch {
		if err := g.wal.appendLocked(req.record); err != nil {
			return err
		}
	}
	return g.wal.flushLocked()
}
