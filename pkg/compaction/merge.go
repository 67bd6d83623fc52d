package compaction

import (
	"bytes"
	"container/heap"

	"github.com/ddhadho/cityhall/pkg/sstable"
)

// heapItem tracks one input table's current entry, plus enough to
// break ties so that newer tables win on duplicate keys.
type heapItem struct {
	entry     sstable.Entry
	iter      *sstable.Iterator
	ordinal   uint64 // higher ordinal == newer table, wins ties
	exhausted bool
}

// mergeHeap orders items by key, then by descending ordinal so the
// newest version of a duplicated key surfaces first.
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].entry.Key, h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].ordinal > h[j].ordinal
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// mergedIterator walks every input table's Iterator in key order via a
// container/heap k-way merge, dropping every version but the newest
// for a duplicated key, and optionally dropping the surviving
// tombstones.
type mergedIterator struct {
	h          mergeHeap
	dropTombs  bool
	pendingErr error
}

func newMergedIterator(inputs []*sstable.Reader, dropTombstones bool) (*mergedIterator, error) {
	m := &mergedIterator{dropTombs: dropTombstones}
	for _, t := range inputs {
		it, err := t.Iterator()
		if err != nil {
			return nil, err
		}
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.h = append(m.h, &heapItem{entry: e, iter: it, ordinal: t.Ordinal})
	}
	heap.Init(&m.h)
	return m, nil
}

// Next returns the next deduplicated entry in key order, or (zero,
// false, nil) once every input is exhausted. Tombstones are surfaced
// unless the iterator was built with dropTombstones.
func (m *mergedIterator) Next() (sstable.Entry, bool, error) {
	for m.h.Len() > 0 {
		top := m.h[0]
		key := top.entry.Key
		winner := top.entry

		// Drain every item currently at this key, advancing each past
		// it; the heap ordering already put the newest version first.
		for m.h.Len() > 0 && bytes.Equal(m.h[0].entry.Key, key) {
			item := heap.Pop(&m.h).(*heapItem)
			next, ok, err := item.iter.Next()
			if err != nil {
				return sstable.Entry{}, false, err
			}
			if ok {
				item.entry = next
				heap.Push(&m.h, item)
			}
		}

		if winner.Deleted && m.dropTombs {
			continue
		}
		return winner, true, nil
	}
	return sstable.Entry{}, false, nil
}
