package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync"

	"github.com/ddhadho/cityhall/pkg/bloom"
	"github.com/ddhadho/cityhall/pkg/metrics"
)

// Reader is an open, immutable sorted table. Its index and filter are
// loaded into memory at Open; data blocks are read from disk on demand.
type Reader struct {
	path     string
	Ordinal  uint64
	hdr      header
	index    []IndexEntry
	filter   *bloom.Filter
	rec      metrics.Recorder

	mu   sync.Mutex
	file *os.File
}

// SetRecorder attaches the metrics recorder a table's block reads count
// against. Callers that never set one get NopRecorder's silence, set at
// Open.
func (r *Reader) SetRecorder(rec metrics.Recorder) {
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	r.rec = rec
}

// Open validates and loads a sorted table's header, footer, index, and
// filter. Any failure — bad magic, bad version, a bad footer checksum,
// a truncated index or filter — causes the table to be rejected; the
// caller (the engine's startup scan) is expected to log and skip it
// rather than fail overall recovery.
func Open(path string, ordinal uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	r := &Reader{path: path, Ordinal: ordinal, file: f, rec: metrics.NewNopRecorder()}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < headerSize+footerSize {
		return fmt.Errorf("sstable: %s too small to contain header+footer", r.path)
	}

	var hdrBuf [headerSize]byte
	if _, err := r.file.ReadAt(hdrBuf[:], 0); err != nil {
		return fmt.Errorf("sstable: read header: %w", err)
	}
	r.hdr.Magic = binary.LittleEndian.Uint32(hdrBuf[0:4])
	r.hdr.Version = binary.LittleEndian.Uint16(hdrBuf[4:6])
	r.hdr.NumBlocks = binary.LittleEndian.Uint32(hdrBuf[6:10])
	r.hdr.MinTS = binary.LittleEndian.Uint64(hdrBuf[10:18])
	r.hdr.MaxTS = binary.LittleEndian.Uint64(hdrBuf[18:26])

	if r.hdr.Magic != Magic {
		return fmt.Errorf("sstable: %s: bad magic %x", r.path, r.hdr.Magic)
	}
	if r.hdr.Version != Version {
		return fmt.Errorf("sstable: %s: unsupported version %d", r.path, r.hdr.Version)
	}

	var ftrBuf [footerSize]byte
	if _, err := r.file.ReadAt(ftrBuf[:], info.Size()-footerSize); err != nil {
		return fmt.Errorf("sstable: read footer: %w", err)
	}
	var ftr footer
	ftr.IndexOffset = binary.LittleEndian.Uint64(ftrBuf[0:8])
	ftr.FilterOffset = binary.LittleEndian.Uint64(ftrBuf[8:16])
	ftr.IndexSize = binary.LittleEndian.Uint64(ftrBuf[16:24])
	ftr.FilterSize = binary.LittleEndian.Uint64(ftrBuf[24:32])
	ftr.FooterChecksum = binary.LittleEndian.Uint32(ftrBuf[32:36])

	if crc32.ChecksumIEEE(ftrBuf[:32]) != ftr.FooterChecksum {
		return fmt.Errorf("sstable: %s: footer checksum mismatch", r.path)
	}

	filterBuf := make([]byte, ftr.FilterSize)
	if _, err := r.file.ReadAt(filterBuf, int64(ftr.FilterOffset)); err != nil {
		return fmt.Errorf("sstable: read filter: %w", err)
	}
	r.filter = &bloom.Filter{}
	if err := r.filter.UnmarshalBinary(filterBuf); err != nil {
		return fmt.Errorf("sstable: %s: bad filter: %w", r.path, err)
	}

	indexBuf := make([]byte, ftr.IndexSize)
	if _, err := r.file.ReadAt(indexBuf, int64(ftr.IndexOffset)); err != nil {
		return fmt.Errorf("sstable: read index: %w", err)
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return fmt.Errorf("sstable: %s: bad index: %w", r.path, err)
	}
	r.index = index
	return nil
}

// Get looks up key, consulting the membership filter before any I/O.
// It returns (entry, true) on a hit — including a tombstone, whose
// Deleted flag the caller must check — or (zero, false) on a miss.
func (r *Reader) Get(key []byte) (Entry, bool, error) {
	if !r.filter.MayContain(key) {
		return Entry{}, false, nil
	}

	blockIdx := r.findBlock(key)
	if blockIdx < 0 {
		return Entry{}, false, nil
	}

	entries, err := r.readBlock(blockIdx)
	if err != nil {
		return Entry{}, false, err
	}

	var best Entry
	found := false
	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			if !found || e.Timestamp >= best.Timestamp {
				best = e
				found = true
			}
		}
	}
	return best, found, nil
}

// findBlock binary searches the sparse index for the single block that
// could contain key (the last block whose first key is <= key).
func (r *Reader) findBlock(key []byte) int {
	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].FirstKey, key) > 0
	})
	if idx == 0 {
		if len(r.index) > 0 && bytes.Equal(r.index[0].FirstKey, key) {
			return 0
		}
		return -1
	}
	return idx - 1
}

func (r *Reader) readBlock(i int) ([]Entry, error) {
	entry := r.index[i]
	buf := make([]byte, entry.CompressedSize)

	r.mu.Lock()
	_, err := r.file.ReadAt(buf, int64(entry.Offset))
	r.mu.Unlock()
	r.rec.IncBlockRead()
	if err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	return decodeBlock(buf)
}

// Iterator yields every entry in key order, for compaction's k-way merge.
func (r *Reader) Iterator() (*Iterator, error) {
	return &Iterator{reader: r, blockIdx: -1}, nil
}

// Iterator is a forward-only cursor over a Reader's entries.
type Iterator struct {
	reader   *Reader
	blockIdx int
	entries  []Entry
	pos      int
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() (Entry, bool, error) {
	for it.pos >= len(it.entries) {
		it.blockIdx++
		if it.blockIdx >= len(it.reader.index) {
			return Entry{}, false, nil
		}
		entries, err := it.reader.readBlock(it.blockIdx)
		if err != nil {
			return Entry{}, false, err
		}
		it.entries = entries
		it.pos = 0
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

// MinTimestamp and MaxTimestamp expose the header's recorded range.
func (r *Reader) MinTimestamp() uint64 { return r.hdr.MinTS }
func (r *Reader) MaxTimestamp() uint64 { return r.hdr.MaxTS }

// Path returns the table's file path, for callers that need to unlink
// it (the compactor, after a successful swap).
func (r *Reader) Path() string { return r.path }

// Size returns the table's on-disk byte size, used by the compactor to
// group tables into size tiers.
func (r *Reader) Size() int64 {
	info, err := r.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}
