package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/ddhadho/cityhall/pkg/bloom"
)

// DefaultFalsePositiveRate is the target false-positive rate for a new
// table's membership filter.
const DefaultFalsePositiveRate = 0.01

// Writer builds one sorted table from a key-sorted stream of entries.
// Callers must call Add in non-decreasing key order, then Finish.
type Writer struct {
	finalPath string
	tmpPath   string
	file      *os.File

	pending     []Entry
	pendingSize int

	index   []IndexEntry
	filter  *bloom.Filter
	minTS   uint64
	maxTS   uint64
	offset  uint64
	nBlocks uint32
	started bool
}

// NewWriter opens a temp file next to path and prepares to accumulate
// blocks. expectedEntries sizes the membership filter.
func NewWriter(path string, expectedEntries int) (*Writer, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp file: %w", err)
	}

	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reserve header: %w", err)
	}

	return &Writer{
		finalPath: path,
		tmpPath:   tmp,
		file:      f,
		filter:    bloom.New(expectedEntries, DefaultFalsePositiveRate),
		offset:    headerSize,
	}, nil
}

// Add buffers one record. The smallest and largest timestamps seen
// across the whole table are tracked for the header's min_ts/max_ts.
func (w *Writer) Add(e Entry) error {
	if !w.started {
		w.minTS, w.maxTS = e.Timestamp, e.Timestamp
		w.started = true
	} else {
		if e.Timestamp < w.minTS {
			w.minTS = e.Timestamp
		}
		if e.Timestamp > w.maxTS {
			w.maxTS = e.Timestamp
		}
	}

	w.filter.Add(e.Key)
	w.pending = append(w.pending, e)
	w.pendingSize += len(e.Key) + len(e.Value) + 24

	if w.pendingSize >= BlockTargetSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	compressed, err := encodeBlock(w.pending)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(compressed); err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		FirstKey:       append([]byte(nil), w.pending[0].Key...),
		Offset:         w.offset,
		CompressedSize: uint64(len(compressed)),
	})
	w.offset += uint64(len(compressed))
	w.nBlocks++

	w.pending = w.pending[:0]
	w.pendingSize = 0
	return nil
}

// Finish flushes any partial block, writes the filter, sparse index,
// and footer, fsyncs the file, then atomically renames it into place
// and fsyncs the containing directory.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	filterOffset := w.offset
	filterBytes, err := w.filter.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.file.Write(filterBytes); err != nil {
		return fmt.Errorf("sstable: write filter: %w", err)
	}
	w.offset += uint64(len(filterBytes))

	indexOffset := w.offset
	indexBytes := encodeIndex(w.index)
	if _, err := w.file.Write(indexBytes); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}
	w.offset += uint64(len(indexBytes))

	if err := w.writeHeader(); err != nil {
		return err
	}
	if err := w.writeFooter(indexOffset, uint64(len(indexBytes)), filterOffset, uint64(len(filterBytes))); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("sstable: close: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("sstable: rename into place: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(w.finalPath)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Abort removes the temp file without publishing the table.
func (w *Writer) Abort() error {
	w.file.Close()
	return os.Remove(w.tmpPath)
}

func (w *Writer) writeHeader() error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint32(buf[6:10], w.nBlocks)
	binary.LittleEndian.PutUint64(buf[10:18], w.minTS)
	binary.LittleEndian.PutUint64(buf[18:26], w.maxTS)

	if _, err := w.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("sstable: write header: %w", err)
	}
	return nil
}

func (w *Writer) writeFooter(indexOffset, indexSize, filterOffset, filterSize uint64) error {
	var buf [footerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], indexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], filterOffset)
	binary.LittleEndian.PutUint64(buf[16:24], indexSize)
	binary.LittleEndian.PutUint64(buf[24:32], filterSize)

	checksum := crc32.ChecksumIEEE(buf[:32])
	binary.LittleEndian.PutUint32(buf[32:36], checksum)

	if _, err := w.file.Write(buf[:]); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}
	return nil
}

func encodeIndex(entries []IndexEntry) []byte {
	var buf []byte
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
	buf = append(buf, countBuf[:]...)

	for _, e := range entries {
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(e.FirstKey)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, e.FirstKey...)

		var rest [16]byte
		binary.LittleEndian.PutUint64(rest[0:8], e.Offset)
		binary.LittleEndian.PutUint64(rest[8:16], e.CompressedSize)
		buf = append(buf, rest[:]...)
	}
	return buf
}

func decodeIndex(data []byte) ([]IndexEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sstable: truncated index")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	pos := 4

	entries := make([]IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("sstable: truncated index entry")
		}
		keyLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+keyLen+16 > len(data) {
			return nil, fmt.Errorf("sstable: truncated index entry key")
		}
		key := append([]byte(nil), data[pos:pos+keyLen]...)
		pos += keyLen
		offset := binary.LittleEndian.Uint64(data[pos : pos+8])
		size := binary.LittleEndian.Uint64(data[pos+8 : pos+16])
		pos += 16

		entries = append(entries, IndexEntry{FirstKey: key, Offset: offset, CompressedSize: size})
	}
	return entries, nil
}
