// Package sstable implements the on-disk sorted table: an immutable,
// key-ordered file with snappy-compressed, prefix-key-compressed data
// blocks, a membership filter, a sparse index, and header/footer
// checksums.
package sstable

const (
	Magic   uint32 = 0x43495448 // "CITH"
	Version uint16 = 1

	// BlockTargetSize is the target uncompressed size of a data block
	// before it is compressed and flushed.
	BlockTargetSize = 16 * 1024

	headerSize = 64
	footerSize = 64
)

// Entry is one record as stored in (or read from) a sorted table.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Deleted   bool
}

// IndexEntry is one sparse-index row: the first key of a block, its
// byte offset in the file, and its compressed size.
type IndexEntry struct {
	FirstKey       []byte
	Offset         uint64
	CompressedSize uint64
}

// header is the fixed 64-byte file prologue.
type header struct {
	Magic     uint32
	Version   uint16
	NumBlocks uint32
	MinTS     uint64
	MaxTS     uint64
}

// footer is the fixed 64-byte file epilogue.
type footer struct {
	IndexOffset    uint64
	FilterOffset   uint64
	IndexSize      uint64
	FilterSize     uint64
	FooterChecksum uint32
}
