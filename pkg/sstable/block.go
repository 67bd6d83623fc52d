package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// encodeBlock serializes entries (already in key order) into one
// uncompressed block buffer, prefix-compressing each key against the
// previous key in the block, then compresses the result with Snappy.
func encodeBlock(entries []Entry) (compressed []byte, err error) {
	var buf bytes.Buffer
	var prevKey []byte

	for _, e := range entries {
		shared := sharedPrefixLen(prevKey, e.Key)
		suffix := e.Key[shared:]

		var hdr [2 + 2 + 1 + 8 + 4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(shared))
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(suffix)))
		if e.Deleted {
			hdr[4] = 1
		}
		binary.LittleEndian.PutUint64(hdr[5:13], e.Timestamp)
		binary.LittleEndian.PutUint32(hdr[13:17], uint32(len(e.Value)))

		buf.Write(hdr[:])
		buf.Write(suffix)
		buf.Write(e.Value)

		prevKey = e.Key
	}

	return snappy.Encode(nil, buf.Bytes()), nil
}

// decodeBlock reverses encodeBlock, reconstructing full keys from the
// shared-prefix encoding.
func decodeBlock(compressed []byte) ([]Entry, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}

	var entries []Entry
	var prevKey []byte
	pos := 0
	for pos < len(raw) {
		if pos+17 > len(raw) {
			return nil, fmt.Errorf("sstable: truncated block header")
		}
		shared := int(binary.LittleEndian.Uint16(raw[pos : pos+2]))
		suffixLen := int(binary.LittleEndian.Uint16(raw[pos+2 : pos+4]))
		deleted := raw[pos+4] == 1
		ts := binary.LittleEndian.Uint64(raw[pos+5 : pos+13])
		valueLen := int(binary.LittleEndian.Uint32(raw[pos+13 : pos+17]))
		pos += 17

		if shared > len(prevKey) || pos+suffixLen+valueLen > len(raw) {
			return nil, fmt.Errorf("sstable: corrupt block entry")
		}

		key := make([]byte, shared+suffixLen)
		copy(key, prevKey[:shared])
		copy(key[shared:], raw[pos:pos+suffixLen])
		pos += suffixLen

		value := append([]byte(nil), raw[pos:pos+valueLen]...)
		pos += valueLen

		entries = append(entries, Entry{Key: key, Value: value, Timestamp: ts, Deleted: deleted})
		prevKey = key
	}
	return entries, nil
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
