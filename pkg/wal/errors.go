package wal

import "errors"

var (
	// ErrCorrupt is returned by DecodeRecord/Recover when a record's
	// checksum or length fields don't line up. Recovery treats the
	// first such record as the end of its segment and stops reading
	// that segment there.
	ErrCorrupt = errors.New("wal: corrupt record")

	// ErrCapacity is returned when a record exceeds the u16/u32 size
	// limits baked into the wire format.
	ErrCapacity = errors.New("wal: record exceeds size limit")

	// ErrSegmentNotFound is returned by ReadSegment for a segment number
	// that has no corresponding file (already cleaned up, or never existed).
	ErrSegmentNotFound = errors.New("wal: segment not found")

	// ErrSegmentActive is returned when a caller asks to read the
	// currently-active segment as if it were sealed.
	ErrSegmentActive = errors.New("wal: segment is active, not sealed")
)
