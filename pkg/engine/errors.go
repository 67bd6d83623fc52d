package engine

import "errors"

var (
	// ErrCapacity mirrors wal.ErrCapacity for callers that only import engine.
	ErrCapacity = errors.New("engine: record exceeds size limit")

	// ErrClosed is returned by Put/Delete/Get once Shutdown has run; a
	// repeated Shutdown returns nil.
	ErrClosed = errors.New("engine: engine is closed")
)
