package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

const segmentDirName = "wal_segments"

var segmentNamePattern = regexp.MustCompile(`^(\d{6})\.wal$`)

// segmentPath returns the on-disk path of segment n under dir.
func segmentPath(dir string, n uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", n))
}

// parseSegmentNumber extracts the segment number from a "NNNNNN.wal"
// basename, returning ok=false for anything else found in the directory.
func parseSegmentNumber(name string) (uint64, bool) {
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// walSegment is one NNNNNN.wal file: the active segment is appended to
// and periodically fsync'd; sealed segments are opened read-only.
type walSegment struct {
	number       uint64
	path         string
	file         *os.File
	writer       *bufio.Writer
	bytesWritten int64
}

func createWalSegment(dir string, number uint64) (*walSegment, error) {
	path := segmentPath(dir, number)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d: %w", number, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %d: %w", number, err)
	}
	return &walSegment{
		number:       number,
		path:         path,
		file:         f,
		writer:       bufio.NewWriter(f),
		bytesWritten: info.Size(),
	}, nil
}

func (s *walSegment) write(record []byte) error {
	n, err := s.writer.Write(record)
	s.bytesWritten += int64(n)
	return err
}

func (s *walSegment) flush() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment %d: %w", s.number, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment %d: %w", s.number, err)
	}
	return nil
}

func (s *walSegment) close() error {
	if err := s.flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
