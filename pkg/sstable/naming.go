package sstable

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

const dirName = "sstables"

var namePattern = regexp.MustCompile(`^(\d{10})\.sst$`)

// Dir returns the sstables directory under a data directory.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, dirName)
}

// Path returns the path of the sorted table with the given creation
// ordinal, formatted as a zero-padded "NNNNNNNNNN.sst".
func Path(dataDir string, ordinal uint64) string {
	return filepath.Join(Dir(dataDir), fmt.Sprintf("%010d.sst", ordinal))
}

// ParseOrdinal extracts the creation ordinal from a "NNNNNNNNNN.sst"
// basename.
func ParseOrdinal(name string) (uint64, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
