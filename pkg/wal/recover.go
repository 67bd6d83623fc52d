package wal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// readSegmentFile decodes every record from path in order, stopping
// cleanly at the first corrupt record or genuine EOF.
func readSegmentFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []*Record
	for {
		rec, err := DecodeRecord(r)
		if err != nil {
			if err == io.EOF || err == ErrCorrupt {
				break
			}
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Recover replays every segment under dataDir in ascending segment
// order, returning the concatenated record stream. A checksum failure
// or truncated record is treated as a torn write: it silently ends that
// segment's records at that point. In the final (highest-numbered)
// segment this stops recovery; in an earlier segment the rest of that
// segment is skipped and the later segments are still replayed.
func Recover(dataDir string) ([]*Record, error) {
	dir := filepath.Join(dataDir, segmentDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var numbers []uint64
	for _, e := range entries {
		if n, ok := parseSegmentNumber(e.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	var all []*Record
	for _, n := range numbers {
		recs, err := readSegmentFile(segmentPath(dir, n))
		if err != nil {
			return all, err
		}
		all = append(all, recs...)
	}
	return all, nil
}
