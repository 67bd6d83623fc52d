package sstable

import (
	"fmt"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/ddhadho/cityhall/pkg/metrics"
)

func writeTable(t *testing.T, entries []Entry) *Reader {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(Dir(dir), 0o755))
	path := Path(dir, 1)
	w, err := NewWriter(path, len(entries)+1)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	require.NoError(t, w.Finish())
	r, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriterReaderRoundTrip(t *testing.T) {
	entries := []Entry{
		{Key: []byte("alpha"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("beta"), Value: []byte("2"), Timestamp: 2},
		{Key: []byte("gamma"), Value: []byte("3"), Timestamp: 3},
	}
	r := writeTable(t, entries)

	for _, e := range entries {
		got, ok, err := r.Get(e.Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, e.Value, got.Value)
		require.Equal(t, e.Timestamp, got.Timestamp)
	}
}

func TestGetNewestTimestampWinsOnDuplicateKeyWithinABlock(t *testing.T) {
	entries := []Entry{
		{Key: []byte("k"), Value: []byte("old"), Timestamp: 1},
		{Key: []byte("k"), Value: []byte("new"), Timestamp: 5},
	}
	r := writeTable(t, entries)

	got, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), got.Value)
}

func TestGetTombstoneReportsDeleted(t *testing.T) {
	entries := []Entry{
		{Key: []byte("k"), Value: nil, Deleted: true, Timestamp: 1},
	}
	r := writeTable(t, entries)

	got, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Deleted)
}

// A miss on a key the filter rejects never touches a data block on
// disk: the filter check in Get returns before readBlock runs.
func TestGetMissRejectedByFilterRecordsNoBlockRead(t *testing.T) {
	entries := []Entry{
		{Key: []byte("present"), Value: []byte("v"), Timestamp: 1},
	}
	r := writeTable(t, entries)

	rec := &countingRecorder{}
	r.SetRecorder(rec)

	_, ok, err := r.Get([]byte("definitely-absent-key"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, rec.blockReads)
}

func TestGetHitIncrementsBlockRead(t *testing.T) {
	entries := []Entry{
		{Key: []byte("present"), Value: []byte("v"), Timestamp: 1},
	}
	r := writeTable(t, entries)

	rec := &countingRecorder{}
	r.SetRecorder(rec)

	_, ok, err := r.Get([]byte("present"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, rec.blockReads, 0)
}

func TestIteratorYieldsEntriesInKeyOrder(t *testing.T) {
	entries := []Entry{
		{Key: []byte("alpha"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("beta"), Value: []byte("2"), Timestamp: 1},
		{Key: []byte("gamma"), Value: []byte("3"), Timestamp: 1},
	}
	r := writeTable(t, entries)

	it, err := r.Iterator()
	require.NoError(t, err)

	var got []string
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(e.Key))
	}
	require.Equal(t, []string{"alpha", "beta", "gamma"}, got)
}

// No key ever actually written to a table is reported present with a
// spuriously high rate: the filter's false-positive behavior is
// exercised at the bloom package level; here we only check the filter
// never denies a key it does hold, across many keys and many blocks.
func TestNoFalseNegativesAcrossManyBlocks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("every written key round-trips through Get", prop.ForAll(
		func(n int) bool {
			entries := make([]Entry, 0, n)
			for i := 0; i < n; i++ {
				entries = append(entries, Entry{
					Key:       []byte(fmt.Sprintf("key-%05d", i)),
					Value:     []byte(fmt.Sprintf("value-%d", i)),
					Timestamp: uint64(i + 1),
				})
			}
			r := writeTable(t, entries)
			for _, e := range entries {
				_, ok, err := r.Get(e.Key)
				if err != nil || !ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

type countingRecorder struct {
	metrics.NopRecorder
	blockReads int
}

func (c *countingRecorder) IncBlockRead() { c.blockReads++ }
