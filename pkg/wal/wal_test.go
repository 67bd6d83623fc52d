package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// truncateLastBytes drops the final n bytes of a file, simulating a
// torn write at process crash.
func truncateLastBytes(path string, n int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Truncate(path, info.Size()-n)
}

func newTestWAL(t *testing.T, opts Options) *WAL {
	dir := t.TempDir()
	w, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWALAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r := &Record{Key: []byte{byte(i)}, Value: []byte("v"), Timestamp: uint64(i), Op: OpPut}
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	records, err := Recover(dir)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		require.Equal(t, uint64(i), r.Timestamp)
	}
}

func TestWALRotatesOnSegmentLimit(t *testing.T) {
	w := newTestWAL(t, Options{SegmentLimit: 256})

	for i := 0; i < 50; i++ {
		r := &Record{Key: []byte("key"), Value: []byte("some-value-bytes"), Timestamp: uint64(i), Op: OpPut}
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Flush())

	sealed, err := w.ListSealed()
	require.NoError(t, err)
	require.NotEmpty(t, sealed, "expected at least one sealed segment after exceeding the limit")
}

func TestWALCleanupRespectsReplicaFloor(t *testing.T) {
	w := newTestWAL(t, Options{SegmentLimit: 128})

	for i := 0; i < 40; i++ {
		r := &Record{Key: []byte("k"), Value: []byte("some-bytes-here"), Timestamp: uint64(i), Op: OpPut}
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Flush())

	sealed, err := w.ListSealed()
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	w.MarkFlushed(w.CurrentSegment())

	// A replica stuck on the very first sealed segment should block
	// cleanup of that segment even though the engine has flushed past it.
	floor := sealed[0]
	deleted, err := w.Cleanup(floor)
	require.NoError(t, err)
	for _, d := range deleted {
		require.Less(t, d, floor)
	}
}

func TestWALRecoverTruncatedTailIsTolerated(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(&Record{Key: []byte{byte(i)}, Value: []byte("v"), Timestamp: uint64(i), Op: OpPut}))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	path := segmentPath(dir+"/"+segmentDirName, 1)
	require.NoError(t, truncateLastBytes(path, 3))

	records, err := Recover(dir)
	require.NoError(t, err)
	require.Len(t, records, 2, "the torn final record should be dropped, not fail recovery")
}
