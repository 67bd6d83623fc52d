package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	m := New(1 << 20)
	m.Insert([]byte("city"), []byte("Nairobi"), 1)

	e, ok := m.Get([]byte("city"))
	require.True(t, ok)
	require.False(t, e.Deleted)
	require.Equal(t, []byte("Nairobi"), e.Value)
}

func TestDeleteRecordsTombstone(t *testing.T) {
	m := New(1 << 20)
	m.Insert([]byte("k"), []byte("v"), 1)
	m.Delete([]byte("k"), 2)

	e, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, e.Deleted)
	require.Equal(t, uint64(2), e.Timestamp)
}

// A later write with a greater timestamp always wins, whether or not
// the key already existed — freshness, not insertion order, decides.
func TestOverwriteKeepsLatestTimestamp(t *testing.T) {
	m := New(1 << 20)
	m.Insert([]byte("k"), []byte("v1"), 5)
	m.Insert([]byte("k"), []byte("v2"), 9)

	e, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
	require.Equal(t, uint64(9), e.Timestamp)
	require.Equal(t, 1, m.Len())
}

func TestDrainOrderedReturnsKeysInSortOrder(t *testing.T) {
	m := New(1 << 20)
	m.Insert([]byte("charlie"), []byte("3"), 1)
	m.Insert([]byte("alpha"), []byte("1"), 1)
	m.Insert([]byte("bravo"), []byte("2"), 1)

	drained := m.DrainOrdered()
	require.Len(t, drained, 3)
	require.Equal(t, "alpha", string(drained[0].Key))
	require.Equal(t, "bravo", string(drained[1].Key))
	require.Equal(t, "charlie", string(drained[2].Key))
}

func TestByteEstimateTracksOverwrites(t *testing.T) {
	m := New(1 << 20)
	m.Insert([]byte("k"), []byte("short"), 1)
	afterShort := m.ByteEstimate()

	m.Insert([]byte("k"), []byte("a-much-longer-value"), 2)
	afterLong := m.ByteEstimate()
	require.Greater(t, afterLong, afterShort)

	// The overwrite replaces the entry rather than adding a second key.
	require.Equal(t, 1, m.Len())
}

func TestIsFullRespectsLimit(t *testing.T) {
	m := New(64)
	require.False(t, m.IsFull())
	for i := 0; i < 10; i++ {
		m.Insert([]byte(fmt.Sprintf("key-%d", i)), []byte("value"), uint64(i))
	}
	require.True(t, m.IsFull())
}

func TestGetMissingKey(t *testing.T) {
	m := New(1 << 20)
	_, ok := m.Get([]byte("absent"))
	require.False(t, ok)
}
